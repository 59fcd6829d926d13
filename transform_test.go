package linearprobing

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestResizeShorterSide(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 500, 300))
	resized := ResizeShorterSide(img, 256)
	assert.Equal(t, 256, resized.Bounds().Dy())
	assert.Equal(t, 427, resized.Bounds().Dx(), "aspect ratio must be preserved")

	img = image.NewRGBA(image.Rect(0, 0, 300, 500))
	resized = ResizeShorterSide(img, 256)
	assert.Equal(t, 256, resized.Bounds().Dx())
	assert.Equal(t, 427, resized.Bounds().Dy())

	img = image.NewRGBA(image.Rect(0, 0, 100, 100))
	resized = ResizeShorterSide(img, 256)
	assert.Equal(t, image.Pt(256, 256), resized.Bounds().Size())
}

func TestCenterCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 300, 400))
	cropped := CenterCrop(img, ImageSize)
	assert.Equal(t, image.Pt(ImageSize, ImageSize), cropped.Bounds().Size())

	// Images smaller than the crop are resized up first.
	img = image.NewRGBA(image.Rect(0, 0, 100, 50))
	cropped = CenterCrop(img, ImageSize)
	assert.Equal(t, image.Pt(ImageSize, ImageSize), cropped.Bounds().Size())
}

func TestRandomResizedCrop(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for ii := 0; ii < 20; ii++ {
		cropped := RandomResizedCrop(img, ImageSize, rng)
		require.Equal(t, image.Pt(ImageSize, ImageSize), cropped.Bounds().Size(),
			"crop #%d has the wrong size", ii)
	}

	// Degenerate 1x1 image: every sampled crop fails, it falls back to a
	// center crop of the requested size.
	tiny := image.NewRGBA(image.Rect(0, 0, 1, 1))
	cropped := RandomResizedCrop(tiny, ImageSize, rng)
	assert.Equal(t, image.Pt(ImageSize, ImageSize), cropped.Bounds().Size())
}

func TestRandomHorizontalFlip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{B: 255, A: 255})

	var flipped, unchanged int
	rng := rand.New(rand.NewSource(0))
	for ii := 0; ii < 100; ii++ {
		out := RandomHorizontalFlip(img, rng)
		r, _, _, _ := out.At(0, 0).RGBA()
		if r == 0 {
			flipped++
		} else {
			unchanged++
		}
	}
	assert.Greater(t, flipped, 0, "expected some flips in 100 draws")
	assert.Greater(t, unchanged, 0, "expected some identity outputs in 100 draws")
}

func TestNormalizeImages(t *testing.T) {
	graphtest.RunTestGraphFn(t, "NormalizeImages", func(g *Graph) (inputs, outputs []*Node) {
		images := Ones(g, shapes.Make(dtypes.Float32, 1, 1, 1, 3))
		inputs = []*Node{images}
		outputs = []*Node{NormalizeImages(images)}
		return
	}, []any{
		[][][][]float32{{{{
			float32((1 - 0.485) / 0.229),
			float32((1 - 0.456) / 0.224),
			float32((1 - 0.406) / 0.225),
		}}}},
	}, 1e-5)
}
