package linearprobing

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Preprocessing sizes used by the CLIP vision encoders: evaluation images are
// resized so the shorter side is ResizeSize and then center-cropped to
// ImageSize x ImageSize. Training images are random-resized-cropped directly
// to ImageSize x ImageSize.
const (
	ImageSize  = 224
	ResizeSize = 256
)

// ImageNet per-channel mean and standard deviation, for values scaled to [0, 1].
// Applied in-graph by NormalizeImages.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// NormalizeImages standardizes a batch of images with the ImageNet channel
// statistics. It expects images shaped `[batch, height, width, 3]` with values
// in [0, 1], the format yielded by Dataset.
func NormalizeImages(images *graph.Node) *graph.Node {
	g := images.Graph()
	dtype := images.DType()
	mean := graph.Const(g, ImageNetMean[:])
	std := graph.Const(g, ImageNetStd[:])
	mean = graph.ConvertDType(mean, dtype)
	std = graph.ConvertDType(std, dtype)
	return graph.Div(graph.Sub(images, mean), std)
}

// ResizeShorterSide resizes img preserving the aspect ratio, so that its
// shorter side becomes size pixels.
func ResizeShorterSide(img image.Image, size int) image.Image {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(size)
		width = size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(size)
		height = size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width, height = size, size
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// CenterCrop crops a size x size region from the center of img. If img is
// smaller than size on any dimension it is resized up first.
func CenterCrop(img image.Image, size int) image.Image {
	if img.Bounds().Dx() < size || img.Bounds().Dy() < size {
		img = ResizeShorterSide(img, size)
	}
	return imaging.CropCenter(img, size, size)
}

// RandomResizedCrop samples a crop with area in [0.08, 1.0] of the original and
// aspect ratio in [3/4, 4/3], then resizes it to size x size. After 10 failed
// attempts it falls back to a center crop.
//
// The rng is owned by the caller; it is not safe for concurrent use.
func RandomResizedCrop(img image.Image, size int, rng *rand.Rand) image.Image {
	const (
		minScale = 0.08
		maxScale = 1.0
	)
	logMinRatio := math.Log(3.0 / 4.0)
	logMaxRatio := math.Log(4.0 / 3.0)

	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	area := float64(width * height)
	for attempt := 0; attempt < 10; attempt++ {
		targetArea := area * (minScale + rng.Float64()*(maxScale-minScale))
		aspectRatio := math.Exp(logMinRatio + rng.Float64()*(logMaxRatio-logMinRatio))
		cropWidth := int(math.Round(math.Sqrt(targetArea * aspectRatio)))
		cropHeight := int(math.Round(math.Sqrt(targetArea / aspectRatio)))
		if cropWidth <= 0 || cropHeight <= 0 || cropWidth > width || cropHeight > height {
			continue
		}
		x0 := rng.Intn(width - cropWidth + 1)
		y0 := rng.Intn(height - cropHeight + 1)
		img = imaging.Crop(img, image.Rect(x0, y0, x0+cropWidth, y0+cropHeight))
		return imaging.Resize(img, size, size, imaging.Lanczos)
	}
	return CenterCrop(img, size)
}

// RandomHorizontalFlip flips img horizontally with probability 1/2.
func RandomHorizontalFlip(img image.Image, rng *rand.Rand) image.Image {
	if rng.Intn(2) == 1 {
		return imaging.FlipH(img)
	}
	return img
}
