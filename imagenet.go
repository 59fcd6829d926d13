package linearprobing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Split of an ImageNet-style directory tree: the "train" and "val"
// subdirectories of the dataset root.
type Split string

const (
	TrainSplit Split = "train"
	ValSplit   Split = "val"
)

// imageExtensions accepted when scanning class directories.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
}

// sample is one (image file, label) pair of an ImageFolder.
type sample struct {
	path  string
	label int32
}

// ImageFolder indexes an image-classification directory in the standard
// layout `<root>/<split>/<class>/<image>`: one subdirectory per class, class
// labels assigned by the sorted order of the class directory names, the same
// convention used by ImageNet-1K distributions.
//
// Scanning happens once at construction; images are only opened when a
// Dataset built on top of it yields batches.
type ImageFolder struct {
	dir     string
	classes []string
	samples []sample
}

// NewImageFolder scans the given split under the dataset root.
//
// It fails fast if the split directory does not exist or contains no class
// subdirectories with images, so a bad --data_path is reported before any
// model download or training step.
func NewImageFolder(rootDir string, split Split) (*ImageFolder, error) {
	dir := path.Join(rootDir, string(split))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read dataset directory %q", dir)
	}
	folder := &ImageFolder{dir: dir}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folder.classes = append(folder.classes, entry.Name())
	}
	// os.ReadDir returns entries sorted by name, which fixes the class order.
	for classIdx, className := range folder.classes {
		classDir := path.Join(dir, className)
		images, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read class directory %q", classDir)
		}
		for _, img := range images {
			if img.IsDir() || !imageExtensions[strings.ToLower(path.Ext(img.Name()))] {
				continue
			}
			folder.samples = append(folder.samples, sample{
				path:  path.Join(classDir, img.Name()),
				label: int32(classIdx),
			})
		}
	}
	if len(folder.samples) == 0 {
		return nil, errors.Errorf("no images found under %q: expected one subdirectory per class with image files", dir)
	}
	return folder, nil
}

// NumClasses found in the split directory.
func (folder *ImageFolder) NumClasses() int { return len(folder.classes) }

// NumExamples indexed in the split directory.
func (folder *ImageFolder) NumExamples() int { return len(folder.samples) }

// Classes returns the class directory names, in label order.
func (folder *ImageFolder) Classes() []string { return folder.classes }

// Dataset yields batches of preprocessed images and labels from an
// ImageFolder. It implements train.Dataset, so it can be used directly by a
// train.Loop for training and evaluation.
//
// A training Dataset (see WithAugmentation and WithShuffle) applies the weak
// augmentation used for linear probing: random-resized-crop to ImageSize plus
// random horizontal flip. An evaluation Dataset deterministically resizes the
// shorter side to ResizeSize and center-crops to ImageSize.
//
// Yield is safe for concurrent use, so the Dataset can be wrapped with
// datasets.CustomParallel to overlap image decoding with training.
type Dataset struct {
	name   string
	folder *ImageFolder

	batchSize int
	dropLast  bool
	infinite  bool
	augment   bool
	toTensor  *timage.ToTensorConfig

	// mu protects the sampling cursor, the shuffling order and the rngs.
	mu      sync.Mutex
	next    int
	order   []int
	shuffle *rand.Rand
	augRng  *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over folder yielding batches of batchSize
// images, in scanning order and without augmentation. Use the With* methods
// to configure it for training.
func NewDataset(name string, folder *ImageFolder, batchSize int, dtype dtypes.DType) *Dataset {
	return &Dataset{
		name:      name,
		folder:    folder,
		batchSize: batchSize,
		toTensor:  timage.ToTensor(dtype),
	}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// WithShuffle reshuffles the sample order at the start of every epoch, using
// the given rng for reproducibility. It returns the Dataset to allow chaining.
func (ds *Dataset) WithShuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// WithAugmentation enables the training-time image augmentation, seeded by rng.
func (ds *Dataset) WithAugmentation(rng *rand.Rand) *Dataset {
	ds.augment = true
	ds.augRng = rng
	return ds
}

// WithInfinite makes the Dataset loop forever, for use with
// train.Loop.RunSteps. Finite datasets (the default) yield io.EOF at the end
// of each epoch, for train.Loop.RunEpochs and for evaluation.
func (ds *Dataset) WithInfinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// WithDropLast drops the final incomplete batch of each epoch, keeping all
// yielded batches the same shape. This avoids re-compiling the training graph
// for the one leftover batch.
func (ds *Dataset) WithDropLast(dropLast bool) *Dataset {
	ds.dropLast = dropLast
	return ds
}

// BatchSize this Dataset yields.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumBatchesPerEpoch for this dataset configuration. With drop-last the final
// partial batch is not counted.
func (ds *Dataset) NumBatchesPerEpoch() int {
	n := ds.folder.NumExamples() / ds.batchSize
	if !ds.dropLast && ds.folder.NumExamples()%ds.batchSize != 0 {
		n++
	}
	return n
}

// nextIndices reserves the sample indices of the next batch. It returns
// io.EOF at the end of an epoch for finite datasets.
func (ds *Dataset) nextIndices() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	numExamples := ds.folder.NumExamples()
	indices := make([]int, 0, ds.batchSize)
	for len(indices) < ds.batchSize {
		if ds.next >= numExamples {
			if !ds.infinite {
				break
			}
			ds.next = 0
			ds.reshuffleLocked()
		}
		idx := ds.next
		if ds.order != nil {
			idx = ds.order[idx]
		}
		indices = append(indices, idx)
		ds.next++
	}
	if len(indices) == 0 || (len(indices) < ds.batchSize && ds.dropLast) {
		return nil, io.EOF
	}
	return indices, nil
}

func (ds *Dataset) reshuffleLocked() {
	if ds.shuffle == nil {
		return
	}
	if ds.order == nil {
		ds.order = make([]int, ds.folder.NumExamples())
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// loadImage reads, decodes and preprocesses the sample at the given index.
func (ds *Dataset) loadImage(idx int) (image.Image, error) {
	s := ds.folder.samples[idx]
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", s.path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", s.path)
	}
	if ds.augment {
		// The shared rng is only used to seed a per-image one, so parallel
		// workers don't serialize on the crop and flip work.
		ds.mu.Lock()
		rng := rand.New(rand.NewSource(ds.augRng.Int63()))
		ds.mu.Unlock()
		img = RandomResizedCrop(img, ImageSize, rng)
		img = RandomHorizontalFlip(img, rng)
	} else {
		img = ResizeShorterSide(img, ResizeSize)
		img = CenterCrop(img, ImageSize)
	}
	return img, nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the *Dataset itself.
//   - inputs: one tensor with the images batch, shaped
//     `[batch_size, ImageSize, ImageSize, 3]`, values scaled to [0, 1].
//   - labels: one int32 tensor shaped `[batch_size, 1]` with the class indices.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	images := make([]image.Image, len(indices))
	labelValues := make([]int32, len(indices))
	for ii, idx := range indices {
		images[ii], err = ds.loadImage(idx)
		if err != nil {
			return nil, nil, nil, err
		}
		labelValues[ii] = ds.folder.samples[idx].label
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, len(indices), 1)}
	return ds, inputs, labels, nil
}

// Reset implements train.Dataset: it restarts the epoch, reshuffling if the
// dataset is configured to shuffle.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.reshuffleLocked()
}
