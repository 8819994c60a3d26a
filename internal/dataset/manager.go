package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Batch is one minibatch of images shaped (B,C,H,W) plus labels.
type Batch struct {
	Images *tensor.Dense
	Labels []int
}

// Loader iterates over a fixed image set in minibatches, wrapping around at
// epoch boundaries. A shuffling loader reshuffles with its own PRNG at the
// start of every epoch; a sequential loader preserves file order.
type Loader struct {
	images    []float64
	labels    []int
	n         int
	c, h, w   int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader wraps an image tensor shaped (N,C,H,W) and its labels.
func NewLoader(images *tensor.Dense, labels []int, batchSize int, shuffle bool, seed int64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be > 0 (got %d)", batchSize)
	}
	shape := images.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("dataset: images must be (N,C,H,W), got shape %v", shape)
	}
	n := shape[0]
	if n == 0 {
		return nil, errors.New("dataset: empty image set")
	}
	if len(labels) != n {
		return nil, fmt.Errorf("dataset: %d images but %d labels", n, len(labels))
	}
	backing, ok := images.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("dataset: images must have float64 backing, got %T", images.Data())
	}
	l := &Loader{
		images:    backing,
		labels:    labels,
		n:         n,
		c:         shape[1],
		h:         shape[2],
		w:         shape[3],
		batchSize: batchSize,
		shuffle:   shuffle,
		order:     make([]int, n),
	}
	for i := range l.order {
		l.order[i] = i
	}
	if shuffle {
		l.rng = rand.New(rand.NewSource(seed))
		l.rng.Shuffle(n, func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
	return l, nil
}

// Len reports the number of examples.
func (l *Loader) Len() int { return l.n }

// Batches reports the number of minibatches per epoch; the final batch may
// be smaller than the configured size.
func (l *Loader) Batches() int {
	return (l.n + l.batchSize - 1) / l.batchSize
}

// Next returns the next minibatch, starting a new epoch when the current one
// is exhausted.
func (l *Loader) Next() Batch {
	if l.pos >= l.n {
		l.pos = 0
		if l.shuffle {
			l.rng.Shuffle(l.n, func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
		}
	}
	end := l.pos + l.batchSize
	if end > l.n {
		end = l.n
	}
	batch := l.gather(l.order[l.pos:end])
	l.pos = end
	return batch
}

// First returns the leading minibatch in file order without advancing the
// iteration state.
func (l *Loader) First() Batch {
	end := l.batchSize
	if end > l.n {
		end = l.n
	}
	idx := make([]int, end)
	for i := range idx {
		idx[i] = i
	}
	return l.gather(idx)
}

func (l *Loader) gather(idx []int) Batch {
	per := l.c * l.h * l.w
	backing := make([]float64, len(idx)*per)
	labels := make([]int, len(idx))
	for i, src := range idx {
		copy(backing[i*per:(i+1)*per], l.images[src*per:(src+1)*per])
		labels[i] = l.labels[src]
	}
	images := tensor.New(tensor.WithShape(len(idx), l.c, l.h, l.w), tensor.WithBacking(backing))
	return Batch{Images: images, Labels: labels}
}

// Manager supplies the train and test batch sources of an experiment.
type Manager struct {
	Train *Loader
	Test  *Loader
}

// Open discovers and loads MNIST-format IDX files under root.
func Open(root string, batchSize, testBatchSize int, seed int64) (*Manager, error) {
	files, err := Discover(root)
	if err != nil {
		return nil, err
	}
	trainImgs, err := LoadImagesFile(files.TrainImages)
	if err != nil {
		return nil, err
	}
	trainLabels, err := LoadLabelsFile(files.TrainLabels)
	if err != nil {
		return nil, err
	}
	testImgs, err := LoadImagesFile(files.TestImages)
	if err != nil {
		return nil, err
	}
	testLabels, err := LoadLabelsFile(files.TestLabels)
	if err != nil {
		return nil, err
	}
	return FromTensors(trainImgs, trainLabels, testImgs, testLabels, batchSize, testBatchSize, seed)
}

// FromTensors builds a Manager from in-memory tensors, used by tests and
// synthetic runs.
func FromTensors(trainImgs *tensor.Dense, trainLabels []int, testImgs *tensor.Dense, testLabels []int,
	batchSize, testBatchSize int, seed int64) (*Manager, error) {
	train, err := NewLoader(trainImgs, trainLabels, batchSize, true, seed)
	if err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	test, err := NewLoader(testImgs, testLabels, testBatchSize, false, 0)
	if err != nil {
		return nil, fmt.Errorf("test loader: %w", err)
	}
	return &Manager{Train: train, Test: test}, nil
}
