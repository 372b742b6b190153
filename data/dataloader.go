package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/meshgan/tensor"
)

// DataLoader provides batching and shuffling over a Dataset, assembling
// per-key batch tensors by concatenating sample rows.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	weights   []float64 // optional weighted sampling (balanced datasets)
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// LoaderConfig holds DataLoader construction options.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	// Weighted enables weighted-with-replacement sampling using the
	// dataset's ImageWeights. Overrides Shuffle.
	Weighted bool
	Seed     int64
}

// NewDataLoader creates a new DataLoader.
func NewDataLoader(dataset Dataset, cfg LoaderConfig) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	dl := &DataLoader{
		dataset:   dataset,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		dropLast:  cfg.DropLast,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.Weighted {
		weights := dataset.ImageWeights()
		if weights == nil {
			return nil, fmt.Errorf("weighted sampling requested but dataset provides no image weights")
		}
		if len(weights) != dataset.Len() {
			return nil, fmt.Errorf("image weight count %d does not match dataset length %d", len(weights), dataset.Len())
		}
		dl.weights = weights
	}
	dl.indices = make([]int, dataset.Len())
	for i := range dl.indices {
		dl.indices[i] = i
	}
	return dl, nil
}

// Len returns the number of batches in one epoch.
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader and reshuffles (or resamples) the index
// sequence for a new epoch.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.weights != nil {
		// Weighted sampling with replacement.
		for i := range dl.indices {
			dl.indices[i] = dl.sampleWeighted()
		}
		return
	}
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

func (dl *DataLoader) sampleWeighted() int {
	var total float64
	for _, w := range dl.weights {
		total += w
	}
	r := dl.rng.Float64() * total
	for i, w := range dl.weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(dl.weights) - 1
}

// Next returns the next batch, or nil when the epoch is complete.
func (dl *DataLoader) Next() (Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		if dl.dropLast {
			dl.position = len(dl.indices)
			return nil, nil
		}
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

// HasNext reports whether the current epoch has more batches.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	if dl.dropLast {
		return dl.position+dl.batchSize <= len(dl.indices)
	}
	return dl.position < len(dl.indices)
}

// loadBatch assembles per-key batch tensors from the given samples.
func (dl *DataLoader) loadBatch(indices []int) (Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	samples := make([]Batch, len(indices))
	for i, idx := range indices {
		sample, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		samples[i] = sample
	}

	first := samples[0]
	batch := make(Batch, len(first))
	for key := range first {
		rows := make([]*tensor.Tensor, len(samples))
		for i, sample := range samples {
			row, ok := sample[key]
			if !ok {
				return nil, fmt.Errorf("sample %d is missing key %q", indices[i], key)
			}
			rows[i] = row
		}
		combined, err := tensor.ConcatRows(rows...)
		if err != nil {
			return nil, fmt.Errorf("failed to batch key %q: %v", key, err)
		}
		batch[key] = combined
	}
	return batch, nil
}

// RepeatIterator cycles a DataLoader for a fixed number of passes,
// used when the evaluation dataset is smaller than the number of
// samples FID statistics require.
type RepeatIterator struct {
	loader *DataLoader
	passes int
	pass   int
}

// NewRepeatIterator wraps loader for the given number of passes.
func NewRepeatIterator(loader *DataLoader, passes int) *RepeatIterator {
	return &RepeatIterator{loader: loader, passes: passes}
}

// Len returns the total number of batches across all passes.
func (r *RepeatIterator) Len() int {
	return r.loader.Len() * r.passes
}

// Reset rewinds to the start of the first pass.
func (r *RepeatIterator) Reset() {
	r.pass = 0
	r.loader.Reset()
}

// HasNext reports whether any pass still has batches.
func (r *RepeatIterator) HasNext() bool {
	return r.loader.HasNext() || r.pass+1 < r.passes
}

// Next returns the next batch, rewinding the underlying loader between
// passes. Returns nil once all passes are exhausted.
func (r *RepeatIterator) Next() (Batch, error) {
	if !r.loader.HasNext() {
		if r.pass+1 >= r.passes {
			return nil, nil
		}
		r.pass++
		r.loader.Reset()
	}
	return r.loader.Next()
}
