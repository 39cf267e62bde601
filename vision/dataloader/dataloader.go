// Package dataloader groups dataset samples into batches, one epoch at a time.
package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-superres/tensor"
)

// Dataset is an indexable collection of (input, target) pairs.
type Dataset interface {
	Len() int
	Get(index int) (input, target *tensor.Tensor, err error)
}

// Sample is one dataset item.
type Sample struct {
	Input  *tensor.Tensor
	Target *tensor.Tensor
}

// Batch stacks samples along a new leading dimension: [N,C,H,W].
type Batch struct {
	Input  *tensor.Tensor
	Target *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Input.Shape[0]
}

type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64 // seeds the per-loader shuffling RNG
	Prefetch  int   // batches assembled ahead on a background goroutine; 0 loads synchronously
	CacheSize int   // samples kept in memory; 0 disables the cache
}

type batchResult struct {
	batch *Batch
	err   error
}

// DataLoader yields every sample of a dataset exactly once per epoch. Call
// Reset to begin another epoch; Next returns a nil batch at the end of one.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	prefetch  int
	rng       *rand.Rand
	cache     *CacheManager

	mu       sync.Mutex
	indices  []int
	position int
	started  bool

	batches chan batchResult
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Prefetch < 0 {
		return nil, fmt.Errorf("prefetch depth cannot be negative, got %d", config.Prefetch)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		prefetch:  config.Prefetch,
		rng:       rand.New(rand.NewSource(config.Seed)),
		cache:     NewCacheManager(config.CacheSize),
		indices:   indices,
	}, nil
}

// Len returns the number of batches per epoch. The last batch may be short.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the dataset size.
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Reset abandons the current epoch. The next call to Next starts a new one,
// drawing a fresh order when shuffling.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.stop()
	dl.position = 0
	dl.started = false
}

// Next returns the next batch of the epoch, or nil once the epoch is exhausted.
// It blocks until the batch is fully assembled.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if !dl.started {
		dl.startEpoch()
	}

	if dl.batches != nil {
		r, ok := <-dl.batches
		if !ok {
			return nil, nil
		}
		return r.batch, r.err
	}

	if dl.position >= dl.Len() {
		return nil, nil
	}
	batch, err := dl.assemble(dl.indices, dl.position)
	dl.position++
	return batch, err
}

// Close stops background prefetching.
func (dl *DataLoader) Close() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.stop()
}

// CacheStats reports sample cache usage.
func (dl *DataLoader) CacheStats() CacheStats {
	return dl.cache.Stats()
}

func (dl *DataLoader) startEpoch() {
	dl.started = true
	if dl.shuffle {
		for i := range dl.indices {
			dl.indices[i] = i
		}
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	if dl.prefetch == 0 {
		return
	}

	order := make([]int, len(dl.indices))
	copy(order, dl.indices)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan batchResult, dl.prefetch)
	dl.batches = ch
	dl.cancel = cancel

	dl.wg.Add(1)
	go func() {
		defer dl.wg.Done()
		defer close(ch)
		for b := 0; b < dl.Len(); b++ {
			batch, err := dl.assemble(order, b)
			select {
			case ch <- batchResult{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (dl *DataLoader) stop() {
	if dl.cancel == nil {
		return
	}
	dl.cancel()
	for range dl.batches {
	}
	dl.wg.Wait()
	dl.cancel = nil
	dl.batches = nil
}

func (dl *DataLoader) sample(index int) (Sample, error) {
	if s, ok := dl.cache.Get(index); ok {
		return s, nil
	}
	input, target, err := dl.dataset.Get(index)
	if err != nil {
		return Sample{}, fmt.Errorf("sample %d: %w", index, err)
	}
	s := Sample{Input: input, Target: target}
	dl.cache.Put(index, s)
	return s, nil
}

func (dl *DataLoader) assemble(order []int, batchIndex int) (*Batch, error) {
	start := batchIndex * dl.batchSize
	end := start + dl.batchSize
	if end > len(order) {
		end = len(order)
	}

	samples := make([]Sample, 0, end-start)
	for _, idx := range order[start:end] {
		s, err := dl.sample(idx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	inputs := make([]*tensor.Tensor, len(samples))
	targets := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		inputs[i], targets[i] = s.Input, s.Target
	}
	input, err := Stack(inputs)
	if err != nil {
		return nil, fmt.Errorf("batch %d inputs: %w", batchIndex, err)
	}
	target, err := Stack(targets)
	if err != nil {
		return nil, fmt.Errorf("batch %d targets: %w", batchIndex, err)
	}
	return &Batch{Input: input, Target: target}, nil
}

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(items []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	first := items[0]
	data := make([]float32, 0, first.NumElems*len(items))
	for i, t := range items {
		if !tensor.ShapesEqual(t.Shape, first.Shape) {
			return nil, fmt.Errorf("%w: item %d has shape %v, item 0 has %v", tensor.ErrShapeMismatch, i, t.Shape, first.Shape)
		}
		data = append(data, t.Data...)
	}
	return tensor.NewTensor(append([]int{len(items)}, first.Shape...), data)
}
