package engine

import (
	"runtime"
	"sync"

	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// Bag is the Lifted strategy's parallel counterpart to an eager sequence:
// its elements are partitioned, and each partition is computed by its own
// goroutine the first time it's demanded.
type Bag struct {
	partitions []BagPartition

	once sync.Once
	vals []value.Value
	err  error
}

// BagPartition produces one contiguous chunk of a Bag's elements. Compute
// may be called more than once (by materialize, Page and Stream), from any
// goroutine.
type BagPartition struct {
	Compute func() ([]value.Value, error)
}

// NewBag partitions items into roughly-equal chunks, one per available
// worker slot, and wraps each chunk as an already-materialized partition.
func NewBag(items []value.Value, concurrency int) *Bag {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	chunk := (len(items) + concurrency - 1) / concurrency
	if chunk < 1 {
		chunk = 1
	}
	var parts []BagPartition
	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		slice := items[start:end]
		parts = append(parts, BagPartition{Compute: func() ([]value.Value, error) { return slice, nil }})
	}
	return &Bag{partitions: parts}
}

// MapBag builds a new Bag whose partitions lazily apply fn to src's
// partitions, each partition computed by its own goroutine and collected
// in partition order.
func MapBag(src *Bag, fn func(value.Value) (value.Value, error), concurrency int) *Bag {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
	}
	parts := make([]BagPartition, len(src.partitions))
	for i, p := range src.partitions {
		p := p
		parts[i] = BagPartition{Compute: func() ([]value.Value, error) {
			items, err := p.Compute()
			if err != nil {
				return nil, err
			}
			return mapConcurrently(items, fn, concurrency)
		}}
	}
	return &Bag{partitions: parts}
}

// mapConcurrently applies fn to every item via a bounded goroutine pool,
// collecting results by index so output order matches input order
// regardless of completion order (indexed result channel plus a slice
// sized up front).
func mapConcurrently(items []value.Value, fn func(value.Value) (value.Value, error), concurrency int) ([]value.Value, error) {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}
	if concurrency < 1 {
		return nil, nil
	}

	type indexed struct {
		index int
		value value.Value
		err   error
	}

	results := make([]value.Value, len(items))
	resultChan := make(chan indexed, len(items))
	sem := make(chan struct{}, concurrency)

	for i, item := range items {
		i, item := i, item
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			v, err := fn(item)
			resultChan <- indexed{index: i, value: v, err: err}
		}()
	}

	var firstErr error
	for range items {
		r := <-resultChan
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			continue
		}
		results[r.index] = r.value
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// materialize computes every partition concurrently (one goroutine per
// partition, capped at NumCPU*2) and concatenates them in order, caching
// the result for subsequent calls.
func (b *Bag) materialize() ([]value.Value, error) {
	b.once.Do(func() {
		concurrency := runtime.NumCPU() * 2
		if concurrency > len(b.partitions) {
			concurrency = len(b.partitions)
		}
		if concurrency < 1 {
			concurrency = 1
		}

		type indexed struct {
			index int
			items []value.Value
			err   error
		}
		resultChan := make(chan indexed, len(b.partitions))
		sem := make(chan struct{}, concurrency)
		for i, p := range b.partitions {
			i, p := i, p
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				items, err := p.Compute()
				resultChan <- indexed{index: i, items: items, err: err}
			}()
		}
		chunks := make([][]value.Value, len(b.partitions))
		var firstErr error
		for range b.partitions {
			r := <-resultChan
			if r.err != nil && firstErr == nil {
				firstErr = r.err
				continue
			}
			chunks[r.index] = r.items
		}
		if firstErr != nil {
			b.err = firstErr
			return
		}
		var all []value.Value
		for _, c := range chunks {
			all = append(all, c...)
		}
		b.vals = all
	})
	return b.vals, b.err
}

// Iter implements value.Sequence by materializing all partitions up front.
// Streaming partition-by-partition (rather than item-by-item) is exposed
// separately via ToDelayed, used by Stream/Page.
func (b *Bag) Iter() value.Iterator {
	items, err := b.materialize()
	if err != nil {
		return &errIterator{err: err}
	}
	return &bagIterator{items: items}
}

func (b *Bag) TotalSize() (int, bool) {
	items, err := b.materialize()
	if err != nil {
		return 0, false
	}
	return len(items), true
}

func (b *Bag) Page(offset, limit int) ([]value.Value, int, error) {
	var out []value.Value
	pos, end := 0, offset+limit
	for _, p := range b.ToDelayed() {
		if pos >= end {
			break
		}
		items, err := p.Compute()
		if err != nil {
			return nil, 0, err
		}
		for _, item := range items {
			if pos >= offset && pos < end {
				out = append(out, item)
			}
			pos++
		}
	}
	return out, offset + len(out), nil
}

// ToDelayed returns the bag's partitions for streaming consumption
// partition-by-partition, so pagination never materializes the whole bag.
func (b *Bag) ToDelayed() []BagPartition { return b.partitions }

type bagIterator struct {
	items []value.Value
	pos   int
}

func (it *bagIterator) Next() (value.Value, bool, error) {
	if it.pos >= len(it.items) {
		return value.Value{}, false, nil
	}
	v := it.items[it.pos]
	it.pos++
	return v, true, nil
}

type errIterator struct{ err error }

func (it *errIterator) Next() (value.Value, bool, error) { return value.Value{}, false, it.err }
