package value

import "fmt"

// Sequence is the lazy, optionally sized iterable contract that range,
// map, for, and load all produce. Implementations must never retain the full materialized
// list unless a consumer forces it via MaterializeAll.
type Sequence interface {
	// Iter returns a fresh iterator positioned at the start of the sequence.
	Iter() Iterator
	// TotalSize reports a known element count, if any.
	TotalSize() (n int, known bool)
	// Page returns up to limit items starting at offset, plus the offset to
	// use for the next page.
	Page(offset, limit int) (items []Value, nextOffset int, err error)
}

// Iterator pulls values one at a time.
type Iterator interface {
	// Next returns the next value; ok is false at end of sequence.
	Next() (v Value, ok bool, err error)
}

// ListSequence wraps an already-materialized slice (the eager
// list/tuple/range case).
type ListSequence struct {
	Items []Value
}

func (s *ListSequence) Iter() Iterator { return &listIterator{items: s.Items} }
func (s *ListSequence) TotalSize() (int, bool) { return len(s.Items), true }
func (s *ListSequence) Page(offset, limit int) ([]Value, int, error) {
	return pageSlice(s.Items, offset, limit)
}

type listIterator struct {
	items []Value
	pos   int
}

func (it *listIterator) Next() (Value, bool, error) {
	if it.pos >= len(it.items) {
		return Value{}, false, nil
	}
	v := it.items[it.pos]
	it.pos++
	return v, true, nil
}

// RangeSequence is a finite integer range, lifted lazily.
type RangeSequence struct {
	Start, Stop, Step int64
}

func (s *RangeSequence) length() int {
	if s.Step == 0 {
		return 0
	}
	n := (s.Stop - s.Start)
	if (n > 0) != (s.Step > 0) {
		return 0
	}
	steps := n / s.Step
	if n%s.Step != 0 {
		steps++
	}
	if steps < 0 {
		return 0
	}
	return int(steps)
}

func (s *RangeSequence) Iter() Iterator {
	return &rangeIterator{cur: s.Start, stop: s.Stop, step: s.Step}
}
func (s *RangeSequence) TotalSize() (int, bool) { return s.length(), true }
func (s *RangeSequence) Page(offset, limit int) ([]Value, int, error) {
	n := s.length()
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("page: negative offset/limit")
	}
	if offset >= n {
		return nil, offset, nil
	}
	end := offset + limit
	if end > n {
		end = n
	}
	items := make([]Value, 0, end-offset)
	for i := offset; i < end; i++ {
		items = append(items, Int(s.Start+int64(i)*s.Step))
	}
	next := end
	return items, next, nil
}

type rangeIterator struct {
	cur, stop, step int64
	done            bool
}

func (it *rangeIterator) Next() (Value, bool, error) {
	if it.done {
		return Value{}, false, nil
	}
	if it.step > 0 && it.cur >= it.stop {
		it.done = true
		return Value{}, false, nil
	}
	if it.step < 0 && it.cur <= it.stop {
		it.done = true
		return Value{}, false, nil
	}
	v := Int(it.cur)
	it.cur += it.step
	return v, true, nil
}

// MappedSequence lazily applies fn to every element of src on demand.
type MappedSequence struct {
	Src Sequence
	Fn  func(Value) (Value, error)
}

func (s *MappedSequence) Iter() Iterator {
	return &mappedIterator{src: s.Src.Iter(), fn: s.Fn}
}
func (s *MappedSequence) TotalSize() (int, bool) { return s.Src.TotalSize() }
func (s *MappedSequence) Page(offset, limit int) ([]Value, int, error) {
	it := s.Iter()
	// advance to offset
	for i := 0; i < offset; i++ {
		_, ok, err := it.Next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, offset, nil
		}
	}
	var items []Value
	pos := offset
	for len(items) < limit {
		v, ok, err := it.Next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		items = append(items, v)
		pos++
	}
	return items, pos, nil
}

type mappedIterator struct {
	src Iterator
	fn  func(Value) (Value, error)
}

func (it *mappedIterator) Next() (Value, bool, error) {
	v, ok, err := it.src.Next()
	if err != nil || !ok {
		return Value{}, ok, err
	}
	out, err := it.fn(v)
	if err != nil {
		return Value{}, false, err
	}
	return out, true, nil
}

// LazyLineSequence reads lines from a generator function on demand (used
// by "load" over .txt/.csv files).
type LazyLineSequence struct {
	Next_ func() (string, bool, error) // called repeatedly to pull lines
	total int
	known bool
}

// NewLazyLineSequence wraps a pull function; TotalSize always reports the
// size as unknown, matching a streamed file read.
func NewLazyLineSequence(next func() (string, bool, error)) *LazyLineSequence {
	return &LazyLineSequence{Next_: next}
}

func (s *LazyLineSequence) Iter() Iterator { return &lineIterator{pull: s.Next_} }
func (s *LazyLineSequence) TotalSize() (int, bool) { return 0, false }
func (s *LazyLineSequence) Page(offset, limit int) ([]Value, int, error) {
	it := s.Iter()
	for i := 0; i < offset; i++ {
		_, ok, err := it.Next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, offset, nil
		}
	}
	var items []Value
	pos := offset
	for len(items) < limit {
		v, ok, err := it.Next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		items = append(items, v)
		pos++
	}
	return items, pos, nil
}

type lineIterator struct {
	pull func() (string, bool, error)
}

func (it *lineIterator) Next() (Value, bool, error) {
	line, ok, err := it.pull()
	if err != nil || !ok {
		return Value{}, ok, err
	}
	return String(line), true, nil
}

// MaterializeAll forces a Sequence to a concrete slice (used by print,
// save, and ToNative).
func MaterializeAll(s Sequence) ([]Value, error) {
	it := s.Iter()
	var out []Value
	for {
		v, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

func pageSlice(items []Value, offset, limit int) ([]Value, int, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("page: negative offset/limit")
	}
	if offset >= len(items) {
		return nil, offset, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]Value, end-offset)
	copy(out, items[offset:end])
	return out, end, nil
}

// MaxPageSize is the paging quantization ceiling.
const MaxPageSize = 512

// ClampPage floors offset and limit at 0 and caps limit at MaxPageSize.
func ClampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}
