package iterator

import (
	"container/heap"

	"go.uber.org/multierr"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

// Iterator is a forward cursor over internal keys. Key and Value are only
// valid until the next positioning call.
type Iterator interface {
	SeekToFirst()
	Seek(key []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() model.ValueStruct
	Close() error
}

// MergeIterator merges several iterators into a single ordered stream.
// Sources are given newest first; when two sources hold the identical
// internal key, the newer source wins and the other entry is skipped.
type MergeIterator struct {
	iters []Iterator
	h     mergeHeap
	cur   *mergeEntry
}

type mergeEntry struct {
	iter  Iterator
	index int
}

// mergeHeap implements heap.Interface for k-way merge
type mergeHeap []*mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if cmp := model.CompareKeys(h[i].iter.Key(), h[j].iter.Key()); cmp != 0 {
		return cmp < 0
	}
	return h[i].index < h[j].index
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeEntry))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// NewMergeIterator merges iters, which must be ordered newest first.
func NewMergeIterator(iters []Iterator) *MergeIterator {
	return &MergeIterator{iters: iters}
}

func (m *MergeIterator) rebuild() {
	m.h = m.h[:0]
	for i, it := range m.iters {
		if it.Valid() {
			m.h = append(m.h, &mergeEntry{iter: it, index: i})
		}
	}
	heap.Init(&m.h)
	m.settle()
}

// settle makes the heap top the current entry and drops shadowed duplicates.
func (m *MergeIterator) settle() {
	m.cur = nil
	if m.h.Len() == 0 {
		return
	}
	top := m.h[0]
	for m.h.Len() > 1 {
		// Find any other source positioned on the same internal key.
		dup := -1
		for i := 1; i < m.h.Len(); i++ {
			if model.CompareKeys(m.h[i].iter.Key(), top.iter.Key()) == 0 {
				dup = i
				break
			}
		}
		if dup < 0 {
			break
		}
		e := m.h[dup]
		e.iter.Next()
		if e.iter.Valid() {
			heap.Fix(&m.h, dup)
		} else {
			heap.Remove(&m.h, dup)
		}
	}
	m.cur = m.h[0]
}

func (m *MergeIterator) SeekToFirst() {
	for _, it := range m.iters {
		it.SeekToFirst()
	}
	m.rebuild()
}

func (m *MergeIterator) Seek(key []byte) {
	for _, it := range m.iters {
		it.Seek(key)
	}
	m.rebuild()
}

func (m *MergeIterator) Next() {
	if m.cur == nil {
		return
	}
	m.cur.iter.Next()
	if m.cur.iter.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	m.settle()
}

func (m *MergeIterator) Valid() bool { return m.cur != nil }

func (m *MergeIterator) Key() []byte { return m.cur.iter.Key() }

func (m *MergeIterator) Value() model.ValueStruct { return m.cur.iter.Value() }

// Close closes every source and combines their errors.
func (m *MergeIterator) Close() error {
	var err error
	for _, it := range m.iters {
		err = multierr.Append(err, it.Close())
	}
	m.iters = nil
	m.cur = nil
	return err
}
