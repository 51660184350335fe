package txn

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// uint64Heap is a min-heap of indices.
type uint64Heap []uint64

func (h uint64Heap) Len() int            { return len(h) }
func (h uint64Heap) Less(i, j int) bool  { return h[i] < h[j] }
func (h uint64Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *uint64Heap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *uint64Heap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// WaterMark tracks a set of outstanding indices. DoneUntil is the largest
// index such that every index at or below it that was begun has also been
// marked done. The same index may be begun more than once.
type WaterMark struct {
	Name string

	mu        sync.Mutex
	doneUntil atomic.Uint64
	pending   map[uint64]int
	indices   uint64Heap
	waiters   map[uint64][]chan struct{}
}

// NewWaterMark creates a watermark whose DoneUntil starts at doneUntil.
func NewWaterMark(name string, doneUntil uint64) *WaterMark {
	w := &WaterMark{
		Name:    name,
		pending: make(map[uint64]int),
		waiters: make(map[uint64][]chan struct{}),
	}
	w.doneUntil.Store(doneUntil)
	return w
}

// Begin marks index as outstanding.
func (w *WaterMark) Begin(index uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[index] == 0 {
		heap.Push(&w.indices, index)
	}
	w.pending[index]++
}

// Done marks one outstanding occurrence of index as finished.
func (w *WaterMark) Done(index uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[index] == 0 {
		return
	}
	w.pending[index]--
	w.advance()
}

// advance pops finished indices off the heap and wakes waiters. Callers hold mu.
func (w *WaterMark) advance() {
	doneUntil := w.doneUntil.Load()
	for len(w.indices) > 0 {
		min := w.indices[0]
		if w.pending[min] > 0 {
			break
		}
		heap.Pop(&w.indices)
		delete(w.pending, min)
		if min > doneUntil {
			doneUntil = min
		}
	}
	if doneUntil == w.doneUntil.Load() {
		return
	}
	w.doneUntil.Store(doneUntil)
	for idx, chans := range w.waiters {
		if idx <= doneUntil {
			for _, ch := range chans {
				close(ch)
			}
			delete(w.waiters, idx)
		}
	}
}

// DoneUntil returns the current done-until index.
func (w *WaterMark) DoneUntil() uint64 {
	return w.doneUntil.Load()
}

// MinPending returns the smallest outstanding index.
func (w *WaterMark) MinPending() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.indices) == 0 {
		return 0, false
	}
	return w.indices[0], true
}

// WaitForMark blocks until DoneUntil reaches index or ctx is done.
func (w *WaterMark) WaitForMark(ctx context.Context, index uint64) error {
	if w.DoneUntil() >= index {
		return nil
	}
	w.mu.Lock()
	if w.DoneUntil() >= index {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters[index] = append(w.waiters[index], ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
