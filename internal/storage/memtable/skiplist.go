package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

const (
	MaxLevel    = 16
	Probability = 0.5

	// nodeOverhead approximates the fixed per-node memory cost.
	nodeOverhead = 64
)

// SkipListNode is a node of the lock-free skip list. Links are published with
// compare-and-swap so readers never observe a half-linked node.
type SkipListNode struct {
	key     []byte
	value   atomic.Pointer[model.ValueStruct]
	forward []atomic.Pointer[SkipListNode]
}

func (n *SkipListNode) next(level int) *SkipListNode {
	return n.forward[level].Load()
}

// SkipList is an ordered map of internal keys to values supporting concurrent
// inserts and reads without locks. Nodes are never removed.
type SkipList struct {
	head   *SkipListNode
	level  atomic.Int32
	length atomic.Int64
	size   atomic.Int64
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	sl := &SkipList{
		head: &SkipListNode{forward: make([]atomic.Pointer[SkipListNode], MaxLevel)},
	}
	sl.level.Store(1)
	return sl
}

// randomLevel generates a random height for a new node
func randomLevel() int {
	level := 1
	for level < MaxLevel && rand.Float64() < Probability {
		level++
	}
	return level
}

// findSplice returns the nodes around key at the given level, starting the
// search at before. If a node with an equal key exists, both results are it.
func (sl *SkipList) findSplice(key []byte, before *SkipListNode, level int) (*SkipListNode, *SkipListNode) {
	for {
		next := before.next(level)
		if next == nil {
			return before, nil
		}
		cmp := model.CompareKeys(key, next.key)
		if cmp == 0 {
			return next, next
		}
		if cmp < 0 {
			return before, next
		}
		before = next
	}
}

// Insert adds key or overwrites the value of an existing identical internal key.
func (sl *SkipList) Insert(key []byte, value model.ValueStruct) {
	listLevel := int(sl.level.Load())
	var prev, next [MaxLevel + 1]*SkipListNode
	prev[listLevel] = sl.head
	for i := listLevel - 1; i >= 0; i-- {
		prev[i], next[i] = sl.findSplice(key, prev[i+1], i)
		if prev[i] == next[i] {
			prev[i].value.Store(&value)
			return
		}
	}

	height := randomLevel()
	x := &SkipListNode{
		key:     key,
		forward: make([]atomic.Pointer[SkipListNode], height),
	}
	x.value.Store(&value)

	for height > listLevel {
		if sl.level.CompareAndSwap(int32(listLevel), int32(height)) {
			break
		}
		listLevel = int(sl.level.Load())
	}

	for i := 0; i < height; i++ {
		for {
			if prev[i] == nil {
				// The list grew past the height seen at search time.
				prev[i], next[i] = sl.findSplice(key, sl.head, i)
			}
			x.forward[i].Store(next[i])
			if prev[i].forward[i].CompareAndSwap(next[i], x) {
				break
			}
			prev[i], next[i] = sl.findSplice(key, prev[i], i)
			if prev[i] == next[i] {
				// A concurrent insert of the same key won at the base level.
				prev[i].value.Store(&value)
				return
			}
		}
	}

	sl.length.Add(1)
	sl.size.Add(int64(len(key)+value.EncodedSize()) + nodeOverhead)
}

// findGreaterOrEqual returns the first node whose key is >= key.
func (sl *SkipList) findGreaterOrEqual(key []byte) *SkipListNode {
	x := sl.head
	for level := int(sl.level.Load()) - 1; level >= 0; level-- {
		for {
			next := x.next(level)
			if next == nil {
				break
			}
			cmp := model.CompareKeys(key, next.key)
			if cmp == 0 {
				return next
			}
			if cmp < 0 {
				break
			}
			x = next
		}
	}
	return x.next(0)
}

// Search returns the newest version of key's user key that is at or below
// key's version.
func (sl *SkipList) Search(key []byte) (model.ValueStruct, bool) {
	n := sl.findGreaterOrEqual(key)
	if n == nil || !model.SameKey(key, n.key) {
		return model.ValueStruct{}, false
	}
	vs := *n.value.Load()
	vs.Version = model.ParseTs(n.key)
	return vs, true
}

// Len returns the number of distinct internal keys
func (sl *SkipList) Len() int {
	return int(sl.length.Load())
}

// MemSize returns the approximate memory used by keys and values
func (sl *SkipList) MemSize() int64 {
	return sl.size.Load()
}

// Empty reports whether nothing was inserted
func (sl *SkipList) Empty() bool {
	return sl.head.next(0) == nil
}

// NewIterator returns a forward iterator over the list
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{list: sl}
}

// Iterator walks the skip list in key order. It sees inserts that land ahead
// of its position.
type Iterator struct {
	list *SkipList
	node *SkipListNode
}

func (it *Iterator) Valid() bool { return it.node != nil }

func (it *Iterator) Key() []byte { return it.node.key }

func (it *Iterator) Value() model.ValueStruct {
	vs := *it.node.value.Load()
	vs.Version = model.ParseTs(it.node.key)
	return vs
}

func (it *Iterator) Next() { it.node = it.node.next(0) }

func (it *Iterator) SeekToFirst() { it.node = it.list.head.next(0) }

func (it *Iterator) Seek(key []byte) { it.node = it.list.findGreaterOrEqual(key) }

func (it *Iterator) Close() error { return nil }
