package sstable

import (
	"github.com/devrev/pairdb/storage-engine/internal/model"
)

// Iterator walks a table in internal key order. It holds a reference on the
// table until Close.
type Iterator struct {
	t   *Table
	bi  int
	blk *block
	pos int

	key []byte
	val []byte
	err error

	owned bool
}

// NewIterator returns an iterator that keeps the table open until closed.
func (t *Table) NewIterator() *Iterator {
	t.IncrRef()
	it := t.newIterator()
	it.owned = true
	return it
}

func (t *Table) newIterator() *Iterator {
	return &Iterator{t: t, bi: -1}
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.blk != nil && it.pos < len(it.blk.offsets)
}

func (it *Iterator) Key() []byte { return it.key }

// Value decodes the current value. Its bytes alias the block and must be
// copied if retained.
func (it *Iterator) Value() model.ValueStruct {
	vs, err := model.DecodeValueStruct(it.val)
	if err != nil {
		it.err = corruption(it.t.ID, "malformed value", err)
		return model.ValueStruct{}
	}
	vs.Version = model.ParseTs(it.key)
	return vs
}

// Error returns the first error the iterator hit.
func (it *Iterator) Error() error { return it.err }

func (it *Iterator) loadBlock(i int) bool {
	if i < 0 || i >= len(it.t.index) {
		it.blk = nil
		return false
	}
	b, err := it.t.block(i)
	if err != nil {
		it.err = err
		it.blk = nil
		return false
	}
	it.bi, it.blk, it.pos = i, b, 0
	return true
}

func (it *Iterator) readEntry() {
	if it.blk == nil || it.pos >= len(it.blk.offsets) {
		return
	}
	key, val, err := it.blk.keyAt(it.key, it.pos)
	if err != nil {
		it.err = corruption(it.t.ID, "malformed entry", err)
		return
	}
	it.key, it.val = key, val
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	if it.loadBlock(0) {
		it.readEntry()
	}
}

// Seek positions at the first entry with key >= key.
func (it *Iterator) Seek(key []byte) {
	if !it.loadBlock(it.t.blockFor(key)) {
		return
	}
	idx, err := it.blk.search(key)
	if err != nil {
		it.err = corruption(it.t.ID, "malformed entry", err)
		return
	}
	it.pos = idx
	if it.pos >= len(it.blk.offsets) {
		if !it.loadBlock(it.bi + 1) {
			return
		}
	}
	it.readEntry()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	it.pos++
	if it.pos >= len(it.blk.offsets) {
		if !it.loadBlock(it.bi + 1) {
			return
		}
	}
	it.readEntry()
}

// Close releases the iterator's table reference.
func (it *Iterator) Close() error {
	err := it.err
	if it.owned {
		it.owned = false
		if derr := it.t.DecrRef(); err == nil {
			err = derr
		}
	}
	return err
}
