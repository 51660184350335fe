package engine

import (
	"bytes"
	"sort"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/iterator"
)

// IteratorOptions controls what an Iterator returns.
type IteratorOptions struct {
	// Prefix limits iteration to keys starting with it.
	Prefix []byte
	// Start is where Rewind positions the iterator. End, if set, is an
	// exclusive upper bound.
	Start []byte
	End   []byte
	// AllVersions returns every visible version of each key, newest first,
	// including tombstones and expired versions.
	AllVersions bool
}

// DefaultIteratorOptions returns the newest live version of every key.
var DefaultIteratorOptions = IteratorOptions{}

// Iterator walks the transaction's snapshot in ascending key order. It must
// be closed before the transaction is discarded.
type Iterator struct {
	txn    *Txn
	opts   IteratorOptions
	merge  iterator.Iterator
	unpin  func()
	item   *Item
	last   []byte
	closed bool
}

// NewIterator returns an iterator over the transaction's snapshot merged
// with its pending writes. Call Rewind or Seek before reading.
func (t *Txn) NewIterator(opts IteratorOptions) *Iterator {
	iters := make([]iterator.Iterator, 0, 8)
	if t.update && len(t.pending) > 0 {
		iters = append(iters, newPendingIterator(t.pending, t.readTs))
	}
	iters = append(iters, t.db.storage.NewIterators()...)
	return &Iterator{
		txn:   t,
		opts:  opts,
		merge: iterator.NewMergeIterator(iters),
		unpin: t.db.storage.PinValueLog(),
	}
}

// Rewind positions the iterator at the first key within the options'
// prefix and start bound.
func (it *Iterator) Rewind() {
	if len(it.opts.Prefix) > 0 || len(it.opts.Start) > 0 {
		it.Seek(it.opts.Start)
		return
	}
	it.last = it.last[:0]
	it.merge.SeekToFirst()
	it.settle()
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	if len(it.opts.Prefix) > 0 && bytes.Compare(key, it.opts.Prefix) < 0 {
		key = it.opts.Prefix
	}
	if bytes.Compare(key, it.opts.Start) < 0 {
		key = it.opts.Start
	}
	it.last = it.last[:0]
	it.merge.Seek(model.KeyWithTs(key, it.txn.readTs))
	it.settle()
}

// Valid reports whether the iterator is positioned at an item.
func (it *Iterator) Valid() bool {
	return it.item != nil
}

// ValidForPrefix reports whether the current key starts with prefix.
func (it *Iterator) ValidForPrefix(prefix []byte) bool {
	return it.item != nil && bytes.HasPrefix(it.item.key, prefix)
}

// Item returns the current item. It stays usable after Next, but its value
// is only readable while the transaction is open.
func (it *Iterator) Item() *Item {
	return it.item
}

// Next advances to the next item.
func (it *Iterator) Next() {
	if it.item == nil {
		return
	}
	it.merge.Next()
	it.settle()
}

// settle advances the merged stream until it rests on a returnable version.
func (it *Iterator) settle() {
	it.item = nil
	readTs := it.txn.readTs
	for ; it.merge.Valid(); it.merge.Next() {
		key := it.merge.Key()
		userKey := model.ParseKey(key)
		version := model.ParseTs(key)

		if len(it.opts.Prefix) > 0 && !bytes.HasPrefix(userKey, it.opts.Prefix) {
			return
		}
		if len(it.opts.End) > 0 && bytes.Compare(userKey, it.opts.End) >= 0 {
			return
		}
		if version > readTs || bytes.HasPrefix(userKey, model.ReservedPrefix) {
			continue
		}

		vs := it.merge.Value()
		if !it.opts.AllVersions {
			if len(it.last) > 0 && bytes.Equal(it.last, userKey) {
				continue
			}
			it.last = model.SafeCopy(it.last, userKey)
			// A deleted key is still observed: a later write to it conflicts.
			it.observe(userKey)
			if model.IsDeletedOrExpired(vs.Meta, vs.ExpiresAt) {
				continue
			}
		} else {
			it.observe(userKey)
		}

		vs.Value = model.SafeCopy(nil, vs.Value)
		vs.Version = version
		it.item = &Item{
			key:     model.SafeCopy(nil, userKey),
			version: version,
			vs:      vs,
			txn:     it.txn,
		}
		return
	}
}

// observe records userKey in the read set of an update transaction.
func (it *Iterator) observe(userKey []byte) {
	if it.txn.update {
		it.txn.addRead(userKey)
	}
}

// Close releases the iterator's table and value log references.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.item = nil
	err := it.merge.Close()
	it.unpin()
	return err
}

// pendingIterator exposes a transaction's buffered writes at its read
// timestamp so they shadow committed versions in the merge.
type pendingIterator struct {
	keys    [][]byte
	entries []*model.Entry
	idx     int
}

func newPendingIterator(pending map[string]*model.Entry, readTs uint64) *pendingIterator {
	p := &pendingIterator{
		keys:    make([][]byte, 0, len(pending)),
		entries: make([]*model.Entry, 0, len(pending)),
	}
	for _, e := range pending {
		p.entries = append(p.entries, e)
	}
	sort.Slice(p.entries, func(i, j int) bool {
		return bytes.Compare(p.entries[i].Key, p.entries[j].Key) < 0
	})
	for _, e := range p.entries {
		p.keys = append(p.keys, model.KeyWithTs(e.Key, readTs))
	}
	p.idx = len(p.entries)
	return p
}

func (p *pendingIterator) SeekToFirst() { p.idx = 0 }

func (p *pendingIterator) Seek(key []byte) {
	p.idx = sort.Search(len(p.keys), func(i int) bool {
		return model.CompareKeys(p.keys[i], key) >= 0
	})
}

func (p *pendingIterator) Next()        { p.idx++ }
func (p *pendingIterator) Valid() bool  { return p.idx < len(p.keys) }
func (p *pendingIterator) Key() []byte  { return p.keys[p.idx] }
func (p *pendingIterator) Close() error { return nil }

func (p *pendingIterator) Value() model.ValueStruct {
	vs := p.entries[p.idx].ValueStruct()
	vs.Version = model.ParseTs(p.keys[p.idx])
	return vs
}
