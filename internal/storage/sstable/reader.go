package sstable

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
)

var errChecksum = fmt.Errorf("checksum mismatch")

// BlockCache caches decoded data blocks across tables.
type BlockCache interface {
	Get(key uint64) (interface{}, bool)
	Set(key uint64, value interface{}, size int64)
}

// OpenOptions controls how a table is opened.
type OpenOptions struct {
	// VerifyChecksums reads and verifies every block at open.
	VerifyChecksums bool
	Cache           BlockCache
}

// Table is an open, immutable table file. It is reference counted: the level
// that owns it holds one reference and every iterator holds another. The file
// is closed when the count drops to zero, and removed if it was marked obsolete.
type Table struct {
	ID   uint64
	path string
	f    *os.File
	size int64

	index  []indexEntry
	filter *BloomFilter
	props  *Properties
	cache  BlockCache

	ref      atomic.Int32
	obsolete atomic.Bool
}

// Open opens a table file and loads its index and filter.
func Open(path string, id uint64, opts OpenOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to open table %d", id), err)
	}
	t, err := open(f, path, id, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func open(f *os.File, path string, id uint64, opts OpenOptions) (*Table, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to stat table %d", id), err)
	}
	size := fi.Size()
	if size < trailerSize {
		return nil, corruption(id, "file too small", nil)
	}

	buf := make([]byte, trailerSize)
	if _, err := f.ReadAt(buf, size-trailerSize); err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to read table %d trailer", id), err)
	}
	tr, err := decodeTrailer(buf, size)
	if err != nil {
		return nil, corruption(id, "bad trailer", err)
	}

	section := func(h blockHandle) ([]byte, error) {
		b := make([]byte, h.length)
		if _, err := f.ReadAt(b, int64(h.offset)); err != nil {
			return nil, errors.IOError(fmt.Sprintf("failed to read table %d", id), err)
		}
		return b, nil
	}

	raw, err := section(tr.props)
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(raw)
	if err != nil {
		return nil, corruption(id, "bad properties", err)
	}
	if props.TableID != id {
		return nil, corruption(id, fmt.Sprintf("file holds table %d", props.TableID), nil)
	}

	if raw, err = section(tr.index); err != nil {
		return nil, err
	}
	index, err := decodeIndex(raw)
	if err != nil {
		return nil, corruption(id, "bad index", err)
	}

	if raw, err = section(tr.filter); err != nil {
		return nil, err
	}

	t := &Table{
		ID:     id,
		path:   path,
		f:      f,
		size:   size,
		index:  index,
		filter: DecodeBloomFilter(raw),
		props:  props,
		cache:  opts.Cache,
	}
	t.ref.Store(1)

	if opts.VerifyChecksums {
		if err := t.VerifyChecksums(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func corruption(id uint64, msg string, cause error) *errors.StorageError {
	return errors.CorruptedData(fmt.Sprintf("table %d: %s", id, msg), cause).
		WithDetail("table_id", id)
}

// IncrRef takes a reference on the table.
func (t *Table) IncrRef() {
	t.ref.Add(1)
}

// DecrRef drops a reference, closing the file at zero and deleting it if
// it was marked obsolete.
func (t *Table) DecrRef() error {
	n := t.ref.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		panic(fmt.Sprintf("table %d: negative reference count", t.ID))
	}
	if err := t.f.Close(); err != nil {
		return errors.IOError(fmt.Sprintf("failed to close table %d", t.ID), err)
	}
	if t.obsolete.Load() {
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			return errors.IOError(fmt.Sprintf("failed to delete table %d", t.ID), err)
		}
	}
	return nil
}

// MarkObsolete schedules the file for deletion once the last reference is dropped.
func (t *Table) MarkObsolete() {
	t.obsolete.Store(true)
}

// Refs returns the current reference count.
func (t *Table) Refs() int32 {
	return t.ref.Load()
}

func (t *Table) Smallest() []byte   { return t.props.Smallest }
func (t *Table) Largest() []byte    { return t.props.Largest }
func (t *Table) Size() int64        { return t.size }
func (t *Table) MaxVersion() uint64 { return t.props.MaxVersion }
func (t *Table) NumEntries() uint32 { return t.props.NumEntries }
func (t *Table) Path() string       { return t.path }

// KeyRange returns the table's internal key span.
func (t *Table) KeyRange() model.KeyRange {
	return model.KeyRange{Smallest: t.props.Smallest, Largest: t.props.Largest}
}

// Metadata describes the table for the manifest and the level manager.
func (t *Table) Metadata(level int) *model.TableMetadata {
	return &model.TableMetadata{
		ID:         t.ID,
		Level:      level,
		Size:       t.size,
		KeyRange:   t.KeyRange(),
		MaxVersion: t.props.MaxVersion,
		NumEntries: t.props.NumEntries,
		CreatedAt:  time.Unix(t.props.CreatedAt, 0),
	}
}

// MayContain checks the filter for a user key.
func (t *Table) MayContain(userKey []byte) bool {
	return t.filter.MayContain(Hash(userKey))
}

// ContainsUserKey reports whether userKey falls within the table's range.
func (t *Table) ContainsUserKey(userKey []byte) bool {
	return bytes.Compare(userKey, model.ParseKey(t.props.Smallest)) >= 0 &&
		bytes.Compare(userKey, model.ParseKey(t.props.Largest)) <= 0
}

func (t *Table) cacheKey(i int) uint64 {
	return t.ID<<24 | uint64(i)
}

// block loads, verifies and decodes data block i.
func (t *Table) block(i int) (*block, error) {
	if t.cache != nil {
		if v, ok := t.cache.Get(t.cacheKey(i)); ok {
			return v.(*block), nil
		}
	}

	h := t.index[i].handle
	raw := make([]byte, h.length)
	if _, err := t.f.ReadAt(raw, int64(h.offset)); err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to read block %d of table %d", i, t.ID), err)
	}
	payload, err := unframeBlock(raw)
	if err != nil {
		return nil, corruption(t.ID, fmt.Sprintf("block %d", i), err).WithDetail("block", i)
	}
	b, err := decodeBlock(payload)
	if err != nil {
		return nil, corruption(t.ID, fmt.Sprintf("block %d", i), err).WithDetail("block", i)
	}

	if t.cache != nil {
		t.cache.Set(t.cacheKey(i), b, b.size())
	}
	return b, nil
}

// VerifyChecksums reads every block and validates its checksum.
func (t *Table) VerifyChecksums() error {
	for i := range t.index {
		h := t.index[i].handle
		raw := make([]byte, h.length)
		if _, err := t.f.ReadAt(raw, int64(h.offset)); err != nil {
			return errors.IOError(fmt.Sprintf("failed to read block %d of table %d", i, t.ID), err)
		}
		if _, err := unframeBlock(raw); err != nil {
			return corruption(t.ID, fmt.Sprintf("block %d", i), err).WithDetail("block", i)
		}
	}
	return nil
}

// blockFor returns the index of the block that may hold key.
func (t *Table) blockFor(key []byte) int {
	idx := sort.Search(len(t.index), func(i int) bool {
		return model.CompareKeys(t.index[i].firstKey, key) > 0
	})
	if idx > 0 {
		idx--
	}
	return idx
}

// Get returns the newest version of key's user key at or below key's version.
func (t *Table) Get(key []byte) (model.ValueStruct, bool, error) {
	if !t.MayContain(model.ParseKey(key)) {
		return model.ValueStruct{}, false, nil
	}
	it := t.newIterator()
	it.Seek(key)
	if !it.Valid() {
		return model.ValueStruct{}, false, it.err
	}
	if !model.SameKey(key, it.Key()) {
		return model.ValueStruct{}, false, nil
	}
	vs := it.Value()
	vs.Value = bytes.Clone(vs.Value)
	return vs, true, nil
}
