package iterator

import (
	"sort"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

// KV is an entry of a SliceIterator.
type KV struct {
	Key   []byte
	Value model.ValueStruct
}

// SliceIterator iterates a slice of entries sorted by internal key. It backs
// a transaction's pending writes during scans.
type SliceIterator struct {
	kvs []KV
	pos int
}

// NewSliceIterator sorts kvs in place and iterates them.
func NewSliceIterator(kvs []KV) *SliceIterator {
	sort.Slice(kvs, func(i, j int) bool { return model.CompareKeys(kvs[i].Key, kvs[j].Key) < 0 })
	return &SliceIterator{kvs: kvs, pos: len(kvs)}
}

func (s *SliceIterator) SeekToFirst() { s.pos = 0 }

func (s *SliceIterator) Seek(key []byte) {
	s.pos = sort.Search(len(s.kvs), func(i int) bool { return model.CompareKeys(s.kvs[i].Key, key) >= 0 })
}

func (s *SliceIterator) Next()                    { s.pos++ }
func (s *SliceIterator) Valid() bool              { return s.pos < len(s.kvs) }
func (s *SliceIterator) Key() []byte              { return s.kvs[s.pos].Key }
func (s *SliceIterator) Value() model.ValueStruct { return s.kvs[s.pos].Value }
func (s *SliceIterator) Close() error             { return nil }
