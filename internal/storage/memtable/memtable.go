package memtable

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/wal"
)

// MemTable is a skip list mirrored to its own write-ahead log. The WAL is
// retired once the memtable has been flushed to a table.
type MemTable struct {
	sl         *SkipList
	wal        *wal.LogFile
	maxVersion atomic.Uint64
	buf        []byte
}

// New wraps a skip list and its WAL.
func New(log *wal.LogFile) *MemTable {
	return &MemTable{sl: NewSkipList(), wal: log}
}

// ID is the file id of the memtable's WAL.
func (mt *MemTable) ID() uint32 {
	return mt.wal.Fid
}

// WAL returns the memtable's write-ahead log.
func (mt *MemTable) WAL() *wal.LogFile {
	return mt.wal
}

// WriteBatch appends entries to the WAL, optionally syncs it, and only then
// applies them to the skip list. If the append or sync fails the WAL is cut
// back and nothing becomes visible.
func (mt *MemTable) WriteBatch(entries []*model.Entry, sync bool) error {
	mt.buf = mt.buf[:0]
	for _, e := range entries {
		vs := e.ValueStruct()
		mt.buf = wal.AppendRecord(mt.buf, e.Key, vs.Value, vs.Meta, vs.UserMeta, vs.ExpiresAt)
	}

	start, err := mt.wal.Append(mt.buf)
	if err == nil && sync {
		err = mt.wal.Sync()
	}
	if err != nil {
		if terr := mt.wal.Truncate(start); terr != nil {
			return fmt.Errorf("failed to roll back WAL after %v: %w", err, terr)
		}
		return err
	}

	for _, e := range entries {
		if e.Meta&model.BitFinTxn != 0 {
			continue
		}
		mt.put(e.Key, e.ValueStruct())
	}
	return nil
}

func (mt *MemTable) put(key []byte, vs model.ValueStruct) {
	mt.sl.Insert(key, vs)
	version := model.ParseTs(key)
	for {
		cur := mt.maxVersion.Load()
		if version <= cur || mt.maxVersion.CompareAndSwap(cur, version) {
			return
		}
	}
}

// Replay rebuilds the skip list from the WAL. Transactional entries are
// applied only once their commit marker is seen, so a write set torn by a
// crash is dropped whole. A torn tail is truncated.
func (mt *MemTable) Replay() (int, error) {
	var (
		pending []wal.Record
		applied int
	)
	end, err := mt.wal.Iterate(0, func(rec wal.Record, _ model.ValuePointer) error {
		switch {
		case rec.Meta&model.BitFinTxn != 0:
			for _, p := range pending {
				mt.put(p.Key, p.ValueStruct())
				applied++
			}
			pending = pending[:0]
		case rec.Meta&model.BitTxn != 0:
			pending = append(pending, cloneRecord(rec))
		default:
			c := cloneRecord(rec)
			mt.put(c.Key, c.ValueStruct())
			applied++
		}
		return nil
	})
	if err != nil {
		return applied, err
	}
	if end < mt.wal.Size() {
		if err := mt.wal.Truncate(end); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func cloneRecord(rec wal.Record) wal.Record {
	rec.Key = bytes.Clone(rec.Key)
	rec.Value = bytes.Clone(rec.Value)
	return rec
}

// Get returns the newest version of key's user key at or below key's version.
func (mt *MemTable) Get(key []byte) (model.ValueStruct, bool) {
	return mt.sl.Search(key)
}

// NewIterator iterates the memtable in internal key order.
func (mt *MemTable) NewIterator() *Iterator {
	return mt.sl.NewIterator()
}

// MemSize is the approximate size of the contents.
func (mt *MemTable) MemSize() int64 {
	return mt.sl.MemSize()
}

// Len is the number of internal keys.
func (mt *MemTable) Len() int {
	return mt.sl.Len()
}

// Empty reports whether nothing was written.
func (mt *MemTable) Empty() bool {
	return mt.sl.Empty()
}

// MaxVersion is the highest version written.
func (mt *MemTable) MaxVersion() uint64 {
	return mt.maxVersion.Load()
}

// Sync flushes the WAL.
func (mt *MemTable) Sync() error {
	return mt.wal.Sync()
}

// Close closes the WAL, keeping it on disk.
func (mt *MemTable) Close() error {
	return mt.wal.Close()
}

// Retire deletes the WAL after the memtable was persisted as a table.
func (mt *MemTable) Retire() error {
	return mt.wal.Delete()
}
