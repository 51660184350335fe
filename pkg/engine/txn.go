package engine

import (
	"bytes"
	"sort"
	"sync"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/txn"
)

// Txn is a snapshot-isolated transaction. Reads see the state committed
// before the transaction started plus its own pending writes. A Txn must not
// be used from several goroutines while it has pending writes.
type Txn struct {
	db     *Engine
	readTs uint64
	update bool

	mu        sync.Mutex
	reads     []uint64
	unpin     func()
	discarded bool

	pending map[string]*model.Entry
	count   int64
	size    int64
}

func newTxn(db *Engine, update bool) *Txn {
	t := &Txn{
		db:     db,
		update: update,
		readTs: db.oracle.ReadTs(),
	}
	if update {
		t.pending = make(map[string]*model.Entry)
	}
	return t
}

// ReadTs returns the snapshot timestamp of the transaction.
func (t *Txn) ReadTs() uint64 { return t.readTs }

// Get returns the newest version of key visible to the transaction. Deleted
// and expired keys return ErrKeyNotFound.
func (t *Txn) Get(key []byte) (*Item, error) {
	if err := t.db.validator.ValidateKey(key); err != nil {
		return nil, err
	}
	if t.isDiscarded() {
		return nil, ErrDiscardedTxn
	}
	if t.db.closed.Load() {
		return nil, ErrClosed
	}

	if t.update {
		if e, ok := t.pending[string(key)]; ok {
			if model.IsDeletedOrExpired(e.Meta, e.ExpiresAt) {
				return nil, errors.KeyNotFound(key)
			}
			vs := e.ValueStruct()
			vs.Version = t.readTs
			return &Item{key: e.Key, version: t.readTs, vs: vs, txn: t}, nil
		}
		t.addRead(key)
	}

	// Pin before the lookup so a pointer found below stays readable.
	if err := t.pinValueLog(); err != nil {
		return nil, err
	}
	vs, ok, err := t.db.storage.Get(model.KeyWithTs(key, t.readTs))
	if err != nil {
		return nil, err
	}
	if !ok || model.IsDeletedOrExpired(vs.Meta, vs.ExpiresAt) {
		return nil, errors.KeyNotFound(key)
	}
	return &Item{key: model.SafeCopy(nil, key), version: vs.Version, vs: vs, txn: t}, nil
}

// Set buffers a write of value under key.
func (t *Txn) Set(key, value []byte) error {
	return t.SetEntry(model.NewEntry(key, value))
}

// SetEntry buffers e. Entries built with WithTTL, WithMeta and WithDiscard
// keep those attributes.
func (t *Txn) SetEntry(e *model.Entry) error {
	return t.modify(e)
}

// Delete buffers a tombstone for key.
func (t *Txn) Delete(key []byte) error {
	return t.modify(&model.Entry{Key: key, Meta: model.BitDelete})
}

func (t *Txn) modify(e *model.Entry) error {
	switch {
	case !t.update:
		return ErrReadOnlyTxn
	case t.isDiscarded():
		return ErrDiscardedTxn
	}
	if err := t.db.validator.ValidateEntry(e); err != nil {
		return err
	}

	e.Key = model.SafeCopy(nil, e.Key)
	count := t.count + 1
	size := t.size + e.EstimateSize(t.db.opts.ValueThreshold)
	if old, ok := t.pending[string(e.Key)]; ok {
		count--
		size -= old.EstimateSize(t.db.opts.ValueThreshold)
	}
	if count >= t.db.opts.maxBatchCount() || size >= t.db.opts.maxBatchSize() {
		return errors.TxnTooBig(count, size)
	}
	t.count, t.size = count, size
	t.pending[string(e.Key)] = e
	return nil
}

func (t *Txn) addRead(key []byte) {
	if !t.db.opts.DetectConflicts {
		return
	}
	fp := txn.Fingerprint(key)
	t.mu.Lock()
	t.reads = append(t.reads, fp)
	t.mu.Unlock()
}

func (t *Txn) pinValueLog() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discarded {
		return ErrDiscardedTxn
	}
	if t.unpin == nil {
		t.unpin = t.db.storage.PinValueLog()
	}
	return nil
}

func (t *Txn) isDiscarded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discarded
}

// Commit applies the pending writes atomically at a new commit timestamp.
// It returns ErrConflict when a key the transaction read was committed by
// another transaction after this one started. The transaction is discarded
// either way.
func (t *Txn) Commit() error {
	_, err := t.CommitTs()
	return err
}

// CommitTs is like Commit but also returns the commit timestamp. Read-only
// and empty transactions return zero.
func (t *Txn) CommitTs() (uint64, error) {
	if t.isDiscarded() {
		return 0, ErrDiscardedTxn
	}
	defer t.Discard()
	if len(t.pending) == 0 {
		return 0, nil
	}
	if t.db.closed.Load() {
		return 0, ErrClosed
	}
	entries := make([]*model.Entry, 0, len(t.pending))
	for _, e := range t.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	t.mu.Lock()
	reads := t.reads
	t.mu.Unlock()
	return t.db.storage.Commit(t.readTs, reads, entries)
}

// Discard releases the snapshot. It is safe to call more than once and
// after Commit.
func (t *Txn) Discard() {
	t.mu.Lock()
	if t.discarded {
		t.mu.Unlock()
		return
	}
	t.discarded = true
	unpin := t.unpin
	t.unpin = nil
	t.mu.Unlock()

	if unpin != nil {
		unpin()
	}
	t.db.oracle.DoneRead(t.readTs)
}
