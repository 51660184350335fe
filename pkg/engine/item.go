package engine

import (
	"github.com/devrev/pairdb/storage-engine/internal/model"
)

// Item is one version of a key returned by Txn.Get or an Iterator. Values
// held in the value log are read lazily and only while the owning
// transaction is open.
type Item struct {
	key     []byte
	version uint64
	vs      model.ValueStruct
	txn     *Txn
}

// Key returns the user key. It is valid only until the iterator moves.
func (i *Item) Key() []byte { return i.key }

// KeyCopy copies the key into dst, growing it as needed.
func (i *Item) KeyCopy(dst []byte) []byte {
	return append(dst[:0], i.key...)
}

// Version returns the commit timestamp of this version.
func (i *Item) Version() uint64 { return i.version }

// UserMeta returns the byte set with Entry.WithMeta.
func (i *Item) UserMeta() byte { return i.vs.UserMeta }

// ExpiresAt returns the expiry as a unix timestamp, or zero.
func (i *Item) ExpiresAt() uint64 { return i.vs.ExpiresAt }

// IsDeletedOrExpired reports whether the version is a tombstone or has
// expired. Only iterators with AllVersions return such items.
func (i *Item) IsDeletedOrExpired() bool {
	return model.IsDeletedOrExpired(i.vs.Meta, i.vs.ExpiresAt)
}

// DiscardEarlierVersions reports whether the version was written with
// Entry.WithDiscard.
func (i *Item) DiscardEarlierVersions() bool {
	return i.vs.Meta&model.BitDiscardEarlierVersions != 0
}

// Value calls fn with the value. The slice is only valid inside fn.
func (i *Item) Value(fn func(val []byte) error) error {
	val, err := i.value()
	if err != nil {
		return err
	}
	return fn(val)
}

// ValueCopy returns a copy of the value, reusing dst when it is large enough.
func (i *Item) ValueCopy(dst []byte) ([]byte, error) {
	val, err := i.value()
	if err != nil {
		return nil, err
	}
	return append(dst[:0], val...), nil
}

// ValueSize returns the size of the value, or of its encoded pointer when it
// lives in the value log.
func (i *Item) ValueSize() int64 {
	return int64(len(i.vs.Value))
}

func (i *Item) value() ([]byte, error) {
	if !i.vs.IsPointer() {
		return i.vs.Value, nil
	}
	if err := i.txn.pinValueLog(); err != nil {
		return nil, err
	}
	return i.txn.db.storage.ReadValue(model.KeyWithTs(i.key, i.version), i.vs)
}
