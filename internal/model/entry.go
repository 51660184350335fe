package model

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Meta bits stored with every entry.
const (
	// BitDelete marks a tombstone.
	BitDelete byte = 1 << 0
	// BitValuePointer marks a value that holds an encoded ValuePointer.
	BitValuePointer byte = 1 << 1
	// BitDiscardEarlierVersions allows compaction to drop older versions of the key.
	BitDiscardEarlierVersions byte = 1 << 2
	// BitTxn marks an entry written as part of a transaction.
	BitTxn byte = 1 << 6
	// BitFinTxn marks the end of a transaction's write set.
	BitFinTxn byte = 1 << 7
)

// ReservedPrefix is the prefix of internal keys; user keys may not start with it.
var ReservedPrefix = []byte("!pairdb!")

// TxnFinKey is written after the entries of every committed transaction.
var TxnFinKey = []byte("!pairdb!txn")

// ValuePointerSize is the encoded size of a ValuePointer.
const ValuePointerSize = 12

// ValuePointer locates a value inside a value log segment.
type ValuePointer struct {
	Fid    uint32
	Len    uint32
	Offset uint32
}

// IsZero reports whether the pointer is unset.
func (p ValuePointer) IsZero() bool {
	return p.Fid == 0 && p.Len == 0 && p.Offset == 0
}

// Less orders pointers by segment then offset.
func (p ValuePointer) Less(o ValuePointer) bool {
	if p.Fid != o.Fid {
		return p.Fid < o.Fid
	}
	if p.Offset != o.Offset {
		return p.Offset < o.Offset
	}
	return p.Len < o.Len
}

// Encode serializes the pointer into 12 bytes.
func (p ValuePointer) Encode() []byte {
	b := make([]byte, ValuePointerSize)
	binary.BigEndian.PutUint32(b[0:4], p.Fid)
	binary.BigEndian.PutUint32(b[4:8], p.Len)
	binary.BigEndian.PutUint32(b[8:12], p.Offset)
	return b
}

// DecodeValuePointer parses an encoded ValuePointer.
func DecodeValuePointer(b []byte) (ValuePointer, error) {
	if len(b) < ValuePointerSize {
		return ValuePointer{}, fmt.Errorf("value pointer too short: %d bytes", len(b))
	}
	return ValuePointer{
		Fid:    binary.BigEndian.Uint32(b[0:4]),
		Len:    binary.BigEndian.Uint32(b[4:8]),
		Offset: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

func (p ValuePointer) String() string {
	return fmt.Sprintf("vptr{fid=%d off=%d len=%d}", p.Fid, p.Offset, p.Len)
}

// ValueStruct is the value stored in memtables and tables. Meta tags the
// variant: with BitValuePointer set, Value holds an encoded ValuePointer,
// otherwise Value is the inline user value.
type ValueStruct struct {
	Meta      byte
	UserMeta  byte
	ExpiresAt uint64
	Value     []byte

	// Version is taken from the internal key and is not encoded.
	Version uint64
}

// IsPointer reports whether the value lives in the value log.
func (v ValueStruct) IsPointer() bool {
	return v.Meta&BitValuePointer != 0
}

// Pointer decodes the value pointer. Callers must check IsPointer first.
func (v ValueStruct) Pointer() (ValuePointer, error) {
	return DecodeValuePointer(v.Value)
}

// EncodedSize returns the number of bytes Encode produces.
func (v ValueStruct) EncodedSize() int {
	return 2 + uvarintLen(v.ExpiresAt) + len(v.Value)
}

// Encode appends the encoded value to dst.
func (v ValueStruct) Encode(dst []byte) []byte {
	dst = append(dst, v.Meta, v.UserMeta)
	dst = binary.AppendUvarint(dst, v.ExpiresAt)
	return append(dst, v.Value...)
}

// DecodeValueStruct parses an encoded value. The returned Value aliases b.
func DecodeValueStruct(b []byte) (ValueStruct, error) {
	if len(b) < 3 {
		return ValueStruct{}, fmt.Errorf("value struct too short: %d bytes", len(b))
	}
	expiresAt, n := binary.Uvarint(b[2:])
	if n <= 0 {
		return ValueStruct{}, fmt.Errorf("malformed value struct expiry")
	}
	return ValueStruct{
		Meta:      b[0],
		UserMeta:  b[1],
		ExpiresAt: expiresAt,
		Value:     b[2+n:],
	}, nil
}

// IsDeletedOrExpired reports whether an entry with this meta and expiry reads as absent.
func IsDeletedOrExpired(meta byte, expiresAt uint64) bool {
	if meta&BitDelete != 0 {
		return true
	}
	if expiresAt == 0 {
		return false
	}
	return expiresAt <= uint64(time.Now().Unix())
}

// Entry is a single mutation flowing through the write path. Key is an
// internal key once the entry has been assigned a commit timestamp.
type Entry struct {
	Key       []byte
	Value     []byte
	ExpiresAt uint64
	Meta      byte
	UserMeta  byte

	// Version is the commit timestamp, set at commit.
	Version uint64

	// Filled in by the value log when Value is moved out of line.
	vptr ValuePointer
}

// NewEntry creates an entry for a user key and value.
func NewEntry(key, value []byte) *Entry {
	return &Entry{Key: key, Value: value}
}

// WithTTL sets the entry to expire after d.
func (e *Entry) WithTTL(d time.Duration) *Entry {
	e.ExpiresAt = uint64(time.Now().Add(d).Unix())
	return e
}

// WithMeta sets the user meta byte.
func (e *Entry) WithMeta(meta byte) *Entry {
	e.UserMeta = meta
	return e
}

// WithDiscard marks older versions of the key as discardable by compaction.
func (e *Entry) WithDiscard() *Entry {
	e.Meta |= BitDiscardEarlierVersions
	return e
}

// EstimateSize approximates the memtable footprint of the entry given the
// value threshold that decides inline versus pointer storage.
func (e *Entry) EstimateSize(valueThreshold int64) int64 {
	k := int64(len(e.Key) + TsSize)
	if int64(len(e.Value)) < valueThreshold {
		return k + int64(len(e.Value)) + 2
	}
	return k + ValuePointerSize + 2
}

// SetPointer records where the value log stored the value.
func (e *Entry) SetPointer(p ValuePointer) {
	e.vptr = p
}

// ValuePointer returns the pointer set by the value log, if any.
func (e *Entry) ValuePointer() ValuePointer {
	return e.vptr
}

// ValueStruct converts the entry into its memtable representation.
func (e *Entry) ValueStruct() ValueStruct {
	if !e.vptr.IsZero() {
		return ValueStruct{
			Meta:      e.Meta | BitValuePointer,
			UserMeta:  e.UserMeta,
			ExpiresAt: e.ExpiresAt,
			Value:     e.vptr.Encode(),
			Version:   e.Version,
		}
	}
	return ValueStruct{
		Meta:      e.Meta &^ BitValuePointer,
		UserMeta:  e.UserMeta,
		ExpiresAt: e.ExpiresAt,
		Value:     e.Value,
		Version:   e.Version,
	}
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
