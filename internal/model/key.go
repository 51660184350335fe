package model

import (
	"bytes"
	"encoding/binary"
	"math"
)

// TsSize is the length of the version suffix appended to every user key.
const TsSize = 8

// KeyWithTs appends the descending-sortable encoding of ts to key.
// Newer versions of the same user key therefore sort first.
func KeyWithTs(key []byte, ts uint64) []byte {
	out := make([]byte, len(key)+TsSize)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], math.MaxUint64-ts)
	return out
}

// ParseTs returns the version encoded in an internal key.
func ParseTs(key []byte) uint64 {
	if len(key) < TsSize {
		return 0
	}
	return math.MaxUint64 - binary.BigEndian.Uint64(key[len(key)-TsSize:])
}

// ParseKey returns the user key portion of an internal key.
func ParseKey(key []byte) []byte {
	if key == nil {
		return nil
	}
	return key[:len(key)-TsSize]
}

// CompareKeys orders internal keys by user key ascending, then version descending.
func CompareKeys(a, b []byte) int {
	if cmp := bytes.Compare(a[:len(a)-TsSize], b[:len(b)-TsSize]); cmp != 0 {
		return cmp
	}
	return bytes.Compare(a[len(a)-TsSize:], b[len(b)-TsSize:])
}

// SameKey reports whether two internal keys share a user key.
func SameKey(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return bytes.Equal(ParseKey(a), ParseKey(b))
}

// SafeCopy returns a copy of src reusing dst's storage when it fits.
func SafeCopy(dst, src []byte) []byte {
	return append(dst[:0], src...)
}

func bytesCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
