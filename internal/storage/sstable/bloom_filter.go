package sstable

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set of user keys. It is serialized as the
// bit array followed by one byte holding the hash count.
type BloomFilter struct {
	bits      []byte
	size      uint64
	hashCount uint8
}

// Hash returns the filter hash of a user key.
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// NewBloomFilter builds a filter over the given key hashes sized for the false positive rate
func NewBloomFilter(hashes []uint64, falsePositiveRate float64) *BloomFilter {
	n := len(hashes)
	if n == 0 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(n) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size < 64 {
		size = 64
	}
	size = (size + 7) / 8 * 8

	// k = (m/n) * ln(2)
	k := int(float64(size) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	bf := &BloomFilter{
		bits:      make([]byte, size/8),
		size:      size,
		hashCount: uint8(k),
	}
	for _, h := range hashes {
		bf.add(h)
	}
	return bf
}

// Double hashing: h(i) = h1 + i*h2
func (bf *BloomFilter) add(h uint64) {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < uint32(bf.hashCount); i++ {
		pos := uint64(h1+i*h2) % bf.size
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MayContain reports whether the key hash might be in the set
func (bf *BloomFilter) MayContain(h uint64) bool {
	if bf == nil || bf.size == 0 {
		return true
	}
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < uint32(bf.hashCount); i++ {
		pos := uint64(h1+i*h2) % bf.size
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter
func (bf *BloomFilter) Encode() []byte {
	out := make([]byte, len(bf.bits)+1)
	copy(out, bf.bits)
	out[len(bf.bits)] = bf.hashCount
	return out
}

// DecodeBloomFilter parses a serialized filter. An empty buffer yields a
// filter that matches everything.
func DecodeBloomFilter(b []byte) *BloomFilter {
	if len(b) < 2 {
		return nil
	}
	return &BloomFilter{
		bits:      b[:len(b)-1],
		size:      uint64(len(b)-1) * 8,
		hashCount: b[len(b)-1],
	}
}
