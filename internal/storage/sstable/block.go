package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/util"
)

// Data block payload:
//
//	entry*  offsets[u32]*  count(u32)
//	entry = overlap(u16) diffLen(u16) valueLen(u32) diffKey value
//
// Keys are prefix-diffed against the block's first key. On disk the payload
// is compressed and followed by the compression byte and a CRC32C of both.

const (
	entryHeaderSize = 8
	blockTrailerLen = 1 + util.ChecksumSize
)

type blockBuilder struct {
	buf     []byte
	baseKey []byte
	offsets []uint32
}

func (b *blockBuilder) empty() bool {
	return len(b.offsets) == 0
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.baseKey = b.baseKey[:0]
	b.offsets = b.offsets[:0]
}

// estimatedSize is the payload size if the block were finished now.
func (b *blockBuilder) estimatedSize() int {
	return len(b.buf) + 4*len(b.offsets) + 4
}

func (b *blockBuilder) add(key []byte, vs model.ValueStruct) {
	overlap := 0
	if b.empty() {
		// The first entry carries the full key and becomes the base.
		b.baseKey = append(b.baseKey[:0], key...)
	} else {
		for overlap < len(key) && overlap < len(b.baseKey) && key[overlap] == b.baseKey[overlap] {
			overlap++
		}
	}
	diff := key[overlap:]

	b.offsets = append(b.offsets, uint32(len(b.buf)))
	var hdr [entryHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(overlap))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(diff)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(vs.EncodedSize()))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, diff...)
	b.buf = vs.Encode(b.buf)
}

// finish returns the uncompressed payload.
func (b *blockBuilder) finish() []byte {
	for _, off := range b.offsets {
		b.buf = binary.BigEndian.AppendUint32(b.buf, off)
	}
	return binary.BigEndian.AppendUint32(b.buf, uint32(len(b.offsets)))
}

// frameBlock compresses a payload and appends the trailer.
func frameBlock(c Compression, payload, scratch []byte) []byte {
	out := compress(c, scratch, payload)
	if c != NoCompression && len(out) >= len(payload) {
		c = NoCompression
		out = append(out[:0], payload...)
	}
	out = append(out, byte(c))
	return util.AppendChecksum(out, out)
}

// unframeBlock verifies and decompresses an on-disk block.
func unframeBlock(raw []byte) ([]byte, error) {
	if len(raw) < blockTrailerLen {
		return nil, fmt.Errorf("block too short: %d bytes", len(raw))
	}
	body, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, errChecksum
	}
	c := Compression(body[len(body)-1])
	return decompress(c, body[:len(body)-1])
}

type block struct {
	data    []byte
	offsets []uint32
	baseKey []byte
}

func decodeBlock(payload []byte) (*block, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("block payload too short")
	}
	count := int(binary.BigEndian.Uint32(payload[len(payload)-4:]))
	offStart := len(payload) - 4 - 4*count
	if count == 0 || offStart < 0 {
		return nil, fmt.Errorf("bad block entry count %d", count)
	}
	b := &block{
		data:    payload[:offStart],
		offsets: make([]uint32, count),
	}
	for i := range b.offsets {
		b.offsets[i] = binary.BigEndian.Uint32(payload[offStart+4*i:])
		if int(b.offsets[i]) >= offStart {
			return nil, fmt.Errorf("block entry offset %d out of range", b.offsets[i])
		}
	}
	// The first entry carries the full key.
	overlap, base, _, err := b.entryAt(0)
	if err != nil {
		return nil, err
	}
	if overlap != 0 || len(base) < model.TsSize {
		return nil, fmt.Errorf("bad block base key")
	}
	b.baseKey = base
	return b, nil
}

func (b *block) size() int64 {
	return int64(len(b.data) + 4*len(b.offsets) + len(b.baseKey))
}

// entryAt returns the overlap, diff key and encoded value of entry i.
func (b *block) entryAt(i int) (int, []byte, []byte, error) {
	off := int(b.offsets[i])
	if off+entryHeaderSize > len(b.data) {
		return 0, nil, nil, fmt.Errorf("block entry %d header out of range", i)
	}
	overlap := int(binary.BigEndian.Uint16(b.data[off:]))
	diffLen := int(binary.BigEndian.Uint16(b.data[off+2:]))
	valLen := int(binary.BigEndian.Uint32(b.data[off+4:]))
	start := off + entryHeaderSize
	if start+diffLen+valLen > len(b.data) {
		return 0, nil, nil, fmt.Errorf("block entry %d out of range", i)
	}
	return overlap, b.data[start : start+diffLen], b.data[start+diffLen : start+diffLen+valLen], nil
}

// keyAt reconstructs the full key of entry i into dst.
func (b *block) keyAt(dst []byte, i int) ([]byte, []byte, error) {
	overlap, diff, val, err := b.entryAt(i)
	if err != nil {
		return dst, nil, err
	}
	if overlap > len(b.baseKey) {
		return dst, nil, fmt.Errorf("block entry %d overlap %d exceeds base key", i, overlap)
	}
	if overlap+len(diff) < model.TsSize {
		return dst, nil, fmt.Errorf("block entry %d key too short", i)
	}
	dst = append(dst[:0], b.baseKey[:overlap]...)
	return append(dst, diff...), val, nil
}

// search returns the index of the first entry with key >= target.
func (b *block) search(target []byte) (int, error) {
	var (
		scratch []byte
		err     error
	)
	idx := sort.Search(len(b.offsets), func(i int) bool {
		if err != nil {
			return true
		}
		k, _, kerr := b.keyAt(scratch, i)
		if kerr != nil {
			err = kerr
			return true
		}
		scratch = k
		return model.CompareKeys(k, target) >= 0
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}
