package wal

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/util"
)

// Record layout:
//
//	[key len uvarint][value len uvarint][meta][user meta][expires at uvarint][key][value][crc32c]
//
// The checksum covers every byte before it.

const (
	// Sanity bounds used to tell garbage from a real header.
	maxRecordKeyLen   = 1 << 16
	maxRecordValueLen = 1 << 31
)

var (
	// ErrTruncated means the log ended in the middle of a record.
	ErrTruncated = errors.New("wal: truncated record")
	// ErrChecksum means a complete record failed checksum validation.
	ErrChecksum = errors.New("wal: record checksum mismatch")
)

// Record is a decoded log record. Key is an internal key.
type Record struct {
	Key       []byte
	Value     []byte
	Meta      byte
	UserMeta  byte
	ExpiresAt uint64
}

// ValueStruct converts the record to its memtable value.
func (r *Record) ValueStruct() model.ValueStruct {
	return model.ValueStruct{
		Meta:      r.Meta,
		UserMeta:  r.UserMeta,
		ExpiresAt: r.ExpiresAt,
		Value:     r.Value,
		Version:   model.ParseTs(r.Key),
	}
}

// EncodedRecordSize returns the encoded size of a record.
func EncodedRecordSize(keyLen, valueLen int, expiresAt uint64) int {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(keyLen))
	n += binary.PutUvarint(tmp[:], uint64(valueLen))
	n += binary.PutUvarint(tmp[:], expiresAt)
	return n + 2 + keyLen + valueLen + util.ChecksumSize
}

// AppendRecord appends the encoding of a record to dst.
func AppendRecord(dst []byte, key, value []byte, meta, userMeta byte, expiresAt uint64) []byte {
	start := len(dst)
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	dst = append(dst, meta, userMeta)
	dst = binary.AppendUvarint(dst, expiresAt)
	dst = append(dst, key...)
	dst = append(dst, value...)
	return binary.BigEndian.AppendUint32(dst, util.ComputeChecksum(dst[start:]))
}

// DecodeRecord decodes the record at the start of buf and returns its encoded
// length. The returned slices alias buf.
func DecodeRecord(buf []byte) (Record, int, error) {
	var rec Record
	pos := 0
	keyLen, n := binary.Uvarint(buf)
	if n <= 0 {
		return rec, 0, ErrTruncated
	}
	pos += n
	valLen, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return rec, 0, ErrTruncated
	}
	pos += n
	if keyLen == 0 || keyLen > maxRecordKeyLen || valLen > maxRecordValueLen {
		return rec, 0, ErrTruncated
	}
	if len(buf) < pos+2 {
		return rec, 0, ErrTruncated
	}
	rec.Meta, rec.UserMeta = buf[pos], buf[pos+1]
	pos += 2
	expiresAt, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return rec, 0, ErrTruncated
	}
	rec.ExpiresAt = expiresAt
	pos += n

	end := pos + int(keyLen) + int(valLen)
	if len(buf) < end+util.ChecksumSize {
		return rec, 0, ErrTruncated
	}
	if binary.BigEndian.Uint32(buf[end:]) != util.ComputeChecksum(buf[:end]) {
		return rec, 0, ErrChecksum
	}
	rec.Key = buf[pos : pos+int(keyLen)]
	rec.Value = buf[pos+int(keyLen) : end]
	return rec, end + util.ChecksumSize, nil
}

// RecordReader decodes records sequentially from a stream.
type RecordReader struct {
	r      *bufio.Reader
	offset uint32
	buf    []byte
}

// NewRecordReader reads records starting at the given logical offset.
func NewRecordReader(r io.Reader, offset uint32) *RecordReader {
	return &RecordReader{r: bufio.NewReaderSize(r, 1<<20), offset: offset}
}

// Offset returns the offset of the next record.
func (rr *RecordReader) Offset() uint32 {
	return rr.offset
}

// Next returns the next record and its offset. io.EOF signals a clean end.
// The record is only valid until the next call.
func (rr *RecordReader) Next() (Record, uint32, error) {
	start := rr.offset
	rr.buf = rr.buf[:0]

	keyLen, err := rr.readUvarint()
	if err == io.EOF {
		return Record{}, start, io.EOF
	}
	if err != nil {
		return Record{}, start, ErrTruncated
	}
	valLen, err := rr.readUvarint()
	if err != nil {
		return Record{}, start, ErrTruncated
	}
	if keyLen == 0 || keyLen > maxRecordKeyLen || valLen > maxRecordValueLen {
		// Zero-filled or garbage tail left by a crash.
		return Record{}, start, ErrTruncated
	}
	for i := 0; i < 2; i++ {
		b, err := rr.r.ReadByte()
		if err != nil {
			return Record{}, start, ErrTruncated
		}
		rr.buf = append(rr.buf, b)
	}
	if _, err := rr.readUvarint(); err != nil {
		return Record{}, start, ErrTruncated
	}

	headerLen := len(rr.buf)
	total := headerLen + int(keyLen) + int(valLen) + util.ChecksumSize
	if cap(rr.buf) < total {
		grown := make([]byte, headerLen, total)
		copy(grown, rr.buf)
		rr.buf = grown
	}
	rr.buf = rr.buf[:total]
	if _, err := io.ReadFull(rr.r, rr.buf[headerLen:]); err != nil {
		return Record{}, start, ErrTruncated
	}

	rec, n, err := DecodeRecord(rr.buf)
	if err != nil {
		return Record{}, start, err
	}
	rr.offset += uint32(n)
	return rec, start, nil
}

func (rr *RecordReader) readUvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := rr.r.ReadByte()
		if err != nil {
			if i == 0 && err == io.EOF {
				return 0, io.EOF
			}
			return 0, io.ErrUnexpectedEOF
		}
		rr.buf = append(rr.buf, b)
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, ErrTruncated
}
