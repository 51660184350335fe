package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/storage-engine/internal/util"
)

// Table layout:
//
//	[data block]* [index block] [filter block] [properties] [trailer]
//
// The index, filter and properties sections are each followed by a CRC32C.
// The fixed trailer locates them and ends with the format version and magic.

const (
	tableMagic         uint64 = 0x7061697264627374 // "pairdbst"
	tableFormatVersion uint32 = 1
	trailerSize               = 48
)

type blockHandle struct {
	offset uint64
	length uint32
}

type trailer struct {
	props  blockHandle
	index  blockHandle
	filter blockHandle
}

func (t trailer) encode() []byte {
	b := make([]byte, 0, trailerSize)
	b = binary.BigEndian.AppendUint64(b, t.props.offset)
	b = binary.BigEndian.AppendUint32(b, t.props.length)
	b = binary.BigEndian.AppendUint64(b, t.index.offset)
	b = binary.BigEndian.AppendUint32(b, t.index.length)
	b = binary.BigEndian.AppendUint64(b, t.filter.offset)
	b = binary.BigEndian.AppendUint32(b, t.filter.length)
	b = binary.BigEndian.AppendUint32(b, tableFormatVersion)
	return binary.BigEndian.AppendUint64(b, tableMagic)
}

func decodeTrailer(b []byte, fileSize int64) (trailer, error) {
	var t trailer
	if len(b) != trailerSize {
		return t, fmt.Errorf("bad trailer length %d", len(b))
	}
	if magic := binary.BigEndian.Uint64(b[40:]); magic != tableMagic {
		return t, fmt.Errorf("bad table magic %#x", magic)
	}
	if v := binary.BigEndian.Uint32(b[36:]); v != tableFormatVersion {
		return t, fmt.Errorf("unsupported table format version %d", v)
	}
	t.props = blockHandle{binary.BigEndian.Uint64(b[0:]), binary.BigEndian.Uint32(b[8:])}
	t.index = blockHandle{binary.BigEndian.Uint64(b[12:]), binary.BigEndian.Uint32(b[20:])}
	t.filter = blockHandle{binary.BigEndian.Uint64(b[24:]), binary.BigEndian.Uint32(b[32:])}
	for _, h := range []blockHandle{t.props, t.index, t.filter} {
		if int64(h.offset)+int64(h.length) > fileSize-trailerSize {
			return t, fmt.Errorf("section [%d, +%d) beyond end of table", h.offset, h.length)
		}
	}
	return t, nil
}

// Properties describe a finished table and are stored in its footer.
type Properties struct {
	TableID     uint64
	Smallest    []byte
	Largest     []byte
	MaxVersion  uint64
	NumEntries  uint32
	NumBlocks   uint32
	Compression Compression
	CreatedAt   int64
}

func (p *Properties) encode() []byte {
	var b []byte
	b = binary.AppendUvarint(b, p.TableID)
	b = binary.AppendUvarint(b, uint64(len(p.Smallest)))
	b = append(b, p.Smallest...)
	b = binary.AppendUvarint(b, uint64(len(p.Largest)))
	b = append(b, p.Largest...)
	b = binary.AppendUvarint(b, p.MaxVersion)
	b = binary.AppendUvarint(b, uint64(p.NumEntries))
	b = binary.AppendUvarint(b, uint64(p.NumBlocks))
	b = append(b, byte(p.Compression))
	b = binary.AppendVarint(b, p.CreatedAt)
	return util.AppendChecksum(b, b)
}

func decodeProperties(raw []byte) (*Properties, error) {
	b, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, errChecksum
	}
	d := decoder{buf: b}
	p := &Properties{
		TableID:  d.uvarint(),
		Smallest: d.bytes(),
		Largest:  d.bytes(),
	}
	p.MaxVersion = d.uvarint()
	p.NumEntries = uint32(d.uvarint())
	p.NumBlocks = uint32(d.uvarint())
	p.Compression = Compression(d.readByte())
	p.CreatedAt = d.varint()
	if d.err != nil {
		return nil, fmt.Errorf("malformed properties: %w", d.err)
	}
	return p, nil
}

type indexEntry struct {
	firstKey []byte
	handle   blockHandle
}

func encodeIndex(entries []indexEntry) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(len(e.firstKey)))
		b = append(b, e.firstKey...)
		b = binary.AppendUvarint(b, e.handle.offset)
		b = binary.AppendUvarint(b, uint64(e.handle.length))
	}
	return util.AppendChecksum(b, b)
}

func decodeIndex(raw []byte) ([]indexEntry, error) {
	b, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, errChecksum
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("index too short")
	}
	n := binary.BigEndian.Uint32(b)
	d := decoder{buf: b[4:]}
	entries := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e := indexEntry{firstKey: d.bytes()}
		e.handle.offset = d.uvarint()
		e.handle.length = uint32(d.uvarint())
		entries = append(entries, e)
	}
	if d.err != nil {
		return nil, fmt.Errorf("malformed index: %w", d.err)
	}
	return entries, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("bad uvarint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("bad varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) == 0 {
		d.err = fmt.Errorf("unexpected end of buffer")
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = fmt.Errorf("byte field of %d exceeds buffer", n)
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}
