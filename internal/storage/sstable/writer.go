package sstable

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

// Options controls how tables are written.
type Options struct {
	BlockSize          int
	BloomFalsePositive float64
	Compression        Compression
}

// DefaultOptions returns the default table options.
func DefaultOptions() Options {
	return Options{
		BlockSize:          4 << 10,
		BloomFalsePositive: 0.01,
		Compression:        SnappyCompression,
	}
}

// Writer builds a table file from keys added in increasing internal key order.
// The file is only complete once Finish returns; an aborted or crashed writer
// leaves a file that no manifest references.
type Writer struct {
	path string
	f    *os.File
	w    *bufio.Writer
	opts Options

	offset  uint64
	block   blockBuilder
	scratch []byte
	index   []indexEntry
	hashes  []uint64

	props   Properties
	lastKey []byte
}

// NewWriter creates the table file at path.
func NewWriter(path string, id uint64, opts Options) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultOptions().BlockSize
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create table file: %w", err)
	}
	return &Writer{
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<20),
		opts: opts,
		props: Properties{
			TableID:     id,
			Compression: opts.Compression,
		},
	}, nil
}

// Add appends an entry. Keys must be strictly increasing.
func (w *Writer) Add(key []byte, vs model.ValueStruct) error {
	if w.lastKey != nil && model.CompareKeys(key, w.lastKey) <= 0 {
		return fmt.Errorf("table %d: key %q@%d added out of order", w.props.TableID, model.ParseKey(key), model.ParseTs(key))
	}
	if len(key) > 1<<16-1 {
		return fmt.Errorf("table %d: key of %d bytes is too large", w.props.TableID, len(key))
	}

	userKey := model.ParseKey(key)
	if w.lastKey == nil || !bytes.Equal(userKey, model.ParseKey(w.lastKey)) {
		w.hashes = append(w.hashes, Hash(userKey))
	}

	if !w.block.empty() && w.block.estimatedSize()+len(key)+vs.EncodedSize()+entryHeaderSize > w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if w.block.empty() {
		w.index = append(w.index, indexEntry{firstKey: bytes.Clone(key)})
	}
	w.block.add(key, vs)

	if w.props.Smallest == nil {
		w.props.Smallest = bytes.Clone(key)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	if v := model.ParseTs(key); v > w.props.MaxVersion {
		w.props.MaxVersion = v
	}
	w.props.NumEntries++
	return nil
}

func (w *Writer) flushBlock() error {
	framed := frameBlock(w.opts.Compression, w.block.finish(), w.scratch)
	w.scratch = framed[:0]
	w.index[len(w.index)-1].handle = blockHandle{offset: w.offset, length: uint32(len(framed))}
	if err := w.write(framed); err != nil {
		return err
	}
	w.block.reset()
	w.props.NumBlocks++
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.w.Write(b)
	w.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write table %d: %w", w.props.TableID, err)
	}
	return nil
}

// Empty reports whether no entries were added.
func (w *Writer) Empty() bool {
	return w.props.NumEntries == 0
}

// EstimatedSize is the number of bytes written so far plus the open block.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(w.block.estimatedSize())
}

// Finish writes the index, filter and footer, syncs and closes the file.
func (w *Writer) Finish() (*Properties, int64, error) {
	if w.Empty() {
		w.Abort()
		return nil, 0, fmt.Errorf("table %d: cannot finish an empty table", w.props.TableID)
	}
	if !w.block.empty() {
		if err := w.flushBlock(); err != nil {
			w.Abort()
			return nil, 0, err
		}
	}
	w.props.Largest = bytes.Clone(w.lastKey)
	w.props.CreatedAt = time.Now().Unix()

	var t trailer
	sections := []struct {
		handle *blockHandle
		data   []byte
	}{
		{&t.index, encodeIndex(w.index)},
		{&t.filter, NewBloomFilter(w.hashes, w.opts.BloomFalsePositive).Encode()},
		{&t.props, w.props.encode()},
	}
	for _, s := range sections {
		*s.handle = blockHandle{offset: w.offset, length: uint32(len(s.data))}
		if err := w.write(s.data); err != nil {
			w.Abort()
			return nil, 0, err
		}
	}
	if err := w.write(t.encode()); err != nil {
		w.Abort()
		return nil, 0, err
	}

	if err := w.w.Flush(); err != nil {
		w.Abort()
		return nil, 0, fmt.Errorf("failed to flush table %d: %w", w.props.TableID, err)
	}
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return nil, 0, fmt.Errorf("failed to sync table %d: %w", w.props.TableID, err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.path)
		return nil, 0, fmt.Errorf("failed to close table %d: %w", w.props.TableID, err)
	}
	w.f = nil
	return &w.props, int64(w.offset), nil
}

// Abort discards a partially written table.
func (w *Writer) Abort() {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	os.Remove(w.path)
}
