package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

// FileKind distinguishes write-ahead logs from value log segments.
type FileKind uint16

const (
	KindWAL      FileKind = 1
	KindValueLog FileKind = 2
)

const (
	fileMagic   uint32 = 0x5044424c // "PDBL"
	fileVersion uint16 = 1

	maxCorruptionScan = 4 << 20

	// HeaderSize is the size of the file header; the first record starts here.
	HeaderSize = 8
)

// ErrBadHeader is returned when a log file does not start with a valid header.
var ErrBadHeader = errors.New("wal: bad file header")

// LogFile is an append-only file of records. Appends are serialized by the
// caller; reads may run concurrently with appends.
type LogFile struct {
	Fid  uint32
	Path string
	Kind FileKind

	mu          sync.RWMutex
	f           *os.File
	writeOffset uint32
}

// Create creates a new log file with a fresh header.
func Create(path string, fid uint32, kind FileKind) (*LogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], fileMagic)
	binary.BigEndian.PutUint16(hdr[4:6], fileVersion)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(kind))
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write log header %s: %w", path, err)
	}
	return &LogFile{Fid: fid, Path: path, Kind: kind, f: f, writeOffset: HeaderSize}, nil
}

// Open opens an existing log file and positions appends at its end.
func Open(path string, fid uint32, kind FileKind) (*LogFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log file %s: %w", path, err)
	}

	lf := &LogFile{Fid: fid, Path: path, Kind: kind, f: f, writeOffset: uint32(fi.Size())}
	if fi.Size() < HeaderSize {
		// Crashed before the header was written.
		if err := lf.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
		var hdr [HeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:4], fileMagic)
		binary.BigEndian.PutUint16(hdr[4:6], fileVersion)
		binary.BigEndian.PutUint16(hdr[6:8], uint16(kind))
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to rewrite log header %s: %w", path, err)
		}
		lf.writeOffset = HeaderSize
		return lf, nil
	}

	var hdr [HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read log header %s: %w", path, err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != fileMagic ||
		binary.BigEndian.Uint16(hdr[4:6]) != fileVersion ||
		FileKind(binary.BigEndian.Uint16(hdr[6:8])) != kind {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrBadHeader)
	}
	return lf, nil
}

// Append writes buf at the end of the file and returns the offset it starts at.
func (lf *LogFile) Append(buf []byte) (uint32, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	offset := lf.writeOffset
	if uint64(offset)+uint64(len(buf)) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("log file %s would exceed 4GB", lf.Path)
	}
	n, err := lf.f.WriteAt(buf, int64(offset))
	lf.writeOffset += uint32(n)
	if err != nil {
		return offset, fmt.Errorf("failed to append to %s: %w", lf.Path, err)
	}
	return offset, nil
}

// ReadAt reads len(buf) bytes at off.
func (lf *LogFile) ReadAt(buf []byte, off uint32) error {
	lf.mu.RLock()
	f := lf.f
	lf.mu.RUnlock()
	if f == nil {
		return fmt.Errorf("log file %s is closed", lf.Path)
	}
	_, err := f.ReadAt(buf, int64(off))
	return err
}

// Sync flushes the file to stable storage.
func (lf *LogFile) Sync() error {
	if err := lf.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", lf.Path, err)
	}
	return nil
}

// Truncate cuts the file at off and moves the append position there.
func (lf *LogFile) Truncate(off uint32) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.f.Truncate(int64(off)); err != nil {
		return fmt.Errorf("failed to truncate %s at %d: %w", lf.Path, off, err)
	}
	lf.writeOffset = off
	return nil
}

// Size returns the current append position.
func (lf *LogFile) Size() uint32 {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.writeOffset
}

// File exposes the underlying descriptor for mmap.
func (lf *LogFile) File() *os.File {
	return lf.f
}

// Iterate calls fn for every record from offset onwards and returns the offset
// just past the last valid record. A torn record at the tail ends iteration
// without error. A checksum failure followed by further valid data is
// reported as corruption.
func (lf *LogFile) Iterate(offset uint32, fn func(rec Record, vp model.ValuePointer) error) (uint32, error) {
	if offset < HeaderSize {
		offset = HeaderSize
	}
	size := lf.Size()
	if offset >= size {
		return offset, nil
	}
	rr := NewRecordReader(io.NewSectionReader(lf.f, int64(offset), int64(size-offset)), offset)
	for {
		rec, start, err := rr.Next()
		switch {
		case err == io.EOF, errors.Is(err, ErrTruncated):
			return start, nil
		case errors.Is(err, ErrChecksum):
			if lf.hasValidRecordAfter(start) {
				return start, fmt.Errorf("%s at offset %d: %w", lf.Path, start, ErrChecksum)
			}
			return start, nil
		case err != nil:
			return start, err
		}
		vp := model.ValuePointer{Fid: lf.Fid, Offset: start, Len: rr.Offset() - start}
		if err := fn(rec, vp); err != nil {
			return start, err
		}
	}
}

// hasValidRecordAfter scans forward from a bad record looking for any record
// that decodes cleanly, which distinguishes mid-file corruption from a torn tail.
func (lf *LogFile) hasValidRecordAfter(bad uint32) bool {
	size := lf.Size()
	if bad+1 >= size {
		return false
	}
	window := size - bad - 1
	if window > maxCorruptionScan {
		window = maxCorruptionScan
	}
	buf := make([]byte, window)
	if _, err := lf.f.ReadAt(buf, int64(bad+1)); err != nil && err != io.EOF {
		return false
	}
	for i := range buf {
		if _, _, err := DecodeRecord(buf[i:]); err == nil {
			return true
		}
	}
	return false
}

// Close closes the file.
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	return err
}

// Delete closes and removes the file.
func (lf *LogFile) Delete() error {
	if err := lf.Close(); err != nil {
		return err
	}
	if err := os.Remove(lf.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", lf.Path, err)
	}
	return nil
}
