package vlog

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/wal"
)

// SegmentFileName returns the file name of a value log segment.
func SegmentFileName(fid uint32) string {
	return fmt.Sprintf("%06d.vlog", fid)
}

// SegmentPath returns the path of a segment inside dir.
func SegmentPath(dir string, fid uint32) string {
	return filepath.Join(dir, SegmentFileName(fid))
}

// Segment is one value log file. The active segment is read with pread;
// sealed segments are memory-mapped read-only. Segments are reference counted
// and removed from disk only after being marked obsolete and released by
// every reader.
type Segment struct {
	*wal.LogFile

	mu      sync.RWMutex
	mmap    []byte
	entries atomic.Uint32

	ref      atomic.Int32
	obsolete atomic.Bool
}

// CreateSegment creates a new active segment.
func CreateSegment(dir string, fid uint32) (*Segment, error) {
	lf, err := wal.Create(SegmentPath(dir, fid), fid, wal.KindValueLog)
	if err != nil {
		return nil, err
	}
	s := &Segment{LogFile: lf}
	s.ref.Store(1)
	return s, nil
}

// OpenSegment opens an existing segment.
func OpenSegment(dir string, fid uint32) (*Segment, error) {
	lf, err := wal.Open(SegmentPath(dir, fid), fid, wal.KindValueLog)
	if err != nil {
		return nil, err
	}
	s := &Segment{LogFile: lf}
	s.ref.Store(1)
	return s, nil
}

// Seal syncs the segment and maps it read-only. No appends may follow.
func (s *Segment) Seal() error {
	if err := s.Sync(); err != nil {
		return err
	}
	size := int(s.Size())
	if size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(s.File().Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.IOError(fmt.Sprintf("failed to mmap value log %d", s.Fid), err)
	}
	s.mu.Lock()
	s.mmap = data
	s.mu.Unlock()
	return nil
}

// Sealed reports whether the segment is memory-mapped.
func (s *Segment) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mmap != nil
}

// AddEntries counts records appended to the active segment.
func (s *Segment) AddEntries(n int) uint32 {
	return s.entries.Add(uint32(n))
}

// Entries returns the number of records appended since open.
func (s *Segment) Entries() uint32 {
	return s.entries.Load()
}

// Read returns the record a pointer refers to, verifying its checksum. The
// returned value is a private copy.
func (s *Segment) Read(vp model.ValuePointer) (wal.Record, error) {
	var buf []byte
	s.mu.RLock()
	if s.mmap != nil {
		if uint64(vp.Offset)+uint64(vp.Len) > uint64(len(s.mmap)) {
			s.mu.RUnlock()
			return wal.Record{}, errors.CorruptedData(fmt.Sprintf("value pointer %s beyond end of segment", vp), nil)
		}
		buf = make([]byte, vp.Len)
		copy(buf, s.mmap[vp.Offset:vp.Offset+vp.Len])
	}
	s.mu.RUnlock()

	if buf == nil {
		if uint64(vp.Offset)+uint64(vp.Len) > uint64(s.Size()) {
			return wal.Record{}, errors.CorruptedData(fmt.Sprintf("value pointer %s beyond end of segment", vp), nil)
		}
		buf = make([]byte, vp.Len)
		if err := s.ReadAt(buf, vp.Offset); err != nil {
			return wal.Record{}, errors.IOError(fmt.Sprintf("failed to read value log %d", s.Fid), err)
		}
	}

	rec, n, err := wal.DecodeRecord(buf)
	if err != nil || n != int(vp.Len) {
		return wal.Record{}, errors.CorruptedData(fmt.Sprintf("bad value log record at %s", vp), err).
			WithDetail("fid", vp.Fid).
			WithDetail("offset", vp.Offset)
	}
	return rec, nil
}

// IncrRef takes a reference.
func (s *Segment) IncrRef() {
	s.ref.Add(1)
}

// DecrRef releases a reference. The last release of an obsolete segment
// unmaps and deletes it.
func (s *Segment) DecrRef() error {
	if s.ref.Add(-1) > 0 {
		return nil
	}
	return s.release()
}

func (s *Segment) release() error {
	s.mu.Lock()
	if s.mmap != nil {
		if err := unix.Munmap(s.mmap); err != nil {
			s.mu.Unlock()
			return errors.IOError(fmt.Sprintf("failed to unmap value log %d", s.Fid), err)
		}
		s.mmap = nil
	}
	s.mu.Unlock()
	if s.obsolete.Load() {
		return s.Delete()
	}
	return s.Close()
}

// MarkObsolete schedules deletion once all references are released.
func (s *Segment) MarkObsolete() {
	s.obsolete.Store(true)
}

// Refs returns the current reference count.
func (s *Segment) Refs() int32 {
	return s.ref.Load()
}
