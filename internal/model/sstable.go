package model

import (
	"fmt"
	"time"
)

// TableMetadata describes an on-disk table as recorded in the manifest.
type TableMetadata struct {
	ID         uint64
	Level      int
	Size       int64
	KeyRange   KeyRange
	MaxVersion uint64
	NumEntries uint32
	CreatedAt  time.Time
}

// KeyRange is an inclusive range of internal keys.
type KeyRange struct {
	Smallest []byte
	Largest  []byte
}

// IsEmpty reports whether the range has no bounds.
func (r KeyRange) IsEmpty() bool {
	return len(r.Smallest) == 0 && len(r.Largest) == 0
}

// Overlaps reports whether the user-key spans of two ranges intersect.
// All versions of a user key must stay together, so versions are ignored.
func (r KeyRange) Overlaps(o KeyRange) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	if CompareUserKeys(r.Largest, o.Smallest) < 0 {
		return false
	}
	if CompareUserKeys(o.Largest, r.Smallest) < 0 {
		return false
	}
	return true
}

// Extend grows r to cover o.
func (r KeyRange) Extend(o KeyRange) KeyRange {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	out := r
	if CompareKeys(o.Smallest, out.Smallest) < 0 {
		out.Smallest = o.Smallest
	}
	if CompareKeys(o.Largest, out.Largest) > 0 {
		out.Largest = o.Largest
	}
	return out
}

func (r KeyRange) String() string {
	if r.IsEmpty() {
		return "[]"
	}
	return fmt.Sprintf("[%q@%d, %q@%d]", ParseKey(r.Smallest), ParseTs(r.Smallest), ParseKey(r.Largest), ParseTs(r.Largest))
}

// CompareUserKeys compares the user key portions of two internal keys.
func CompareUserKeys(a, b []byte) int {
	return bytesCompare(ParseKey(a), ParseKey(b))
}

// TableFileName returns the file name of a table id.
func TableFileName(id uint64) string {
	return fmt.Sprintf("%06d.sst", id)
}

// LevelInfo summarizes one level of the tree.
type LevelInfo struct {
	Level      int
	NumTables  int
	Size       int64
	TargetSize int64
	Score      float64
}

// CompactionJob represents a compaction task
type CompactionJob struct {
	JobID       string
	Level       int
	OutputLevel int
	Top         []*TableMetadata
	Bottom      []*TableMetadata
	KeyRange    KeyRange
	Priority    float64
	StartedAt   time.Time
	Status      CompactionStatus
}

// CompactionStatus indicates the state of a compaction job
type CompactionStatus string

const (
	CompactionStatusPending   CompactionStatus = "pending"
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusFailed    CompactionStatus = "failed"
	CompactionStatusCancelled CompactionStatus = "cancelled"
)
