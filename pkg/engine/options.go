package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
	"github.com/devrev/pairdb/storage-engine/internal/validation"
)

// Options configures an Engine. They are fixed for the lifetime of the
// process; DefaultOptions gives sensible values for every field.
type Options struct {
	Dir    string
	Logger *zap.Logger

	// SyncWrites fsyncs the WAL and value log once per write batch.
	SyncWrites bool

	// MemTableSize is the size at which a memtable is queued for flush.
	MemTableSize int64
	// NumMemTables is how many memtables may wait for flush before writes stall.
	NumMemTables int

	BlockSize          int
	BloomFalsePositive float64
	// Compression is one of "none", "snappy" or "zstd".
	Compression        string
	TableSize          int64
	VerifyTablesOnOpen bool

	MaxLevels int
	// BaseLevelSize is the target size of level 1.
	BaseLevelSize int64
	// LevelMultiplier is the size ratio between adjacent levels >= 1.
	LevelMultiplier       int
	NumCompactors         int
	L0Trigger             int
	L0Stall               int
	CompactionBytesPerSec int64
	CompactionInterval    time.Duration
	NumVersionsToKeep     int

	// ValueThreshold is the value size at or above which values are stored
	// in the value log.
	ValueThreshold      int64
	ValueLogSegmentSize int64
	ValueLogMaxEntries  uint32
	// ValueLogGCRatio is the discarded share of a segment that makes it
	// eligible for periodic GC.
	ValueLogGCRatio float64
	// ValueLogGCInterval is how often GC runs in the background; zero disables it.
	ValueLogGCInterval time.Duration
	GCBytesPerSec      int64

	DetectConflicts bool
	BlockCacheSize  int64

	DiskCheckInterval           time.Duration
	DiskWarningThreshold        float64
	DiskCircuitBreakerThreshold float64

	ManifestRewriteThreshold int

	MaxKeySize   int
	MaxValueSize int64
}

// DefaultOptions returns options for an engine in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:    dir,
		Logger: zap.NewNop(),

		SyncWrites: false,

		MemTableSize: 64 << 20,
		NumMemTables: 5,

		BlockSize:          4 << 10,
		BloomFalsePositive: 0.01,
		Compression:        "snappy",
		TableSize:          64 << 20,

		MaxLevels:          7,
		BaseLevelSize:      256 << 20,
		LevelMultiplier:    10,
		NumCompactors:      2,
		L0Trigger:          5,
		L0Stall:            15,
		CompactionInterval: 10 * time.Second,
		NumVersionsToKeep:  1,

		ValueThreshold:      1 << 10,
		ValueLogSegmentSize: 1<<30 - 1,
		ValueLogMaxEntries:  1000000,
		ValueLogGCRatio:     0.5,
		ValueLogGCInterval:  10 * time.Minute,

		DetectConflicts: true,
		BlockCacheSize:  256 << 20,

		DiskCheckInterval:           10 * time.Second,
		DiskWarningThreshold:        80,
		DiskCircuitBreakerThreshold: 95,

		ManifestRewriteThreshold: 100000,

		MaxKeySize:   validation.MaxKeySize,
		MaxValueSize: validation.MaxValueSize,
	}
}

// WithLogger returns a copy of o using logger.
func (o Options) WithLogger(logger *zap.Logger) Options {
	o.Logger = logger
	return o
}

// WithSyncWrites returns a copy of o with SyncWrites set.
func (o Options) WithSyncWrites(sync bool) Options {
	o.SyncWrites = sync
	return o
}

// WithMemTableSize returns a copy of o with MemTableSize set.
func (o Options) WithMemTableSize(size int64) Options {
	o.MemTableSize = size
	return o
}

// WithValueThreshold returns a copy of o with ValueThreshold set.
func (o Options) WithValueThreshold(threshold int64) Options {
	o.ValueThreshold = threshold
	return o
}

// WithNumVersionsToKeep returns a copy of o with NumVersionsToKeep set.
func (o Options) WithNumVersionsToKeep(n int) Options {
	o.NumVersionsToKeep = n
	return o
}

// WithCompactionInterval returns a copy of o with CompactionInterval set.
func (o Options) WithCompactionInterval(d time.Duration) Options {
	o.CompactionInterval = d
	return o
}

// WithValueLogGCInterval returns a copy of o with ValueLogGCInterval set.
func (o Options) WithValueLogGCInterval(d time.Duration) Options {
	o.ValueLogGCInterval = d
	return o
}

func (o *Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MemTableSize <= 0 {
		return fmt.Errorf("memtable size must be positive, got %d", o.MemTableSize)
	}
	if o.NumMemTables <= 0 {
		return fmt.Errorf("num memtables must be positive, got %d", o.NumMemTables)
	}
	if o.MaxLevels < 2 {
		return fmt.Errorf("max levels must be at least 2, got %d", o.MaxLevels)
	}
	if o.LevelMultiplier < 2 {
		return fmt.Errorf("level multiplier must be at least 2, got %d", o.LevelMultiplier)
	}
	if o.L0Stall > 0 && o.L0Stall <= o.L0Trigger {
		return fmt.Errorf("l0 stall (%d) must exceed l0 trigger (%d)", o.L0Stall, o.L0Trigger)
	}
	if o.NumVersionsToKeep <= 0 {
		return fmt.Errorf("num versions to keep must be positive, got %d", o.NumVersionsToKeep)
	}
	if o.ValueThreshold <= 0 || o.ValueThreshold > o.MemTableSize {
		return fmt.Errorf("value threshold %d must be in (0, memtable size]", o.ValueThreshold)
	}
	if o.ValueLogSegmentSize <= 0 || o.ValueLogSegmentSize >= 1<<32 {
		return fmt.Errorf("value log segment size %d must be in (0, 4GB)", o.ValueLogSegmentSize)
	}
	if o.ValueLogGCRatio <= 0 || o.ValueLogGCRatio >= 1 {
		return fmt.Errorf("value log gc ratio %v must be in (0, 1)", o.ValueLogGCRatio)
	}
	if _, err := sstable.ParseCompression(o.Compression); err != nil {
		return err
	}
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = validation.MaxKeySize
	}
	if o.MaxValueSize <= 0 {
		o.MaxValueSize = validation.MaxValueSize
	}
	return nil
}

// maxBatchCount and maxBatchSize bound a transaction's pending writes.
func (o *Options) maxBatchCount() int64 {
	return o.maxBatchSize() / 64
}

func (o *Options) maxBatchSize() int64 {
	return o.MemTableSize * 15 / 100
}
