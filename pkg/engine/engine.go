package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/health"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/server"
	"github.com/devrev/pairdb/storage-engine/internal/service"
	"github.com/devrev/pairdb/storage-engine/internal/storage/diskmanager"
	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
	"github.com/devrev/pairdb/storage-engine/internal/txn"
	"github.com/devrev/pairdb/storage-engine/internal/util"
	"github.com/devrev/pairdb/storage-engine/internal/validation"
)

// Engine is an embedded transactional key-value store. All methods are safe
// for concurrent use.
type Engine struct {
	opts   Options
	logger *zap.Logger

	lock       *util.DirLock
	metrics    *metrics.Metrics
	disk       *diskmanager.DiskManager
	health     *health.HealthChecker
	oracle     *txn.Oracle
	cache      *service.CacheService
	sstables   *service.SSTableService
	vlog       *service.ValueLogService
	memtables  *service.MemTableService
	compaction *service.CompactionService
	storage    *service.StorageService
	validator  *validation.Validator

	closed   atomic.Bool
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// Open opens or creates an engine in opts.Dir, replaying the manifest and
// any unflushed WAL files. Corruption of either is returned as an error
// before the engine becomes usable.
func Open(opts Options) (db *Engine, err error) {
	if err := opts.validate(); err != nil {
		return nil, errors.InvalidArgument("invalid options", err)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.IOError("failed to create data directory", err)
	}
	logger := opts.Logger
	start := time.Now()

	lock, err := util.AcquireDirLock(opts.Dir)
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to lock %s", opts.Dir), err)
	}

	e := &Engine{
		opts:      opts,
		logger:    logger,
		lock:      lock,
		metrics:   metrics.NewMetrics(),
		validator: validation.NewValidatorWithLimits(opts.MaxKeySize, opts.MaxValueSize),
	}
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				logger.Warn("Cleanup after failed open", zap.Error(cerr))
			}
		}
		lock.Release()
	}()

	// Step 1: ambient services
	e.disk, err = diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 opts.Dir,
		CheckInterval:           opts.DiskCheckInterval,
		WarningThreshold:        opts.DiskWarningThreshold,
		CircuitBreakerThreshold: opts.DiskCircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return nil, errors.InternalError("failed to create disk manager", err)
	}
	e.health = health.NewHealthChecker(&health.HealthCheckConfig{
		Dir:           opts.Dir,
		CheckInterval: opts.DiskCheckInterval,
	}, e.disk, logger)
	e.cache = service.NewCacheService(&service.CacheConfig{
		MaxSize:         opts.BlockCacheSize,
		FrequencyWeight: 0.5,
		RecencyWeight:   0.5,
		AdaptiveWindow:  time.Minute,
	}, e.metrics, logger)

	// Step 2: level set from the manifest
	compression, _ := sstable.ParseCompression(opts.Compression)
	var cache sstable.BlockCache
	if opts.BlockCacheSize > 0 {
		cache = e.cache
	}
	e.sstables, err = service.NewSSTableService(&service.SSTableConfig{
		BlockSize:                opts.BlockSize,
		BloomFalsePositive:       opts.BloomFalsePositive,
		Compression:              compression,
		TableSize:                opts.TableSize,
		VerifyOnOpen:             opts.VerifyTablesOnOpen,
		MaxLevels:                opts.MaxLevels,
		ManifestRewriteThreshold: opts.ManifestRewriteThreshold,
	}, opts.Dir, cache, e.metrics, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, e.sstables.Close)

	// Step 3: value log
	e.vlog, err = service.NewValueLogService(&service.ValueLogConfig{
		Threshold:     opts.ValueThreshold,
		SegmentSize:   opts.ValueLogSegmentSize,
		MaxEntries:    opts.ValueLogMaxEntries,
		SyncWrites:    opts.SyncWrites,
		GCBytesPerSec: opts.GCBytesPerSec,
	}, opts.Dir, e.metrics, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, e.vlog.Close)

	// Step 4: memtables from unflushed WAL files
	commitLog := service.NewCommitLogService(&service.CommitLogConfig{SyncWrites: opts.SyncWrites}, opts.Dir, e.metrics, logger)
	recovered, err := commitLog.Recover()
	if err != nil {
		return nil, err
	}
	e.memtables = service.NewMemTableService(&service.MemTableConfig{
		MaxSize:      opts.MemTableSize,
		NumMemTables: opts.NumMemTables,
	}, commitLog, e.metrics, logger)
	if err = e.memtables.Init(recovered); err != nil {
		for _, mt := range recovered {
			mt.Close()
		}
		return nil, err
	}
	closers = append(closers, e.memtables.Close)

	// Step 5: timestamps resume after the newest version on disk
	maxVersion := e.sstables.MaxVersion()
	if v := e.memtables.MaxVersion(); v > maxVersion {
		maxVersion = v
	}
	e.oracle = txn.NewOracle(maxVersion, opts.DetectConflicts)

	// Step 6: background work
	e.compaction = service.NewCompactionService(&service.CompactionConfig{
		Workers:           opts.NumCompactors,
		L0Trigger:         opts.L0Trigger,
		BaseLevelSize:     opts.BaseLevelSize,
		LevelMultiplier:   opts.LevelMultiplier,
		TableSize:         opts.TableSize,
		BytesPerSec:       opts.CompactionBytesPerSec,
		Interval:          opts.CompactionInterval,
		NumVersionsToKeep: opts.NumVersionsToKeep,
	}, e.sstables, e.vlog, e.oracle.Watermark, e.health, e.metrics, logger)
	e.compaction.Start()

	e.storage = service.NewStorageService(&service.StorageConfig{
		MaxBatchCount: int(opts.maxBatchCount()),
		MaxBatchSize:  opts.maxBatchSize(),
		L0Stall:       opts.L0Stall,
	}, commitLog, e.memtables, e.sstables, e.vlog, e.compaction, e.oracle, e.disk, e.health, e.metrics, logger)
	e.storage.Start()
	e.health.SetMetricsSource(e.storage.HealthMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	e.bgCancel = cancel
	e.startBackground(ctx)

	logger.Info("Engine opened",
		zap.String("dir", opts.Dir),
		zap.Uint64("max_version", maxVersion),
		zap.Int("tables", e.sstables.NumTables()),
		zap.Duration("duration", time.Since(start)))
	return e, nil
}

func (e *Engine) startBackground(ctx context.Context) {
	e.bgWG.Add(2)
	go func() {
		defer e.bgWG.Done()
		e.health.Start(ctx)
	}()
	go func() {
		defer e.bgWG.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.cache.AdjustWeights()
			case <-ctx.Done():
				return
			}
		}
	}()

	if e.opts.ValueLogGCInterval > 0 {
		e.bgWG.Add(1)
		go func() {
			defer e.bgWG.Done()
			ticker := time.NewTicker(e.opts.ValueLogGCInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					// Keep collecting while segments qualify.
					for e.storage.RunValueLogGC(ctx, e.opts.ValueLogGCRatio) == nil {
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// NewTransaction starts a transaction reading at the latest committed
// snapshot. Read-only transactions reject writes. Every transaction must be
// finished with Commit or Discard.
func (e *Engine) NewTransaction(update bool) *Txn {
	return newTxn(e, update)
}

// Update runs fn in a read-write transaction and commits it if fn succeeds.
func (e *Engine) Update(fn func(txn *Txn) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	t := e.NewTransaction(true)
	defer t.Discard()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// View runs fn in a read-only transaction.
func (e *Engine) View(fn func(txn *Txn) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	t := e.NewTransaction(false)
	defer t.Discard()
	return fn(t)
}

// Flush writes every memtable to level 0 and waits for it.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.storage.Flush(ctx)
}

// Compact flushes memtables and pushes every level down to the deepest
// populated level, dropping versions no reader can see.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	return e.compaction.CompactAll(ctx)
}

// RunValueLogGC garbage collects the value log segment with the most
// discarded data if at least ratio of it is garbage. ErrNoRewrite means no
// segment qualified; ErrRejected means a GC is already running.
func (e *Engine) RunValueLogGC(ctx context.Context, ratio float64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.storage.RunValueLogGC(ctx, ratio)
}

// GCValueLogSegment rewrites the live entries of the sealed segment fid and
// removes it.
func (e *Engine) GCValueLogSegment(ctx context.Context, fid uint32) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.storage.GCValueLogSegment(ctx, fid)
}

// ValueLogSegments lists the ids of live value log segments.
func (e *Engine) ValueLogSegments() []uint32 {
	return e.vlog.SegmentIDs()
}

// Levels summarizes the tables of every level.
func (e *Engine) Levels() []model.LevelInfo {
	return e.compaction.Levels()
}

// Health reports the engine health signal.
func (e *Engine) Health() model.HealthStatus {
	return e.health.GetStatus()
}

// Metrics returns the engine's Prometheus registry.
func (e *Engine) Metrics() prometheus.Gatherer {
	return e.metrics.Registry
}

// NewMetricsServer returns an HTTP server exposing /metrics, /health and /ready.
func (e *Engine) NewMetricsServer(addr string) *server.MetricsServer {
	return server.NewMetricsServer(&server.MetricsServerConfig{
		Addr:            addr,
		CollectInterval: e.opts.DiskCheckInterval,
	}, e.metrics, e.health, e.disk, e.logger)
}

// MaxVersion returns the latest committed timestamp visible to new readers.
func (e *Engine) MaxVersion() uint64 {
	return e.oracle.MaxCommitted()
}

// Close flushes memtables, stops background work and checkpoints the
// manifest. Further calls return ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	start := time.Now()

	err := e.storage.Close()
	e.bgCancel()
	e.bgWG.Wait()
	err = multierr.Append(err, e.lock.Release())

	e.logger.Info("Engine closed", zap.String("dir", e.opts.Dir), zap.Duration("duration", time.Since(start)), zap.Error(err))
	return err
}
