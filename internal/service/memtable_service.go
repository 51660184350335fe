package service

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/memtable"
)

// MemTableService manages the active memtable and the queue of immutable
// memtables waiting to be flushed. Readers take a snapshot of the memtable
// list under a short read lock; rotation swaps the active memtable under the
// write lock.
type MemTableService struct {
	config    *MemTableConfig
	commitLog *CommitLogService
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// writeMu serializes writes with rotation.
	writeMu sync.Mutex

	mu         sync.RWMutex
	cond       *sync.Cond
	active     *memtable.MemTable
	immutables []*memtable.MemTable // oldest first
	closed     bool

	flushCh chan struct{}
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	MaxSize      int64
	NumMemTables int
}

// NewMemTableService creates a new memtable service
func NewMemTableService(cfg *MemTableConfig, commitLog *CommitLogService, m *metrics.Metrics, logger *zap.Logger) *MemTableService {
	if cfg.NumMemTables <= 0 {
		cfg.NumMemTables = 2
	}
	s := &MemTableService{
		config:    cfg,
		commitLog: commitLog,
		logger:    logger,
		metrics:   m,
		flushCh:   make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Init installs memtables recovered from the WAL as immutables, queued for
// flush, and opens a fresh active memtable.
func (s *MemTableService) Init(recovered []*memtable.MemTable) error {
	var queued []*memtable.MemTable
	for _, mt := range recovered {
		if mt.Empty() {
			if err := mt.Retire(); err != nil {
				return errors.IOError("failed to remove empty WAL", err)
			}
			continue
		}
		queued = append(queued, mt)
	}

	active, err := s.commitLog.NewMemTable()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active = active
	s.immutables = queued
	s.mu.Unlock()

	if len(queued) > 0 {
		s.logger.Info("Queued recovered memtables for flush", zap.Int("count", len(queued)))
		s.notifyFlush()
	}
	return nil
}

// Write appends a batch to the active memtable, rotating first if the batch
// would not fit. Rotation stalls while the flush queue is full.
func (s *MemTableService) Write(entries []*model.Entry, size int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if !active.Empty() && active.MemSize()+size > s.config.MaxSize {
		if err := s.rotate(); err != nil {
			return err
		}
		s.mu.RLock()
		active = s.active
		s.mu.RUnlock()
	}

	if err := s.commitLog.Append(active, entries); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MemTableSizeBytes.Set(float64(active.MemSize()))
	}
	return nil
}

// rotate moves the active memtable to the flush queue. Callers hold writeMu.
func (s *MemTableService) rotate() error {
	s.mu.Lock()
	if len(s.immutables) >= s.config.NumMemTables && !s.closed {
		start := time.Now()
		s.logger.Warn("Write stalled, memtable flush queue full",
			zap.Int("immutables", len(s.immutables)))
		for len(s.immutables) >= s.config.NumMemTables && !s.closed {
			s.cond.Wait()
		}
		if s.metrics != nil {
			s.metrics.WriteStallDuration.Add(time.Since(start).Seconds())
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.ErrClosed
	}

	next, err := s.commitLog.NewMemTable()
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.active
	s.immutables = append(s.immutables, old)
	s.active = next
	count := len(s.immutables)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ImmutableMemTables.Set(float64(count))
	}
	s.logger.Debug("Rotated memtable",
		zap.Uint32("fid", old.ID()),
		zap.Int64("size", old.MemSize()),
		zap.Int("entries", old.Len()))
	s.notifyFlush()
	return nil
}

// Rotate queues the active memtable for flush if it holds anything.
func (s *MemTableService) Rotate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	empty := s.active.Empty()
	s.mu.RUnlock()
	if empty {
		return nil
	}
	return s.rotate()
}

func (s *MemTableService) notifyFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// FlushCh is signalled when a memtable is queued for flush.
func (s *MemTableService) FlushCh() <-chan struct{} {
	return s.flushCh
}

// OldestImmutable returns the next memtable to flush.
func (s *MemTableService) OldestImmutable() (*memtable.MemTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.immutables) == 0 {
		return nil, false
	}
	return s.immutables[0], true
}

// RemoveFlushed drops a flushed memtable from the queue and retires its WAL.
// The caller must have recorded its table in the manifest.
func (s *MemTableService) RemoveFlushed(mt *memtable.MemTable) error {
	s.mu.Lock()
	if len(s.immutables) == 0 || s.immutables[0] != mt {
		s.mu.Unlock()
		return errors.InternalError("flushed memtable is not the oldest immutable", nil)
	}
	s.immutables[0] = nil
	s.immutables = s.immutables[1:]
	count := len(s.immutables)
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ImmutableMemTables.Set(float64(count))
	}
	if err := mt.Retire(); err != nil {
		return errors.IOError("failed to retire WAL", err).WithDetail("fid", mt.ID())
	}
	return nil
}

// Snapshot returns all memtables, newest first.
func (s *MemTableService) Snapshot() []*memtable.MemTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mts := make([]*memtable.MemTable, 0, len(s.immutables)+1)
	mts = append(mts, s.active)
	for i := len(s.immutables) - 1; i >= 0; i-- {
		mts = append(mts, s.immutables[i])
	}
	return mts
}

// ImmutableCount returns the number of memtables waiting for flush.
func (s *MemTableService) ImmutableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.immutables)
}

// ActiveSize returns the approximate size of the active memtable.
func (s *MemTableService) ActiveSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.MemSize()
}

// SyncActive flushes the active memtable's WAL.
func (s *MemTableService) SyncActive() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if err := active.Sync(); err != nil {
		return errors.CommitLogFailed("failed to sync WAL", err).WithDetail("fid", active.ID())
	}
	return nil
}

// MaxVersion returns the highest version held by any memtable.
func (s *MemTableService) MaxVersion() uint64 {
	var v uint64
	for _, mt := range s.Snapshot() {
		if mv := mt.MaxVersion(); mv > v {
			v = mv
		}
	}
	return v
}

// Close wakes stalled writers and closes every WAL, leaving unflushed ones on disk.
func (s *MemTableService) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	mts := append([]*memtable.MemTable{s.active}, s.immutables...)
	s.mu.Unlock()

	var err error
	for _, mt := range mts {
		if mt != nil {
			err = multierr.Append(err, mt.Close())
		}
	}
	return err
}
