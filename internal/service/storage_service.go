package service

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/health"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/diskmanager"
	"github.com/devrev/pairdb/storage-engine/internal/storage/iterator"
	"github.com/devrev/pairdb/storage-engine/internal/storage/memtable"
	"github.com/devrev/pairdb/storage-engine/internal/txn"
	"github.com/devrev/pairdb/storage-engine/internal/util"
	"github.com/devrev/pairdb/storage-engine/internal/validation"
)

// StorageConfig holds write pipeline configuration
type StorageConfig struct {
	MaxBatchCount int
	MaxBatchSize  int64
	L0Stall       int
	FlushTimeout  time.Duration
}

// StorageService is the main orchestration layer for storage operations: a
// single writer goroutine applies commits in timestamp order, a flush
// goroutine turns immutable memtables into level 0 tables, and reads merge
// memtables with the level set.
type StorageService struct {
	config     *StorageConfig
	commitLog  *CommitLogService
	memtables  *MemTableService
	sstables   *SSTableService
	vlog       *ValueLogService
	compaction *CompactionService
	oracle     *txn.Oracle
	disk       *diskmanager.DiskManager
	health     *health.HealthChecker
	logger     *zap.Logger
	metrics    *metrics.Metrics

	closeMu sync.RWMutex
	closed  bool
	writeCh chan *writeRequest

	writerDone chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup
	flushing   atomic.Bool
}

type writeRequest struct {
	entries []*model.Entry
	size    int64
	sync    bool
	done    chan error
}

// NewStorageService wires the services together. Start must be called before
// any write.
func NewStorageService(
	cfg *StorageConfig,
	commitLog *CommitLogService,
	memtables *MemTableService,
	sstables *SSTableService,
	vlog *ValueLogService,
	compaction *CompactionService,
	oracle *txn.Oracle,
	disk *diskmanager.DiskManager,
	hc *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *StorageService {
	if cfg.MaxBatchCount <= 0 {
		cfg.MaxBatchCount = 1000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Minute
	}
	return &StorageService{
		config:     cfg,
		commitLog:  commitLog,
		memtables:  memtables,
		sstables:   sstables,
		vlog:       vlog,
		compaction: compaction,
		oracle:     oracle,
		disk:       disk,
		health:     hc,
		logger:     logger,
		metrics:    m,
		writeCh:    make(chan *writeRequest, cfg.MaxBatchCount),
		writerDone: make(chan struct{}),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the writer and flush goroutines.
func (s *StorageService) Start() {
	go s.doWrites()

	s.wg.Add(1)
	go s.flushLoop()
}

// Commit assigns a commit timestamp to a transaction's write set and applies
// it. Entries carry user keys on entry and internal keys on return. reads
// are fingerprints of the keys the transaction read.
func (s *StorageService) Commit(readTs uint64, reads []uint64, entries []*model.Entry) (uint64, error) {
	start := time.Now()

	writes := make([]uint64, len(entries))
	var size int64
	for i, e := range entries {
		writes[i] = txn.Fingerprint(e.Key)
		size += e.EstimateSize(s.vlog.Threshold())
	}

	s.oracle.WriteChLock.Lock()
	ts, err := s.oracle.NewCommitTs(readTs, reads, writes)
	if err != nil {
		s.oracle.WriteChLock.Unlock()
		if s.metrics != nil {
			s.metrics.ConflictsTotal.Inc()
		}
		return 0, err
	}

	for _, e := range entries {
		e.Key = model.KeyWithTs(e.Key, ts)
		e.Version = ts
		e.Meta |= model.BitTxn
	}
	fin := &model.Entry{
		Key:     model.KeyWithTs(model.TxnFinKey, ts),
		Value:   []byte(strconv.FormatUint(ts, 10)),
		Meta:    model.BitFinTxn,
		Version: ts,
	}
	req := &writeRequest{entries: append(entries, fin), size: size, done: make(chan error, 1)}
	err = s.send(req)
	s.oracle.WriteChLock.Unlock()

	if err == nil {
		err = <-req.done
	}
	if err != nil {
		s.oracle.AbandonCommit(ts)
	} else {
		s.oracle.DoneCommit(ts)
	}

	if s.metrics != nil {
		s.metrics.CommitDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			s.metrics.CommitsTotal.Inc()
			s.metrics.WritesTotal.Add(float64(len(entries)))
		}
	}
	return ts, err
}

// WriteVersioned durably writes entries that already carry internal keys and
// versions, bypassing the oracle. Value log GC moves live values this way.
func (s *StorageService) WriteVersioned(entries []*model.Entry) error {
	var size int64
	for _, e := range entries {
		size += e.EstimateSize(s.vlog.Threshold())
	}
	req := &writeRequest{entries: entries, size: size, sync: true, done: make(chan error, 1)}
	if err := s.send(req); err != nil {
		return err
	}
	return <-req.done
}

func (s *StorageService) send(req *writeRequest) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return errors.ErrClosed
	}
	s.writeCh <- req
	return nil
}

// doWrites is the single writer. It drains whatever requests are queued into
// one batch so that concurrent commits share an fsync.
func (s *StorageService) doWrites() {
	defer close(s.writerDone)

	for req := range s.writeCh {
		batch := []*writeRequest{req}
		count := len(req.entries)
		size := req.size
	gather:
		for count < s.config.MaxBatchCount && (s.config.MaxBatchSize <= 0 || size < s.config.MaxBatchSize) {
			select {
			case r, ok := <-s.writeCh:
				if !ok {
					break gather
				}
				batch = append(batch, r)
				count += len(r.entries)
				size += r.size
			default:
				break gather
			}
		}

		err := s.writeRequests(batch, count, size)
		for _, r := range batch {
			r.done <- err
		}
	}
}

func (s *StorageService) writeRequests(batch []*writeRequest, count int, size int64) error {
	entries := make([]*model.Entry, 0, count)
	needSync := false
	var diskBytes uint64
	for _, r := range batch {
		entries = append(entries, r.entries...)
		needSync = needSync || r.sync
		for _, e := range r.entries {
			diskBytes += validation.EstimateWriteSize(e)
		}
	}

	if s.disk != nil {
		if err := s.disk.CheckBeforeWrite(diskBytes); err != nil {
			return err
		}
	}
	if err := s.vlog.Write(entries); err != nil {
		return err
	}
	if err := s.memtables.Write(entries, size); err != nil {
		return err
	}
	if needSync {
		if err := s.vlog.Sync(); err != nil {
			return errors.IOError("failed to sync value log", err)
		}
		if err := s.memtables.SyncActive(); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.WriteBatchEntries.Observe(float64(len(entries)))
	}
	return nil
}

// Get returns the newest version of key's user key at or below key's
// version across memtables and every level.
func (s *StorageService) Get(key []byte) (model.ValueStruct, bool, error) {
	readTs := model.ParseTs(key)

	var (
		best  model.ValueStruct
		found bool
	)
	for _, mt := range s.memtables.Snapshot() {
		vs, ok := mt.Get(key)
		if !ok {
			continue
		}
		if vs.Version == readTs {
			return vs, true, nil
		}
		if !found || vs.Version > best.Version {
			best, found = vs, true
		}
	}

	vs, ok, err := s.sstables.Get(key)
	if err != nil {
		return model.ValueStruct{}, false, err
	}
	if ok && (!found || vs.Version > best.Version) {
		best, found = vs, true
	}
	return best, found, nil
}

// ReadValue resolves a value that may live in the value log. The caller
// must hold a pin from PinValueLog.
func (s *StorageService) ReadValue(key []byte, vs model.ValueStruct) ([]byte, error) {
	if !vs.IsPointer() {
		return vs.Value, nil
	}
	vp, err := vs.Pointer()
	if err != nil {
		return nil, errors.CorruptedData("malformed value pointer", err)
	}
	return s.vlog.Read(key, vp)
}

// PinValueLog keeps garbage collected value log segments readable until the
// returned func is called.
func (s *StorageService) PinValueLog() func() {
	return s.vlog.Pin()
}

// NewIterators returns iterators over every memtable and level, newest
// source first. Closing them releases their table references.
func (s *StorageService) NewIterators() []iterator.Iterator {
	var iters []iterator.Iterator
	for _, mt := range s.memtables.Snapshot() {
		iters = append(iters, mt.NewIterator())
	}
	return append(iters, s.sstables.NewIterators()...)
}

// RunValueLogGC rewrites the live entries of the value log segment with the
// most garbage, if at least ratio of it is garbage.
func (s *StorageService) RunValueLogGC(ctx context.Context, ratio float64) error {
	err := s.vlog.RunGC(ctx, ratio, s.Get, s.WriteVersioned)
	s.reportGC(ctx, err)
	return err
}

// GCValueLogSegment rewrites the live entries of one sealed segment.
func (s *StorageService) GCValueLogSegment(ctx context.Context, fid uint32) error {
	err := s.vlog.GCSegment(ctx, fid, s.Get, s.WriteVersioned)
	s.reportGC(ctx, err)
	return err
}

func (s *StorageService) reportGC(ctx context.Context, err error) {
	if s.health == nil || ctx.Err() != nil {
		return
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeOK, errors.ErrCodeNoRewrite, errors.ErrCodeRejected:
		s.health.ReportSuccess(health.ComponentValueLogGC)
	default:
		s.health.ReportFailure(health.ComponentValueLogGC, err)
	}
}

// flushLoop persists immutable memtables as they are queued.
func (s *StorageService) flushLoop() {
	defer s.wg.Done()

	backoff := util.Backoff{Initial: 100 * time.Millisecond, Max: 30 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	for {
		select {
		case <-s.memtables.FlushCh():
		case <-s.stopChan:
			return
		}

		for {
			mt, ok := s.memtables.OldestImmutable()
			if !ok {
				break
			}
			if err := s.flushMemTable(ctx, mt); err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := backoff.Next()
				if s.health != nil {
					s.health.ReportFailure(health.ComponentFlush, err)
				}
				s.logger.Warn("Memtable flush failed, retrying",
					zap.Uint32("fid", mt.ID()),
					zap.Int("attempt", backoff.Attempts()),
					zap.Duration("retry_in", delay),
					zap.Error(err))
				if !util.Sleep(ctx, delay) {
					return
				}
				continue
			}
			backoff.Reset()
			if s.health != nil {
				s.health.ReportSuccess(health.ComponentFlush)
			}
		}
	}
}

// flushMemTable writes one memtable as a level 0 table, records it in the
// manifest and retires its WAL. It waits while level 0 is at the stall limit.
func (s *StorageService) flushMemTable(ctx context.Context, mt *memtable.MemTable) error {
	if err := s.waitForL0(ctx); err != nil {
		return err
	}

	start := time.Now()
	s.flushing.Store(true)
	defer s.flushing.Store(false)

	t, err := s.sstables.WriteFromMemTable(mt)
	if err != nil {
		return err
	}
	if err := s.sstables.AddL0Table(t); err != nil {
		t.MarkObsolete()
		t.DecrRef()
		return err
	}
	if err := s.memtables.RemoveFlushed(mt); err != nil {
		// The table is durable; a leftover WAL replays into versions it already holds.
		s.logger.Warn("Failed to retire flushed WAL", zap.Uint32("fid", mt.ID()), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.MemTableFlushesTotal.Inc()
		s.metrics.MemTableFlushDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("Flushed memtable",
		zap.Uint32("fid", mt.ID()),
		zap.Uint64("table_id", t.ID),
		zap.Int("entries", mt.Len()),
		zap.Int64("size", t.Size()),
		zap.Duration("duration", time.Since(start)))

	if s.compaction != nil {
		s.compaction.Trigger()
	}
	return nil
}

func (s *StorageService) waitForL0(ctx context.Context) error {
	if s.config.L0Stall <= 0 || s.compaction == nil {
		return nil
	}
	n, _ := s.sstables.LevelSize(0)
	if n < s.config.L0Stall {
		return nil
	}

	start := time.Now()
	s.logger.Warn("Flush stalled, too many level 0 tables", zap.Int("l0_tables", n))
	for n >= s.config.L0Stall {
		s.compaction.Trigger()
		if !util.Sleep(ctx, 10*time.Millisecond) {
			return ctx.Err()
		}
		n, _ = s.sstables.LevelSize(0)
	}
	if s.metrics != nil {
		s.metrics.WriteStallDuration.Add(time.Since(start).Seconds())
	}
	return nil
}

// Flush queues the active memtable and waits until every queued memtable
// has been written to level 0.
func (s *StorageService) Flush(ctx context.Context) error {
	if err := s.memtables.Rotate(); err != nil {
		return err
	}
	for s.memtables.ImmutableCount() > 0 {
		if !util.Sleep(ctx, 5*time.Millisecond) {
			return ctx.Err()
		}
	}
	return nil
}

// HealthMetrics reports the gauges included in health status.
func (s *StorageService) HealthMetrics() model.HealthMetrics {
	hm := model.HealthMetrics{ImmutableTables: s.memtables.ImmutableCount()}
	hm.L0Tables, _ = s.sstables.LevelSize(0)
	if s.compaction != nil {
		hm.PendingCompactions = s.compaction.PendingCompactions()
	}
	if s.disk != nil {
		hm.DiskUsage = s.disk.GetDiskUsage().UsagePercent
	}
	return hm
}

// Close stops accepting writes, drains the writer, flushes every memtable,
// stops compaction and closes files. The manifest is checkpointed last.
func (s *StorageService) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writeCh)
	s.closeMu.Unlock()
	<-s.writerDone

	var err error
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
	if ferr := s.Flush(ctx); ferr != nil {
		s.logger.Warn("Memtables left for WAL replay", zap.Error(ferr))
	}
	cancel()

	close(s.stopChan)
	s.wg.Wait()

	if s.compaction != nil {
		err = multierr.Append(err, s.compaction.Stop(s.config.FlushTimeout))
	}
	err = multierr.Append(err, s.vlog.Close())
	err = multierr.Append(err, s.memtables.Close())
	err = multierr.Append(err, s.sstables.Close())
	return err
}
