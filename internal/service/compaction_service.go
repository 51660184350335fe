package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/health"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/iterator"
	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
	"github.com/devrev/pairdb/storage-engine/internal/util"
	"github.com/devrev/pairdb/storage-engine/internal/util/workerpool"
)

const throttleChunk = 64 << 10

// CompactionService manages background leveled compaction
type CompactionService struct {
	config    *CompactionConfig
	sstables  *SSTableService
	vlog      *ValueLogService
	discardTs func() uint64
	logger    *zap.Logger
	metrics   *metrics.Metrics
	health    *health.HealthChecker

	pool    *workerpool.WorkerPool
	limiter tokenbucket.TokenBucket

	mu           sync.Mutex
	inflight     map[string]*compactionRun
	backoff      util.Backoff
	backoffUntil time.Time

	kick     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Workers           int
	L0Trigger         int
	BaseLevelSize     int64
	LevelMultiplier   int
	TableSize         int64
	BytesPerSec       int64
	Interval          time.Duration
	NumVersionsToKeep int
}

// compactionRun is a job together with the table references it reads.
type compactionRun struct {
	job    *model.CompactionJob
	top    []*sstable.Table
	bottom []*sstable.Table
}

func (r *compactionRun) release() {
	releaseTables(r.top)
	releaseTables(r.bottom)
	r.top, r.bottom = nil, nil
}

// NewCompactionService creates a new compaction service. discardTs reports
// the timestamp at or below which shadowed versions are no longer visible
// to any reader.
func NewCompactionService(cfg *CompactionConfig, sstables *SSTableService, vlog *ValueLogService, discardTs func() uint64,
	hc *health.HealthChecker, m *metrics.Metrics, logger *zap.Logger) *CompactionService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.L0Trigger <= 0 {
		cfg.L0Trigger = 4
	}
	if cfg.LevelMultiplier <= 1 {
		cfg.LevelMultiplier = 10
	}
	if cfg.NumVersionsToKeep <= 0 {
		cfg.NumVersionsToKeep = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	s := &CompactionService{
		config:    cfg,
		sstables:  sstables,
		vlog:      vlog,
		discardTs: discardTs,
		logger:    logger,
		metrics:   m,
		health:    hc,
		inflight:  make(map[string]*compactionRun),
		backoff:   util.Backoff{Initial: time.Second, Max: time.Minute},
		kick:      make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
	if cfg.BytesPerSec > 0 {
		s.limiter.Init(tokenbucket.TokensPerSecond(cfg.BytesPerSec), tokenbucket.Tokens(cfg.BytesPerSec))
	}
	return s
}

// Start launches the workers and the scheduler.
func (s *CompactionService) Start() {
	s.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "compaction",
		MaxWorkers: s.config.Workers,
		QueueSize:  s.config.Workers * 2,
		Logger:     s.logger,
	})

	s.wg.Add(1)
	go s.compactionScheduler()
}

// Trigger asks the scheduler to look for work now.
func (s *CompactionService) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// compactionScheduler periodically checks for compaction opportunities
func (s *CompactionService) compactionScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-s.stopChan:
			return
		}
		s.checkCompactionNeeded()
	}
}

// targetSize returns the size a level >= 1 may hold before compacting.
func (s *CompactionService) targetSize(level int) int64 {
	size := s.config.BaseLevelSize
	for i := 1; i < level; i++ {
		size *= int64(s.config.LevelMultiplier)
	}
	return size
}

// Levels returns per-level table counts, sizes and compaction scores.
func (s *CompactionService) Levels() []model.LevelInfo {
	out := make([]model.LevelInfo, s.sstables.NumLevels())
	for level := range out {
		n, size := s.sstables.LevelSize(level)
		info := model.LevelInfo{Level: level, NumTables: n, Size: size}
		if level == 0 {
			info.Score = float64(n) / float64(s.config.L0Trigger)
		} else {
			info.TargetSize = s.targetSize(level)
			if info.TargetSize > 0 {
				info.Score = float64(size) / float64(info.TargetSize)
			}
		}
		out[level] = info
	}
	return out
}

// PendingCompactions counts levels whose score calls for compaction.
func (s *CompactionService) PendingCompactions() int {
	var n int
	levels := s.Levels()
	for _, info := range levels[:len(levels)-1] {
		if info.Score >= 1 {
			n++
		}
	}
	return n
}

// checkCompactionNeeded queues one job per level whose score is at least 1,
// highest score first.
func (s *CompactionService) checkCompactionNeeded() {
	s.mu.Lock()
	wait := time.Until(s.backoffUntil)
	s.mu.Unlock()
	if wait > 0 {
		return
	}

	levels := s.Levels()
	levels = levels[:len(levels)-1]
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Score > levels[j].Score })

	for _, info := range levels {
		if info.Score < 1 {
			break
		}
		run := s.pickCompaction(info.Level, false)
		if run == nil {
			continue
		}
		run.job.Priority = info.Score

		err := s.pool.Submit(workerpool.Task{
			ID: run.job.JobID,
			Fn: func(ctx context.Context) error {
				return s.executeCompaction(ctx, run)
			},
		})
		if err != nil {
			s.logger.Debug("Compaction not queued", zap.String("job_id", run.job.JobID), zap.Error(err))
			s.unregister(run)
			run.release()
		}
	}
}

// pickCompaction selects inputs for a compaction out of level and registers
// the job. With all set every table of the level and of the next one is
// taken. It returns nil if nothing can run without overlapping an in-flight
// job.
func (s *CompactionService) pickCompaction(level int, all bool) *compactionRun {
	if level >= s.sstables.NumLevels()-1 {
		return nil
	}
	candidates := s.sstables.GetTablesForLevel(level)
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var top []*sstable.Table
	switch {
	case level == 0 || all:
		// Level 0 tables overlap one another, so they are compacted together.
		top = candidates
		candidates = nil
	default:
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Size() > candidates[j].Size() })
		for i, t := range candidates {
			if s.rangeInFlightLocked(level, t.KeyRange()) {
				continue
			}
			top = []*sstable.Table{t}
			candidates = append(candidates[:i:i], candidates[i+1:]...)
			break
		}
	}
	releaseTables(candidates)
	if len(top) == 0 {
		return nil
	}

	var kr model.KeyRange
	for _, t := range top {
		kr = kr.Extend(t.KeyRange())
	}
	var bottom []*sstable.Table
	if all {
		bottom = s.sstables.GetTablesForLevel(level + 1)
	} else {
		bottom = s.sstables.OverlappingTables(level+1, kr)
	}
	for _, t := range bottom {
		kr = kr.Extend(t.KeyRange())
	}

	if s.rangeInFlightLocked(level, kr) || s.rangeInFlightLocked(level+1, kr) {
		releaseTables(top)
		releaseTables(bottom)
		return nil
	}

	job := &model.CompactionJob{
		JobID:       uuid.New().String(),
		Level:       level,
		OutputLevel: level + 1,
		KeyRange:    kr,
		StartedAt:   time.Now(),
		Status:      model.CompactionStatusPending,
	}
	for _, t := range top {
		job.Top = append(job.Top, t.Metadata(level))
	}
	for _, t := range bottom {
		job.Bottom = append(job.Bottom, t.Metadata(level+1))
	}

	run := &compactionRun{job: job, top: top, bottom: bottom}
	s.inflight[job.JobID] = run
	return run
}

// pickLevelRewrite registers a job that rewrites every table of level into
// the same level, so garbage on the deepest level can be dropped.
func (s *CompactionService) pickLevelRewrite(level int) *compactionRun {
	tables := s.sstables.GetTablesForLevel(level)
	if len(tables) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var kr model.KeyRange
	for _, t := range tables {
		kr = kr.Extend(t.KeyRange())
	}
	if s.rangeInFlightLocked(level, kr) {
		releaseTables(tables)
		return nil
	}

	job := &model.CompactionJob{
		JobID:       uuid.New().String(),
		Level:       level,
		OutputLevel: level,
		KeyRange:    kr,
		StartedAt:   time.Now(),
		Status:      model.CompactionStatusPending,
	}
	for _, t := range tables {
		job.Bottom = append(job.Bottom, t.Metadata(level))
	}
	run := &compactionRun{job: job, bottom: tables}
	s.inflight[job.JobID] = run
	return run
}

// rangeInFlightLocked reports whether an in-flight job reads or writes kr on level.
func (s *CompactionService) rangeInFlightLocked(level int, kr model.KeyRange) bool {
	for _, run := range s.inflight {
		j := run.job
		if j.Level != level && j.OutputLevel != level {
			continue
		}
		if j.KeyRange.Overlaps(kr) {
			return true
		}
		// Level 0 tables overlap each other, so one job owns the whole level.
		if level == 0 {
			return true
		}
	}
	return false
}

func (s *CompactionService) unregister(run *compactionRun) {
	s.mu.Lock()
	delete(s.inflight, run.job.JobID)
	s.mu.Unlock()
}

// InFlight returns the number of running or queued jobs.
func (s *CompactionService) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// executeCompaction runs a job and feeds its outcome to the backoff and
// health signal.
func (s *CompactionService) executeCompaction(ctx context.Context, run *compactionRun) error {
	defer s.unregister(run)

	err := s.runCompaction(ctx, run)
	switch {
	case err == nil:
		s.mu.Lock()
		s.backoff.Reset()
		s.backoffUntil = time.Time{}
		s.mu.Unlock()
		if s.health != nil {
			s.health.ReportSuccess(health.ComponentCompaction)
		}
		s.Trigger()
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		s.mu.Lock()
		delay := s.backoff.Next()
		s.backoffUntil = time.Now().Add(delay)
		s.mu.Unlock()
		if s.health != nil {
			s.health.ReportFailure(health.ComponentCompaction, err)
		}
		s.logger.Warn("Compaction failed, backing off",
			zap.String("job_id", run.job.JobID),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return err
	}
}

// runCompaction merges the job's tables into new tables on the output level
// and swaps them in. The input references are handed to the merge iterator.
func (s *CompactionService) runCompaction(ctx context.Context, run *compactionRun) (err error) {
	job := run.job
	start := time.Now()

	s.mu.Lock()
	job.Status = model.CompactionStatusRunning
	top, bottom := run.top, run.bottom
	run.top, run.bottom = nil, nil
	s.mu.Unlock()

	s.logger.Info("Starting compaction",
		zap.String("job_id", job.JobID),
		zap.Int("level", job.Level),
		zap.Int("top_tables", len(job.Top)),
		zap.Int("bottom_tables", len(job.Bottom)),
		zap.Stringer("key_range", job.KeyRange))

	// Step 1: build the merge, newest source first
	sort.Slice(top, func(i, j int) bool { return top[i].ID > top[j].ID })
	var (
		iters      []iterator.Iterator
		inputBytes int64
	)
	for _, t := range top {
		iters = append(iters, iterator.NewConcatIterator([]*sstable.Table{t}))
		inputBytes += t.Size()
	}
	if len(bottom) > 0 {
		iters = append(iters, iterator.NewConcatIterator(bottom))
		for _, t := range bottom {
			inputBytes += t.Size()
		}
	}
	numInputs := len(top) + len(bottom)
	merge := iterator.NewMergeIterator(iters)

	// Step 2: merge into bounded output tables
	outputs, discards, stats, err := s.mergeTables(ctx, job, merge)
	err = multierr.Append(err, merge.Close())
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		abandonTables(outputs)
		if ctx.Err() != nil {
			job.Status = model.CompactionStatusCancelled
			s.recordJob(job, start)
			s.logger.Info("Compaction cancelled", zap.String("job_id", job.JobID))
			return err
		}
		job.Status = model.CompactionStatusFailed
		s.recordJob(job, start)
		return fmt.Errorf("failed to merge tables for job %s: %w", job.JobID, err)
	}

	// Step 3: swap inputs for outputs in one manifest record
	if err := s.sstables.ApplyCompaction(job, outputs); err != nil {
		abandonTables(outputs)
		job.Status = model.CompactionStatusFailed
		s.recordJob(job, start)
		return fmt.Errorf("failed to apply compaction %s: %w", job.JobID, err)
	}

	if s.vlog != nil {
		if err := s.vlog.UpdateDiscardStats(discards); err != nil {
			s.logger.Warn("Failed to persist discard statistics", zap.Error(err))
		}
	}

	job.Status = model.CompactionStatusCompleted
	s.recordJob(job, start)
	if s.metrics != nil {
		s.metrics.CompactionBytesProcessed.Add(float64(inputBytes))
		s.metrics.CompactionBytesWritten.Add(float64(stats.bytesWritten))
		s.metrics.CompactionTablesInput.Observe(float64(numInputs))
	}

	s.logger.Info("Compaction completed",
		zap.String("job_id", job.JobID),
		zap.Int("output_level", job.OutputLevel),
		zap.Int("input_tables", numInputs),
		zap.Int("output_tables", len(outputs)),
		zap.Int("entries_written", stats.entriesWritten),
		zap.Int("versions_dropped", stats.versionsDropped),
		zap.Int("tombstones_removed", stats.tombstonesRemoved),
		zap.Int64("bytes_written", stats.bytesWritten),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *CompactionService) recordJob(job *model.CompactionJob, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.CompactionJobsTotal.WithLabelValues(string(job.Status)).Inc()
	s.metrics.CompactionJobDuration.Observe(time.Since(start).Seconds())
}

// abandonTables deletes outputs of a compaction that never became visible.
func abandonTables(tables []*sstable.Table) {
	for _, t := range tables {
		t.MarkObsolete()
		t.DecrRef()
	}
}

type mergeStats struct {
	entriesWritten    int
	versionsDropped   int
	tombstonesRemoved int
	bytesWritten      int64
}

// mergeTables writes the merged stream to new tables, dropping versions no
// reader can see. Versions above the discard timestamp are always kept. At or
// below it, a key keeps up to NumVersionsToKeep versions, stopping early at a
// version marked discard-earlier; a deleted or expired version there ends the
// key and is itself dropped when no deeper level may still hold the key.
func (s *CompactionService) mergeTables(ctx context.Context, job *model.CompactionJob, it iterator.Iterator) (
	outputs []*sstable.Table, discards map[uint32]int64, stats mergeStats, err error) {

	discardTs := s.discardTs()
	hasOverlap := s.sstables.HasOverlapBelow(job.OutputLevel, job.KeyRange)
	discards = make(map[uint32]int64)

	var (
		w           *sstable.Writer
		wid         uint64
		lastKey     []byte
		skipKey     []byte
		numVersions int
		unthrottled int
	)
	finish := func() error {
		if w == nil {
			return nil
		}
		cur := w
		w = nil
		if cur.Empty() {
			cur.Abort()
			return nil
		}
		t, err := s.sstables.FinishTable(cur, wid)
		if err != nil {
			return err
		}
		outputs = append(outputs, t)
		return nil
	}
	defer func() {
		if err != nil && w != nil {
			w.Abort()
		}
	}()

	drop := func(vs model.ValueStruct) {
		if !vs.IsPointer() {
			return
		}
		if vp, perr := vs.Pointer(); perr == nil {
			discards[vp.Fid] += int64(vp.Len)
		}
	}

	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err = ctx.Err(); err != nil {
			return outputs, discards, stats, err
		}
		key := it.Key()
		vs := it.Value()

		if skipKey != nil && model.SameKey(key, skipKey) {
			stats.versionsDropped++
			drop(vs)
			continue
		}
		skipKey = nil

		if !model.SameKey(key, lastKey) {
			lastKey = model.SafeCopy(lastKey, key)
			numVersions = 0
			// Tables are cut only between user keys so that levels >= 1 never
			// split one key's versions across tables.
			if w != nil && w.EstimatedSize() >= s.config.TableSize {
				if err = finish(); err != nil {
					return outputs, discards, stats, err
				}
			}
		}

		if version := model.ParseTs(key); version <= discardTs {
			numVersions++
			lastValid := vs.Meta&model.BitDiscardEarlierVersions != 0 || numVersions == s.config.NumVersionsToKeep
			expired := model.IsDeletedOrExpired(vs.Meta, vs.ExpiresAt)
			if expired || lastValid {
				skipKey = model.SafeCopy(skipKey, key)
				if expired && !hasOverlap {
					stats.tombstonesRemoved++
					drop(vs)
					continue
				}
			}
		}

		if w == nil {
			if w, wid, err = s.sstables.NewWriter(); err != nil {
				return outputs, discards, stats, err
			}
		}
		if err = w.Add(key, vs); err != nil {
			return outputs, discards, stats, fmt.Errorf("failed to write table %d: %w", wid, err)
		}
		n := len(key) + len(vs.Value)
		stats.entriesWritten++
		stats.bytesWritten += int64(n)

		if s.config.BytesPerSec > 0 {
			if unthrottled += n; unthrottled >= throttleChunk {
				if err = s.limiter.WaitCtx(ctx, tokenbucket.Tokens(unthrottled)); err != nil {
					return outputs, discards, stats, err
				}
				unthrottled = 0
			}
		}
	}

	err = finish()
	return outputs, discards, stats, err
}

// CompactAll merges every level into the next one, down to the deepest
// level holding data, waiting for in-flight jobs on the way. The deepest
// level is rewritten as a whole, in place if nothing was pushed into it.
func (s *CompactionService) CompactAll(ctx context.Context) error {
	last := 1
	for level := s.sstables.NumLevels() - 1; level > 1; level-- {
		if n, _ := s.sstables.LevelSize(level); n > 0 {
			last = level
			break
		}
	}

	rewroteLast := false
	for level := 0; level <= last; level++ {
		if level == last && rewroteLast {
			break
		}
		for {
			if n, _ := s.sstables.LevelSize(level); n == 0 {
				break
			}
			var run *compactionRun
			if level == last {
				run = s.pickLevelRewrite(level)
			} else {
				run = s.pickCompaction(level, true)
			}
			if run == nil {
				if !util.Sleep(ctx, 10*time.Millisecond) {
					return ctx.Err()
				}
				continue
			}
			if err := s.executeCompaction(ctx, run); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if run.job.OutputLevel == last {
				rewroteLast = true
			}
			break
		}
	}
	return nil
}

// Stop cancels running jobs at their next safe point and waits for the
// workers. Cancelled jobs leave their inputs in place.
func (s *CompactionService) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		if s.pool != nil {
			err = s.pool.Stop(timeout)
		}

		// Queued jobs that never started still hold their input references.
		s.mu.Lock()
		for id, run := range s.inflight {
			if run.job.Status == model.CompactionStatusPending {
				run.release()
				delete(s.inflight, id)
			}
		}
		s.mu.Unlock()
	})
	return err
}
