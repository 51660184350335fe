package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/tokenbucket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/vlog"
	"github.com/devrev/pairdb/storage-engine/internal/storage/wal"
	"github.com/devrev/pairdb/storage-engine/internal/util"
)

const (
	segmentFileExt = ".vlog"

	gcBatchEntries = 1000
	gcBatchBytes   = 4 << 20
)

// ValueLogConfig holds value log configuration
type ValueLogConfig struct {
	Threshold     int64
	SegmentSize   int64
	MaxEntries    uint32
	SyncWrites    bool
	GCBytesPerSec int64
}

// LookupFunc returns the newest version of an internal key's user key at or
// below its version, as the read path sees it.
type LookupFunc func(key []byte) (model.ValueStruct, bool, error)

// RewriteFunc durably writes entries that keep their existing versions.
type RewriteFunc func(entries []*model.Entry) error

// ValueLogService stores large values out of the tree. Writes come only from
// the write pipeline; reads run concurrently with writes and GC.
type ValueLogService struct {
	config  *ValueLogConfig
	dataDir string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	segments *xsync.MapOf[uint32, *vlog.Segment]
	active   *vlog.Segment
	buf      []byte

	discard *vlog.DiscardStats

	// Segments dropped by GC stay readable until no reader is pinned.
	pinMu    sync.Mutex
	pinned   int
	obsolete *xsync.MapOf[uint32, *vlog.Segment]

	gcRunning atomic.Bool
	gcLimiter tokenbucket.TokenBucket
}

// NewValueLogService opens existing segments, seals them and starts a fresh
// active segment.
func NewValueLogService(cfg *ValueLogConfig, dataDir string, m *metrics.Metrics, logger *zap.Logger) (*ValueLogService, error) {
	s := &ValueLogService{
		config:   cfg,
		dataDir:  dataDir,
		logger:   logger,
		metrics:  m,
		segments: xsync.NewMapOf[uint32, *vlog.Segment](),
		obsolete: xsync.NewMapOf[uint32, *vlog.Segment](),
	}
	if cfg.GCBytesPerSec > 0 {
		s.gcLimiter.Init(tokenbucket.TokensPerSecond(cfg.GCBytesPerSec), tokenbucket.Tokens(cfg.GCBytesPerSec))
	}

	ds, err := vlog.OpenDiscardStats(dataDir)
	if err != nil {
		if !errors.IsCorruption(err) {
			return nil, err
		}
		s.logger.Warn("Discarding damaged discard statistics", zap.Error(err))
	}
	s.discard = ds

	fids, err := s.listSegments()
	if err != nil {
		return nil, err
	}
	var maxFid uint32
	for i, fid := range fids {
		seg, err := vlog.OpenSegment(dataDir, fid)
		if err != nil {
			s.closeSegments()
			return nil, errors.IOError(fmt.Sprintf("failed to open value log %d", fid), err)
		}
		if i == len(fids)-1 {
			// The newest segment may end in a torn append that no WAL record refers to.
			end, err := seg.Iterate(0, func(wal.Record, model.ValuePointer) error { return nil })
			if err == nil && end < seg.Size() {
				err = seg.Truncate(end)
			}
			if err != nil {
				seg.DecrRef()
				s.closeSegments()
				return nil, errors.CorruptedData(fmt.Sprintf("value log %d", fid), err)
			}
		}
		if err := seg.Seal(); err != nil {
			seg.DecrRef()
			s.closeSegments()
			return nil, err
		}
		s.segments.Store(fid, seg)
		maxFid = fid
	}

	if err := s.createActive(maxFid + 1); err != nil {
		s.closeSegments()
		return nil, err
	}
	s.logger.Info("Opened value log",
		zap.Int("segments", s.segments.Size()),
		zap.Uint32("active_fid", maxFid+1))
	return s, nil
}

func (s *ValueLogService) listSegments() ([]uint32, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, errors.IOError("failed to list data directory", err)
	}
	var fids []uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentFileExt) {
			continue
		}
		fid, err := strconv.ParseUint(strings.TrimSuffix(name, segmentFileExt), 10, 32)
		if err != nil {
			continue
		}
		fids = append(fids, uint32(fid))
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids, nil
}

func (s *ValueLogService) createActive(fid uint32) error {
	seg, err := vlog.CreateSegment(s.dataDir, fid)
	if err != nil {
		return errors.IOError(fmt.Sprintf("failed to create value log %d", fid), err)
	}
	if err := util.SyncDir(s.dataDir); err != nil {
		seg.DecrRef()
		return errors.IOError("failed to sync data directory", err)
	}
	s.segments.Store(fid, seg)
	s.active = seg
	if s.metrics != nil {
		s.metrics.ValueLogSegments.Set(float64(s.segments.Size()))
	}
	return nil
}

// Threshold is the value size at or above which values go to the log.
func (s *ValueLogService) Threshold() int64 {
	return s.config.Threshold
}

// ActiveFid returns the id of the segment taking appends.
func (s *ValueLogService) ActiveFid() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Fid
}

// Write appends the values of entries at or above the threshold and sets
// their pointers. Entries must carry internal keys. Called only from the
// write pipeline.
func (s *ValueLogService) Write(entries []*model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var written int
	for _, e := range entries {
		if e.Meta&(model.BitDelete|model.BitFinTxn) != 0 || int64(len(e.Value)) < s.config.Threshold {
			continue
		}
		if err := s.maybeRollover(); err != nil {
			return err
		}
		s.buf = wal.AppendRecord(s.buf[:0], e.Key, e.Value, e.Meta, e.UserMeta, e.ExpiresAt)
		offset, err := s.active.Append(s.buf)
		if err != nil {
			s.active.Truncate(offset)
			return errors.IOError("failed to append to value log", err)
		}
		e.SetPointer(model.ValuePointer{Fid: s.active.Fid, Offset: offset, Len: uint32(len(s.buf))})
		s.active.AddEntries(1)
		written += len(s.buf)
	}
	if written == 0 {
		return nil
	}
	if s.config.SyncWrites {
		if err := s.active.Sync(); err != nil {
			return errors.IOError("failed to sync value log", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ValueLogBytesWritten.Add(float64(written))
	}
	return nil
}

func (s *ValueLogService) maybeRollover() error {
	if int64(s.active.Size()) < s.config.SegmentSize &&
		(s.config.MaxEntries == 0 || s.active.Entries() < s.config.MaxEntries) {
		return nil
	}
	old := s.active
	if err := old.Seal(); err != nil {
		return err
	}
	if err := s.createActive(old.Fid + 1); err != nil {
		return err
	}
	s.logger.Debug("Rolled over value log", zap.Uint32("sealed_fid", old.Fid), zap.Uint32("active_fid", s.active.Fid))
	return nil
}

// Sync flushes the active segment.
func (s *ValueLogService) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Sync()
}

// Pin keeps segments dropped by GC on disk until the returned func is called.
// Readers that may hold pointers from an older snapshot pin for their lifetime.
func (s *ValueLogService) Pin() func() {
	s.pinMu.Lock()
	s.pinned++
	s.pinMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(s.unpin)
	}
}

func (s *ValueLogService) unpin() {
	s.pinMu.Lock()
	s.pinned--
	var release []*vlog.Segment
	if s.pinned == 0 {
		release = s.takeObsoleteLocked()
	}
	s.pinMu.Unlock()

	for _, seg := range release {
		if err := seg.DecrRef(); err != nil {
			s.logger.Warn("Failed to release value log", zap.Uint32("fid", seg.Fid), zap.Error(err))
		}
	}
}

// takeObsoleteLocked empties the obsolete table. pinMu must be held.
func (s *ValueLogService) takeObsoleteLocked() []*vlog.Segment {
	var out []*vlog.Segment
	s.obsolete.Range(func(_ uint32, seg *vlog.Segment) bool {
		out = append(out, seg)
		return true
	})
	s.obsolete.Clear()
	return out
}

// Read resolves a pointer. The record key must belong to the same user key
// as key. Pointers into segments already rewritten by GC resolve while any
// reader is pinned.
func (s *ValueLogService) Read(key []byte, vp model.ValuePointer) ([]byte, error) {
	s.mu.RLock()
	seg, ok := s.segments.Load(vp.Fid)
	if !ok {
		s.pinMu.Lock()
		seg, ok = s.obsolete.Load(vp.Fid)
		if ok {
			seg.IncrRef()
		}
		s.pinMu.Unlock()
	} else {
		seg.IncrRef()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errors.CorruptedData(fmt.Sprintf("value log %d not found for pointer %s", vp.Fid, vp), nil).
			WithDetail("fid", vp.Fid)
	}
	defer seg.DecrRef()

	rec, err := seg.Read(vp)
	if err != nil {
		return nil, err
	}
	if key != nil && !bytes.Equal(model.ParseKey(rec.Key), model.ParseKey(key)) {
		return nil, errors.CorruptedData(fmt.Sprintf("value pointer %s refers to another key", vp), nil)
	}
	return rec.Value, nil
}

// UpdateDiscardStats records value log garbage found by compaction.
func (s *ValueLogService) UpdateDiscardStats(stats map[uint32]int64) error {
	if len(stats) == 0 {
		return nil
	}
	for fid, n := range stats {
		if _, ok := s.segments.Load(fid); !ok {
			continue
		}
		s.discard.Update(fid, n)
	}
	return s.discard.Persist()
}

// DiscardStats returns the discard estimate of a segment.
func (s *ValueLogService) DiscardStats(fid uint32) int64 {
	return s.discard.Get(fid)
}

// SegmentIDs returns the ids of all live segments in ascending order.
func (s *ValueLogService) SegmentIDs() []uint32 {
	var fids []uint32
	s.segments.Range(func(fid uint32, _ *vlog.Segment) bool {
		fids = append(fids, fid)
		return true
	})
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids
}

// pickForGC returns the sealed segment with the most discard, provided its
// discarded share is at least ratio. Only that one segment is considered.
func (s *ValueLogService) pickForGC(ratio float64) (*vlog.Segment, bool) {
	activeFid := s.ActiveFid()
	for _, fid := range s.discard.Candidates() {
		if fid >= activeFid {
			continue
		}
		s.mu.RLock()
		seg, ok := s.segments.Load(fid)
		if ok {
			seg.IncrRef()
		}
		s.mu.RUnlock()
		if !ok {
			s.discard.Remove(fid)
			continue
		}
		size := int64(seg.Size()) - wal.HeaderSize
		if size > 0 && float64(s.discard.Get(fid)) >= ratio*float64(size) {
			return seg, true
		}
		seg.DecrRef()
		return nil, false
	}
	return nil, false
}

// RunGC rewrites the live entries of one segment whose discarded share is at
// least ratio, then drops the segment. It returns ErrRejected if a GC is
// already running and ErrNoRewrite if no segment qualified.
func (s *ValueLogService) RunGC(ctx context.Context, ratio float64, lookup LookupFunc, rewrite RewriteFunc) error {
	if ratio <= 0 || ratio >= 1 {
		return errors.InvalidArgument(fmt.Sprintf("gc ratio %v must be in (0, 1)", ratio), nil)
	}
	if !s.gcRunning.CompareAndSwap(false, true) {
		return errors.ErrRejected
	}
	defer s.gcRunning.Store(false)

	seg, ok := s.pickForGC(ratio)
	if !ok {
		s.recordGC("no_rewrite")
		return errors.ErrNoRewrite
	}
	defer seg.DecrRef()

	if err := s.rewriteSegment(ctx, seg, lookup, rewrite); err != nil {
		s.recordGC("error")
		return err
	}
	s.dropSegment(seg)
	s.recordGC("success")
	return nil
}

// GCSegment rewrites the live entries of a specific sealed segment regardless
// of its discard statistics.
func (s *ValueLogService) GCSegment(ctx context.Context, fid uint32, lookup LookupFunc, rewrite RewriteFunc) error {
	if !s.gcRunning.CompareAndSwap(false, true) {
		return errors.ErrRejected
	}
	defer s.gcRunning.Store(false)

	if fid >= s.ActiveFid() {
		return errors.InvalidArgument(fmt.Sprintf("value log %d is not sealed", fid), nil)
	}
	s.mu.RLock()
	seg, ok := s.segments.Load(fid)
	if ok {
		seg.IncrRef()
	}
	s.mu.RUnlock()
	if !ok {
		return errors.ErrNoRewrite
	}
	defer seg.DecrRef()

	if err := s.rewriteSegment(ctx, seg, lookup, rewrite); err != nil {
		s.recordGC("error")
		return err
	}
	s.dropSegment(seg)
	s.recordGC("success")
	return nil
}

func (s *ValueLogService) recordGC(result string) {
	if s.metrics != nil {
		s.metrics.ValueLogGCRunsTotal.WithLabelValues(result).Inc()
	}
}

func (s *ValueLogService) rewriteSegment(ctx context.Context, seg *vlog.Segment, lookup LookupFunc, rewrite RewriteFunc) error {
	start := time.Now()
	var (
		batch      []*model.Entry
		batchBytes int
		total      int
		kept       int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := rewrite(batch); err != nil {
			return fmt.Errorf("failed to rewrite value log %d: %w", seg.Fid, err)
		}
		kept += len(batch)
		batch, batchBytes = nil, 0
		return nil
	}

	_, err := seg.Iterate(0, func(rec wal.Record, vp model.ValuePointer) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.config.GCBytesPerSec > 0 {
			if err := s.gcLimiter.WaitCtx(ctx, tokenbucket.Tokens(vp.Len)); err != nil {
				return err
			}
		}
		total++

		live, err := s.isLive(rec, vp, lookup)
		if err != nil || !live {
			return err
		}
		batch = append(batch, &model.Entry{
			Key:       bytes.Clone(rec.Key),
			Value:     bytes.Clone(rec.Value),
			Meta:      rec.Meta &^ (model.BitValuePointer | model.BitTxn | model.BitFinTxn),
			UserMeta:  rec.UserMeta,
			ExpiresAt: rec.ExpiresAt,
			Version:   model.ParseTs(rec.Key),
		})
		batchBytes += len(rec.Key) + len(rec.Value)
		if len(batch) >= gcBatchEntries || batchBytes >= gcBatchBytes {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ValueLogGCRewritten.Add(float64(kept))
	}
	s.logger.Info("Rewrote value log",
		zap.Uint32("fid", seg.Fid),
		zap.Int("entries", total),
		zap.Int("rewritten", kept),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// isLive reports whether the read path still resolves rec's version through vp.
func (s *ValueLogService) isLive(rec wal.Record, vp model.ValuePointer, lookup LookupFunc) (bool, error) {
	if rec.Meta&model.BitFinTxn != 0 {
		return false, nil
	}
	vs, found, err := lookup(rec.Key)
	if err != nil || !found {
		return false, err
	}
	if vs.Version != model.ParseTs(rec.Key) {
		return false, nil
	}
	if model.IsDeletedOrExpired(vs.Meta, vs.ExpiresAt) || !vs.IsPointer() {
		return false, nil
	}
	cur, err := vs.Pointer()
	if err != nil {
		return false, err
	}
	return cur.Fid == vp.Fid && cur.Offset == vp.Offset, nil
}

// dropSegment removes a rewritten segment from the handle table and deletes
// it once no pinned reader can still hold pointers into it.
func (s *ValueLogService) dropSegment(seg *vlog.Segment) {
	seg.MarkObsolete()

	s.mu.Lock()
	s.segments.Delete(seg.Fid)
	s.pinMu.Lock()
	deferred := s.pinned > 0
	if deferred {
		s.obsolete.Store(seg.Fid, seg)
	}
	s.pinMu.Unlock()
	s.mu.Unlock()

	s.discard.Remove(seg.Fid)
	if err := s.discard.Persist(); err != nil {
		s.logger.Warn("Failed to persist discard statistics", zap.Error(err))
	}
	if !deferred {
		if err := seg.DecrRef(); err != nil {
			s.logger.Warn("Failed to release value log", zap.Uint32("fid", seg.Fid), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.ValueLogSegments.Set(float64(s.segments.Size()))
	}
}

func (s *ValueLogService) closeSegments() error {
	var err error
	s.segments.Range(func(fid uint32, seg *vlog.Segment) bool {
		err = multierr.Append(err, seg.DecrRef())
		return true
	})
	s.segments.Clear()
	return err
}

// Close syncs the active segment, persists discard statistics and releases
// every segment.
func (s *ValueLogService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.active != nil {
		err = s.active.Sync()
	}
	err = multierr.Append(err, s.discard.Persist())

	s.pinMu.Lock()
	pending := s.takeObsoleteLocked()
	s.pinMu.Unlock()
	for _, seg := range pending {
		err = multierr.Append(err, seg.DecrRef())
	}
	return multierr.Append(err, s.closeSegments())
}
