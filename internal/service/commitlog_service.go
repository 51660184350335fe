package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/memtable"
	"github.com/devrev/pairdb/storage-engine/internal/storage/wal"
	"github.com/devrev/pairdb/storage-engine/internal/util"
)

const walFileExt = ".mem"

// CommitLogService owns the write-ahead log files. Each memtable has its own
// WAL file, named by a monotonically increasing file id; the file is retired
// once the memtable is persisted as a table.
type CommitLogService struct {
	config  *CommitLogConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	dataDir string

	mu      sync.Mutex
	nextFid uint32
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SyncWrites bool
}

// NewCommitLogService creates a new commit log service
func NewCommitLogService(cfg *CommitLogConfig, dataDir string, m *metrics.Metrics, logger *zap.Logger) *CommitLogService {
	return &CommitLogService{
		config:  cfg,
		logger:  logger,
		metrics: m,
		dataDir: dataDir,
		nextFid: 1,
	}
}

// WALPath returns the path of the WAL with the given file id.
func (s *CommitLogService) WALPath(fid uint32) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%06d%s", fid, walFileExt))
}

// listWALs returns the ids of existing WAL files in ascending order.
func (s *CommitLogService) listWALs() ([]uint32, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, errors.IOError("failed to list data directory", err)
	}
	var fids []uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, walFileExt) {
			continue
		}
		fid, err := strconv.ParseUint(strings.TrimSuffix(name, walFileExt), 10, 32)
		if err != nil {
			s.logger.Warn("Ignoring unrecognised WAL file", zap.String("file", name))
			continue
		}
		fids = append(fids, uint32(fid))
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids, nil
}

// Recover replays every WAL on disk, in file order, into its own memtable.
// Corruption in a WAL is fatal: the engine cannot know what it lost.
func (s *CommitLogService) Recover() ([]*memtable.MemTable, error) {
	s.logger.Info("Starting commit log recovery", zap.String("dir", s.dataDir))

	fids, err := s.listWALs()
	if err != nil {
		return nil, err
	}

	mts := make([]*memtable.MemTable, 0, len(fids))
	recovered := 0
	for _, fid := range fids {
		lf, err := wal.Open(s.WALPath(fid), fid, wal.KindWAL)
		if err != nil {
			closeMemTables(mts)
			return nil, errors.CorruptedData(fmt.Sprintf("failed to open WAL %d", fid), err)
		}
		mt := memtable.New(lf)
		count, err := mt.Replay()
		if err != nil {
			lf.Close()
			closeMemTables(mts)
			return nil, errors.CorruptedData(fmt.Sprintf("failed to replay WAL %d", fid), err).
				WithDetail("fid", fid)
		}
		recovered += count
		mts = append(mts, mt)

		s.mu.Lock()
		if fid >= s.nextFid {
			s.nextFid = fid + 1
		}
		s.mu.Unlock()
	}

	s.logger.Info("Commit log recovery completed",
		zap.Int("wal_files", len(fids)),
		zap.Int("entries", recovered))
	return mts, nil
}

func closeMemTables(mts []*memtable.MemTable) {
	for _, mt := range mts {
		mt.Close()
	}
}

// NewMemTable creates a fresh WAL file and an empty memtable on top of it.
func (s *CommitLogService) NewMemTable() (*memtable.MemTable, error) {
	s.mu.Lock()
	fid := s.nextFid
	s.nextFid++
	s.mu.Unlock()

	lf, err := wal.Create(s.WALPath(fid), fid, wal.KindWAL)
	if err != nil {
		return nil, errors.CommitLogFailed("failed to create WAL", err)
	}
	if err := util.SyncDir(s.dataDir); err != nil {
		lf.Delete()
		return nil, errors.CommitLogFailed("failed to sync data directory", err)
	}

	s.logger.Debug("Opened new WAL", zap.Uint32("fid", fid))
	return memtable.New(lf), nil
}

// Append writes a batch to the memtable's WAL and applies it. A failed
// append or fsync aborts the batch and is reported.
func (s *CommitLogService) Append(mt *memtable.MemTable, entries []*model.Entry) error {
	start := time.Now()
	if err := mt.WriteBatch(entries, s.config.SyncWrites); err != nil {
		return errors.CommitLogFailed("failed to append to WAL", err).
			WithDetail("fid", mt.ID())
	}
	if s.metrics != nil {
		s.metrics.CommitLogSyncDuration.Observe(time.Since(start).Seconds())
		if s.config.SyncWrites {
			s.metrics.CommitLogSyncsTotal.Inc()
		}
	}
	return nil
}
