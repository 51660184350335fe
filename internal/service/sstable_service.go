package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/iterator"
	"github.com/devrev/pairdb/storage-engine/internal/storage/manifest"
	"github.com/devrev/pairdb/storage-engine/internal/storage/memtable"
	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
)

const tableFileExt = ".sst"

// SSTableService is the level manager: it owns the open tables, the level
// set and the manifest that persists it. Tables are reference counted; the
// level set holds one reference per table and every reader takes its own.
type SSTableService struct {
	config  *SSTableConfig
	dataDir string
	logger  *zap.Logger
	metrics *metrics.Metrics
	cache   sstable.BlockCache

	manifest *manifest.File
	levels   []*levelHandler
	tables   *xsync.MapOf[uint64, *sstable.Table]

	nextID     atomic.Uint64
	maxVersion atomic.Uint64
}

// SSTableConfig holds SSTable configuration
type SSTableConfig struct {
	BlockSize                int
	BloomFalsePositive       float64
	Compression              sstable.Compression
	TableSize                int64
	VerifyOnOpen             bool
	MaxLevels                int
	ManifestRewriteThreshold int
	OpenConcurrency          int
}

// levelHandler holds the tables of one level. Level 0 is ordered by table
// id (flush order); deeper levels are ordered by smallest key and never
// overlap.
type levelHandler struct {
	level int

	mu        sync.RWMutex
	tables    []*sstable.Table
	totalSize int64
}

func (h *levelHandler) sortTables() {
	if h.level == 0 {
		sort.Slice(h.tables, func(i, j int) bool { return h.tables[i].ID < h.tables[j].ID })
		return
	}
	sort.Slice(h.tables, func(i, j int) bool {
		return model.CompareKeys(h.tables[i].Smallest(), h.tables[j].Smallest()) < 0
	})
}

// NewSSTableService replays the manifest, removes table files the manifest
// does not reference and opens the rest in parallel.
func NewSSTableService(cfg *SSTableConfig, dataDir string, cache sstable.BlockCache, m *metrics.Metrics, logger *zap.Logger) (*SSTableService, error) {
	if cfg.MaxLevels < 2 {
		cfg.MaxLevels = 7
	}
	if cfg.OpenConcurrency <= 0 {
		cfg.OpenConcurrency = 8
	}

	mf, err := manifest.Open(dataDir, cfg.ManifestRewriteThreshold, logger)
	if err != nil {
		return nil, err
	}

	s := &SSTableService{
		config:   cfg,
		dataDir:  dataDir,
		logger:   logger,
		metrics:  m,
		cache:    cache,
		manifest: mf,
		levels:   make([]*levelHandler, cfg.MaxLevels),
		tables:   xsync.NewMapOf[uint64, *sstable.Table](),
	}
	for i := range s.levels {
		s.levels[i] = &levelHandler{level: i}
	}

	if err := s.load(mf.Manifest()); err != nil {
		s.closeTables()
		mf.Close()
		return nil, err
	}
	return s, nil
}

// TablePath returns the file path of a table id.
func (s *SSTableService) TablePath(id uint64) string {
	return filepath.Join(s.dataDir, model.TableFileName(id))
}

func (s *SSTableService) load(mft manifest.Manifest) error {
	start := time.Now()

	// Step 1: reconcile the directory with the manifest
	onDisk, err := s.listTableFiles()
	if err != nil {
		return err
	}
	for id := range mft.Tables {
		if _, ok := onDisk[id]; !ok {
			return errors.CorruptedData(fmt.Sprintf("table %d referenced by manifest is missing", id), nil).
				WithDetail("table_id", id)
		}
	}
	var maxID uint64
	for id := range onDisk {
		if id > maxID {
			maxID = id
		}
		if _, ok := mft.Tables[id]; ok {
			continue
		}
		s.logger.Info("Removing table not referenced by manifest", zap.Uint64("table_id", id))
		if err := os.Remove(s.TablePath(id)); err != nil {
			return errors.IOError("failed to remove unreferenced table", err)
		}
	}
	if mid := mft.MaxTableID(); mid > maxID {
		maxID = mid
	}
	s.nextID.Store(maxID + 1)

	// Step 2: open referenced tables in parallel
	var g errgroup.Group
	g.SetLimit(s.config.OpenConcurrency)
	var mu sync.Mutex
	for id, tm := range mft.Tables {
		id, tm := id, tm
		g.Go(func() error {
			t, err := sstable.Open(s.TablePath(id), id, sstable.OpenOptions{
				VerifyChecksums: s.config.VerifyOnOpen,
				Cache:           s.cache,
			})
			if err != nil {
				return err
			}
			if tm.Level >= len(s.levels) {
				t.DecrRef()
				return errors.CorruptedData(fmt.Sprintf("table %d is on level %d beyond max levels", id, tm.Level), nil)
			}
			s.tables.Store(id, t)
			mu.Lock()
			h := s.levels[tm.Level]
			h.tables = append(h.tables, t)
			h.totalSize += t.Size()
			mu.Unlock()
			s.bumpMaxVersion(t.MaxVersion())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, h := range s.levels {
		h.sortTables()
	}
	if err := s.validateLevels(); err != nil {
		return err
	}

	s.updateLevelMetrics()
	s.logger.Info("Opened tables",
		zap.Int("tables", len(mft.Tables)),
		zap.Uint64("max_version", s.maxVersion.Load()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *SSTableService) listTableFiles() (map[uint64]struct{}, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, errors.IOError("failed to list data directory", err)
	}
	ids := make(map[uint64]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, tableFileExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, tableFileExt), 10, 64)
		if err != nil {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

// validateLevels checks that no two tables of a level >= 1 overlap.
func (s *SSTableService) validateLevels() error {
	for _, h := range s.levels[1:] {
		for i := 1; i < len(h.tables); i++ {
			prev, cur := h.tables[i-1], h.tables[i]
			if model.CompareUserKeys(prev.Largest(), cur.Smallest()) >= 0 {
				return errors.CorruptedData(fmt.Sprintf("tables %d and %d overlap on level %d", prev.ID, cur.ID, h.level), nil)
			}
		}
	}
	return nil
}

func (s *SSTableService) bumpMaxVersion(v uint64) {
	for {
		cur := s.maxVersion.Load()
		if v <= cur || s.maxVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

// NewTableID allocates a table id.
func (s *SSTableService) NewTableID() uint64 {
	return s.nextID.Add(1) - 1
}

// MaxVersion returns the highest version stored in any table.
func (s *SSTableService) MaxVersion() uint64 {
	return s.maxVersion.Load()
}

// NumLevels returns the configured number of levels.
func (s *SSTableService) NumLevels() int {
	return len(s.levels)
}

// NewWriter creates a table writer for a fresh table id.
func (s *SSTableService) NewWriter() (*sstable.Writer, uint64, error) {
	id := s.NewTableID()
	w, err := sstable.NewWriter(s.TablePath(id), id, sstable.Options{
		BlockSize:          s.config.BlockSize,
		BloomFalsePositive: s.config.BloomFalsePositive,
		Compression:        s.config.Compression,
	})
	if err != nil {
		return nil, 0, errors.IOError("failed to create table", err)
	}
	return w, id, nil
}

// FinishTable completes a writer and opens the result.
func (s *SSTableService) FinishTable(w *sstable.Writer, id uint64) (*sstable.Table, error) {
	if _, _, err := w.Finish(); err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to finish table %d", id), err)
	}
	t, err := sstable.Open(s.TablePath(id), id, sstable.OpenOptions{Cache: s.cache})
	if err != nil {
		os.Remove(s.TablePath(id))
		return nil, err
	}
	return t, nil
}

// WriteFromMemTable writes a memtable's contents into a new table. The table
// is not yet part of the level set.
func (s *SSTableService) WriteFromMemTable(mt *memtable.MemTable) (*sstable.Table, error) {
	w, id, err := s.NewWriter()
	if err != nil {
		return nil, err
	}

	it := mt.NewIterator()
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abort()
			return nil, errors.IOError(fmt.Sprintf("failed to write table %d", id), err)
		}
	}
	return s.FinishTable(w, id)
}

// AddL0Table records a flushed table in the manifest and publishes it on level 0.
func (s *SSTableService) AddL0Table(t *sstable.Table) error {
	cs := &manifest.ChangeSet{Changes: []manifest.Change{
		manifest.AddTable(t.ID, 0, t.Smallest(), t.Largest(), t.MaxVersion()),
	}}
	if err := s.manifest.Apply(cs); err != nil {
		return err
	}

	s.tables.Store(t.ID, t)
	h := s.levels[0]
	h.mu.Lock()
	h.tables = append(h.tables, t)
	h.totalSize += t.Size()
	h.mu.Unlock()

	s.bumpMaxVersion(t.MaxVersion())
	s.updateLevelMetrics()
	return nil
}

// ApplyCompaction atomically swaps a compaction's inputs for its outputs:
// one manifest record, then one in-memory swap under both level locks.
// Inputs are marked obsolete and deleted once their last reader is gone.
func (s *SSTableService) ApplyCompaction(job *model.CompactionJob, outputs []*sstable.Table) error {
	cs := &manifest.ChangeSet{}
	removed := make(map[uint64]struct{}, len(job.Top)+len(job.Bottom))
	for _, tm := range append(append([]*model.TableMetadata{}, job.Top...), job.Bottom...) {
		cs.Changes = append(cs.Changes, manifest.RemoveTable(tm.ID))
		removed[tm.ID] = struct{}{}
	}
	for _, t := range outputs {
		cs.Changes = append(cs.Changes, manifest.AddTable(t.ID, job.OutputLevel, t.Smallest(), t.Largest(), t.MaxVersion()))
	}
	if err := s.manifest.Apply(cs); err != nil {
		return err
	}

	src, dst := s.levels[job.Level], s.levels[job.OutputLevel]
	src.mu.Lock()
	if dst != src {
		dst.mu.Lock()
	}

	var old []*sstable.Table
	for _, h := range []*levelHandler{src, dst} {
		kept := h.tables[:0]
		for _, t := range h.tables {
			if _, ok := removed[t.ID]; ok {
				old = append(old, t)
				h.totalSize -= t.Size()
				continue
			}
			kept = append(kept, t)
		}
		for i := len(kept); i < len(h.tables); i++ {
			h.tables[i] = nil
		}
		h.tables = kept
		if dst == src {
			break
		}
	}
	for _, t := range outputs {
		s.tables.Store(t.ID, t)
		dst.tables = append(dst.tables, t)
		dst.totalSize += t.Size()
	}
	dst.sortTables()

	if dst != src {
		dst.mu.Unlock()
	}
	src.mu.Unlock()

	var err error
	for _, t := range old {
		s.tables.Delete(t.ID)
		t.MarkObsolete()
		err = multierr.Append(err, t.DecrRef())
	}
	s.updateLevelMetrics()
	if err != nil {
		s.logger.Warn("Failed to release compacted tables", zap.Error(err))
	}
	return nil
}

// Get searches every level for the newest version of key's user key at or
// below key's version. Level 0 is searched newest table first; on deeper
// levels at most one table can hold the key.
func (s *SSTableService) Get(key []byte) (model.ValueStruct, bool, error) {
	userKey := model.ParseKey(key)
	readTs := model.ParseTs(key)

	var (
		best  model.ValueStruct
		found bool
	)
	consider := func(t *sstable.Table) (bool, error) {
		if s.metrics != nil {
			s.metrics.SSTableReadsTotal.Inc()
		}
		vs, ok, err := t.Get(key)
		if err != nil {
			return false, err
		}
		if ok && (!found || vs.Version > best.Version) {
			best, found = vs, true
		}
		return found && best.Version == readTs, nil
	}

	for _, h := range s.levels {
		tables := h.candidates(userKey)
		done := false
		var err error
		for i, t := range tables {
			if done, err = consider(t); err != nil || done {
				releaseTables(tables[i:])
				break
			}
			t.DecrRef()
		}
		if err != nil {
			return model.ValueStruct{}, false, err
		}
		if done {
			break
		}
	}
	return best, found, nil
}

// candidates returns referenced tables of the level that may hold userKey,
// newest first for level 0.
func (h *levelHandler) candidates(userKey []byte) []*sstable.Table {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.level == 0 {
		var out []*sstable.Table
		for i := len(h.tables) - 1; i >= 0; i-- {
			t := h.tables[i]
			if t.ContainsUserKey(userKey) && t.MayContain(userKey) {
				t.IncrRef()
				out = append(out, t)
			}
		}
		return out
	}

	i := sort.Search(len(h.tables), func(i int) bool {
		return bytes.Compare(model.ParseKey(h.tables[i].Largest()), userKey) >= 0
	})
	if i >= len(h.tables) {
		return nil
	}
	t := h.tables[i]
	if !t.ContainsUserKey(userKey) || !t.MayContain(userKey) {
		return nil
	}
	t.IncrRef()
	return []*sstable.Table{t}
}

func releaseTables(tables []*sstable.Table) {
	for _, t := range tables {
		t.DecrRef()
	}
}

// NewIterators returns one iterator per level-0 table, newest first,
// followed by one concatenating iterator per deeper level. Each iterator
// holds references on its tables until closed.
func (s *SSTableService) NewIterators() []iterator.Iterator {
	var iters []iterator.Iterator
	for _, h := range s.levels {
		h.mu.RLock()
		if h.level == 0 {
			for i := len(h.tables) - 1; i >= 0; i-- {
				iters = append(iters, h.tables[i].NewIterator())
			}
		} else if len(h.tables) > 0 {
			tables := make([]*sstable.Table, len(h.tables))
			copy(tables, h.tables)
			for _, t := range tables {
				t.IncrRef()
			}
			iters = append(iters, iterator.NewConcatIterator(tables))
		}
		h.mu.RUnlock()
	}
	return iters
}

// GetTablesForLevel returns referenced tables of a level in level order.
// Callers release them with DecrRef.
func (s *SSTableService) GetTablesForLevel(level int) []*sstable.Table {
	h := s.levels[level]
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*sstable.Table, len(h.tables))
	copy(out, h.tables)
	for _, t := range out {
		t.IncrRef()
	}
	return out
}

// OverlappingTables returns referenced tables of a level whose user key
// range intersects kr.
func (s *SSTableService) OverlappingTables(level int, kr model.KeyRange) []*sstable.Table {
	h := s.levels[level]
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*sstable.Table
	for _, t := range h.tables {
		if t.KeyRange().Overlaps(kr) {
			t.IncrRef()
			out = append(out, t)
		}
	}
	return out
}

// HasOverlapBelow reports whether any level deeper than level holds keys in kr.
func (s *SSTableService) HasOverlapBelow(level int, kr model.KeyRange) bool {
	for _, h := range s.levels[level+1:] {
		h.mu.RLock()
		for _, t := range h.tables {
			if t.KeyRange().Overlaps(kr) {
				h.mu.RUnlock()
				return true
			}
		}
		h.mu.RUnlock()
	}
	return false
}

// LevelSize returns the table count and total bytes of a level.
func (s *SSTableService) LevelSize(level int) (int, int64) {
	h := s.levels[level]
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tables), h.totalSize
}

// Table looks up an open table by id.
func (s *SSTableService) Table(id uint64) (*sstable.Table, bool) {
	return s.tables.Load(id)
}

// NumTables returns the number of live tables.
func (s *SSTableService) NumTables() int {
	return s.tables.Size()
}

func (s *SSTableService) updateLevelMetrics() {
	if s.metrics == nil {
		return
	}
	for _, h := range s.levels {
		n, size := s.LevelSize(h.level)
		lvl := strconv.Itoa(h.level)
		s.metrics.SSTableCountByLevel.WithLabelValues(lvl).Set(float64(n))
		s.metrics.SSTableSizeByLevel.WithLabelValues(lvl).Set(float64(size))
	}
}

func (s *SSTableService) closeTables() error {
	var err error
	for _, h := range s.levels {
		h.mu.Lock()
		for _, t := range h.tables {
			err = multierr.Append(err, t.DecrRef())
		}
		h.tables = nil
		h.totalSize = 0
		h.mu.Unlock()
	}
	s.tables.Clear()
	return err
}

// Close checkpoints the manifest and releases the level set's table references.
func (s *SSTableService) Close() error {
	err := s.manifest.Rewrite()
	err = multierr.Append(err, s.closeTables())
	return multierr.Append(err, s.manifest.Close())
}
