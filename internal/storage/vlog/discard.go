package vlog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/util"
)

// DiscardFileName holds persisted discard statistics.
const DiscardFileName = "DISCARD"

// DiscardStats tracks, per sealed segment, how many bytes compaction found to
// be garbage. It is an estimate that drives GC candidate selection.
type DiscardStats struct {
	path string

	mu    sync.Mutex
	stats map[uint32]int64
	dirty bool
}

// OpenDiscardStats loads dir/DISCARD. A missing file yields empty stats. A
// damaged file also yields empty stats together with a corruption error the
// caller may log and ignore.
func OpenDiscardStats(dir string) (*DiscardStats, error) {
	ds := &DiscardStats{path: filepath.Join(dir, DiscardFileName), stats: make(map[uint32]int64)}
	data, err := os.ReadFile(ds.path)
	if os.IsNotExist(err) {
		return ds, nil
	}
	if err != nil {
		return ds, errors.IOError("failed to read discard stats", err)
	}

	body, ok := util.ValidateAndStripChecksum(data)
	if !ok || len(body) < 4 {
		return ds, errors.CorruptedData("discard stats checksum mismatch", nil)
	}
	n := int(binary.BigEndian.Uint32(body))
	if len(body) != 4+12*n {
		return ds, errors.CorruptedData("discard stats length mismatch", nil)
	}
	for i := 0; i < n; i++ {
		off := 4 + 12*i
		ds.stats[binary.BigEndian.Uint32(body[off:])] = int64(binary.BigEndian.Uint64(body[off+4:]))
	}
	return ds, nil
}

// Update adds discarded bytes for a segment and returns the new total.
func (ds *DiscardStats) Update(fid uint32, discarded int64) int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stats[fid] += discarded
	ds.dirty = true
	return ds.stats[fid]
}

// Get returns the discarded bytes recorded for a segment.
func (ds *DiscardStats) Get(fid uint32) int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.stats[fid]
}

// Remove forgets a segment after it was garbage collected.
func (ds *DiscardStats) Remove(fid uint32) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.stats, fid)
	ds.dirty = true
}

// Candidates returns segments ordered by discarded bytes, largest first.
func (ds *DiscardStats) Candidates() []uint32 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	fids := make([]uint32, 0, len(ds.stats))
	for fid, d := range ds.stats {
		if d > 0 {
			fids = append(fids, fid)
		}
	}
	sort.Slice(fids, func(i, j int) bool {
		if ds.stats[fids[i]] != ds.stats[fids[j]] {
			return ds.stats[fids[i]] > ds.stats[fids[j]]
		}
		return fids[i] < fids[j]
	})
	return fids
}

// Persist writes the stats atomically if they changed.
func (ds *DiscardStats) Persist() error {
	ds.mu.Lock()
	if !ds.dirty {
		ds.mu.Unlock()
		return nil
	}
	fids := make([]uint32, 0, len(ds.stats))
	for fid := range ds.stats {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(fids)))
	for _, fid := range fids {
		buf = binary.BigEndian.AppendUint32(buf, fid)
		buf = binary.BigEndian.AppendUint64(buf, uint64(ds.stats[fid]))
	}
	ds.dirty = false
	ds.mu.Unlock()

	buf = util.AppendChecksum(buf, buf)
	tmp := ds.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.IOError("failed to write discard stats", err)
	}
	if err := os.Rename(tmp, ds.path); err != nil {
		return errors.IOError("failed to install discard stats", err)
	}
	return nil
}
