package service_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/service"
	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
)

func newSSTableService(t *testing.T, dir string) *service.SSTableService {
	t.Helper()
	svc, err := service.NewSSTableService(&service.SSTableConfig{
		BlockSize:          1024,
		BloomFalsePositive: 0.01,
		Compression:        sstable.SnappyCompression,
		TableSize:          1 << 20,
		MaxLevels:          4,
	}, dir, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

type kv struct {
	key     string
	version uint64
	value   string
	meta    byte
}

// writeTable builds a table from entries, which must be in internal key order.
func writeTable(t *testing.T, svc *service.SSTableService, entries []kv) *sstable.Table {
	t.Helper()
	w, id, err := svc.NewWriter()
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(model.KeyWithTs([]byte(e.key), e.version), model.ValueStruct{
			Meta:  e.meta,
			Value: []byte(e.value),
		}))
	}
	tbl, err := svc.FinishTable(w, id)
	require.NoError(t, err)
	return tbl
}

func svcGet(t *testing.T, svc *service.SSTableService, key string, readTs uint64) (model.ValueStruct, bool) {
	t.Helper()
	vs, ok, err := svc.Get(model.KeyWithTs([]byte(key), readTs))
	require.NoError(t, err)
	return vs, ok
}

func TestSSTableService_GetAcrossL0Tables(t *testing.T) {
	svc := newSSTableService(t, t.TempDir())
	defer svc.Close()

	require.NoError(t, svc.AddL0Table(writeTable(t, svc, []kv{
		{key: "a", version: 1, value: "a1"},
		{key: "b", version: 2, value: "b2"},
	})))
	require.NoError(t, svc.AddL0Table(writeTable(t, svc, []kv{
		{key: "a", version: 5, value: "a5"},
		{key: "c", version: 4, value: "c4"},
	})))

	vs, ok := svcGet(t, svc, "a", 10)
	require.True(t, ok)
	assert.Equal(t, "a5", string(vs.Value))
	assert.Equal(t, uint64(5), vs.Version)

	vs, ok = svcGet(t, svc, "a", 3)
	require.True(t, ok)
	assert.Equal(t, "a1", string(vs.Value))

	_, ok = svcGet(t, svc, "c", 3)
	assert.False(t, ok)
	_, ok = svcGet(t, svc, "zz", 10)
	assert.False(t, ok)

	n, size := svc.LevelSize(0)
	assert.Equal(t, 2, n)
	assert.Greater(t, size, int64(0))
	assert.Equal(t, uint64(5), svc.MaxVersion())
}

func TestSSTableService_ReopenFromManifest(t *testing.T) {
	dir := t.TempDir()
	svc := newSSTableService(t, dir)
	require.NoError(t, svc.AddL0Table(writeTable(t, svc, []kv{{key: "k", version: 7, value: "v"}})))

	// A table that never reached the manifest.
	orphan := writeTable(t, svc, []kv{{key: "x", version: 8, value: "lost"}})
	orphanPath := svc.TablePath(orphan.ID)
	require.NoError(t, orphan.DecrRef())
	require.NoError(t, svc.Close())

	svc = newSSTableService(t, dir)
	defer svc.Close()

	vs, ok := svcGet(t, svc, "k", 100)
	require.True(t, ok)
	assert.Equal(t, "v", string(vs.Value))
	assert.Equal(t, uint64(7), svc.MaxVersion())
	assert.Equal(t, 1, svc.NumTables())

	_, err := os.Stat(orphanPath)
	assert.True(t, os.IsNotExist(err))

	// New ids never reuse the orphan's id.
	assert.Greater(t, svc.NewTableID(), orphan.ID)
}

func TestSSTableService_MissingTableIsCorruption(t *testing.T) {
	dir := t.TempDir()
	svc := newSSTableService(t, dir)
	tbl := writeTable(t, svc, []kv{{key: "k", version: 1, value: "v"}})
	require.NoError(t, svc.AddL0Table(tbl))
	path := svc.TablePath(tbl.ID)
	require.NoError(t, svc.Close())

	require.NoError(t, os.Remove(path))
	_, err := service.NewSSTableService(&service.SSTableConfig{MaxLevels: 4}, dir, nil, nil, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsCorruption(err))
}

func TestSSTableService_ApplyCompaction(t *testing.T) {
	svc := newSSTableService(t, t.TempDir())
	defer svc.Close()

	t1 := writeTable(t, svc, []kv{{key: "a", version: 1, value: "old"}})
	t2 := writeTable(t, svc, []kv{{key: "a", version: 2, value: "new"}, {key: "b", version: 2, value: "b"}})
	require.NoError(t, svc.AddL0Table(t1))
	require.NoError(t, svc.AddL0Table(t2))
	oldPaths := []string{svc.TablePath(t1.ID), svc.TablePath(t2.ID)}

	out := writeTable(t, svc, []kv{{key: "a", version: 2, value: "new"}, {key: "b", version: 2, value: "b"}})
	job := &model.CompactionJob{
		JobID:       "test",
		Level:       0,
		OutputLevel: 1,
		Top:         []*model.TableMetadata{t1.Metadata(0), t2.Metadata(0)},
	}
	require.NoError(t, svc.ApplyCompaction(job, []*sstable.Table{out}))

	n, _ := svc.LevelSize(0)
	assert.Equal(t, 0, n)
	n, _ = svc.LevelSize(1)
	assert.Equal(t, 1, n)

	for _, p := range oldPaths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}

	vs, ok := svcGet(t, svc, "a", 10)
	require.True(t, ok)
	assert.Equal(t, "new", string(vs.Value))
	assert.True(t, svc.HasOverlapBelow(0, out.KeyRange()))
	assert.False(t, svc.HasOverlapBelow(1, out.KeyRange()))
}

func TestSSTableService_ReadersKeepCompactedTables(t *testing.T) {
	svc := newSSTableService(t, t.TempDir())
	defer svc.Close()

	t1 := writeTable(t, svc, []kv{{key: "a", version: 1, value: "v"}})
	require.NoError(t, svc.AddL0Table(t1))
	path := svc.TablePath(t1.ID)

	iters := svc.NewIterators()
	require.Len(t, iters, 1)

	out := writeTable(t, svc, []kv{{key: "a", version: 1, value: "v"}})
	require.NoError(t, svc.ApplyCompaction(&model.CompactionJob{
		Level: 0, OutputLevel: 1, Top: []*model.TableMetadata{t1.Metadata(0)},
	}, []*sstable.Table{out}))

	_, err := os.Stat(path)
	require.NoError(t, err, "table must survive while an iterator holds it")

	iters[0].SeekToFirst()
	require.True(t, iters[0].Valid())
	assert.Equal(t, "a", string(model.ParseKey(iters[0].Key())))
	require.NoError(t, iters[0].Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSSTableService_DeeperLevelLookup(t *testing.T) {
	svc := newSSTableService(t, t.TempDir())
	defer svc.Close()

	var tables []*sstable.Table
	var top []*model.TableMetadata
	for i := 0; i < 3; i++ {
		l0 := writeTable(t, svc, []kv{{key: fmt.Sprintf("k%d", i), version: 1, value: "x"}})
		require.NoError(t, svc.AddL0Table(l0))
		top = append(top, l0.Metadata(0))
		tables = append(tables, writeTable(t, svc, []kv{{key: fmt.Sprintf("k%d", i), version: 1, value: fmt.Sprintf("v%d", i)}}))
	}
	require.NoError(t, svc.ApplyCompaction(&model.CompactionJob{Level: 0, OutputLevel: 1, Top: top}, tables))

	for i := 0; i < 3; i++ {
		vs, ok := svcGet(t, svc, fmt.Sprintf("k%d", i), 5)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(vs.Value))
	}
	_, ok := svcGet(t, svc, "k15", 5)
	assert.False(t, ok)

	level1 := svc.GetTablesForLevel(1)
	require.Len(t, level1, 3)
	for i := 1; i < len(level1); i++ {
		assert.Less(t, string(level1[i-1].Smallest()), string(level1[i].Smallest()))
	}
	for _, tbl := range level1 {
		require.NoError(t, tbl.DecrRef())
	}
}
