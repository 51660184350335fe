package vlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/wal"
)

func appendValue(t *testing.T, s *Segment, key string, ts uint64, value []byte) model.ValuePointer {
	t.Helper()
	buf := wal.AppendRecord(nil, model.KeyWithTs([]byte(key), ts), value, 0, 0, 0)
	off, err := s.Append(buf)
	require.NoError(t, err)
	return model.ValuePointer{Fid: s.Fid, Offset: off, Len: uint32(len(buf))}
}

func TestSegment_ReadActiveAndSealed(t *testing.T) {
	dir := t.TempDir()
	s, err := CreateSegment(dir, 1)
	require.NoError(t, err)

	vp := appendValue(t, s, "big", 3, []byte("a large value"))

	rec, err := s.Read(vp)
	require.NoError(t, err)
	assert.Equal(t, "a large value", string(rec.Value))
	assert.False(t, s.Sealed())

	require.NoError(t, s.Seal())
	assert.True(t, s.Sealed())
	rec, err = s.Read(vp)
	require.NoError(t, err)
	assert.Equal(t, "big", string(model.ParseKey(rec.Key)))
	assert.Equal(t, uint64(3), model.ParseTs(rec.Key))

	require.NoError(t, s.DecrRef())
}

func TestSegment_ReadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := CreateSegment(dir, 1)
	require.NoError(t, err)
	vp := appendValue(t, s, "k", 1, []byte("value-bytes"))
	require.NoError(t, s.DecrRef())

	path := SegmentPath(dir, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[vp.Offset+vp.Len-6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err = OpenSegment(dir, 1)
	require.NoError(t, err)
	defer s.DecrRef()
	require.NoError(t, s.Seal())

	_, err = s.Read(vp)
	assert.True(t, errors.IsCorruption(err))

	_, err = s.Read(model.ValuePointer{Fid: 1, Offset: vp.Offset, Len: 1 << 20})
	assert.True(t, errors.IsCorruption(err))
}

func TestSegment_DeletionDeferredUntilReleased(t *testing.T) {
	dir := t.TempDir()
	s, err := CreateSegment(dir, 2)
	require.NoError(t, err)
	vp := appendValue(t, s, "k", 1, []byte("v"))
	require.NoError(t, s.Seal())

	s.IncrRef() // a reader
	s.MarkObsolete()
	require.NoError(t, s.DecrRef())

	_, err = os.Stat(SegmentPath(dir, 2))
	require.NoError(t, err)
	_, err = s.Read(vp)
	require.NoError(t, err)

	require.NoError(t, s.DecrRef())
	_, err = os.Stat(SegmentPath(dir, 2))
	assert.True(t, os.IsNotExist(err))
}

func TestDiscardStats_PersistAndCandidates(t *testing.T) {
	dir := t.TempDir()
	ds, err := OpenDiscardStats(dir)
	require.NoError(t, err)

	ds.Update(1, 100)
	ds.Update(2, 500)
	ds.Update(3, 50)
	assert.Equal(t, int64(150), ds.Update(1, 50))
	ds.Remove(3)
	require.NoError(t, ds.Persist())

	loaded, err := OpenDiscardStats(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 1}, loaded.Candidates())
	assert.Equal(t, int64(500), loaded.Get(2))

	require.NoError(t, os.WriteFile(loaded.path, []byte("garbage!"), 0o644))
	reset, err := OpenDiscardStats(dir)
	assert.True(t, errors.IsCorruption(err))
	assert.Empty(t, reset.Candidates())
}
