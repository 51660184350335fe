package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

func appendEntries(t *testing.T, lf *LogFile, n int) []uint32 {
	t.Helper()
	var offsets []uint32
	for i := 0; i < n; i++ {
		key := model.KeyWithTs([]byte{'k', byte('a' + i)}, uint64(i+1))
		buf := AppendRecord(nil, key, []byte("value"), model.BitTxn, 0, 0)
		off, err := lf.Append(buf)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	return offsets
}

func TestRecord_EncodeDecode(t *testing.T) {
	key := model.KeyWithTs([]byte("user:1"), 9)
	buf := AppendRecord(nil, key, []byte("hello"), model.BitDelete, 7, 1234)
	assert.Equal(t, EncodedRecordSize(len(key), 5, 1234), len(buf))

	rec, n, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, []byte("hello"), rec.Value)
	assert.Equal(t, model.BitDelete, rec.Meta)
	assert.Equal(t, byte(7), rec.UserMeta)
	assert.Equal(t, uint64(1234), rec.ExpiresAt)
	assert.Equal(t, uint64(9), rec.ValueStruct().Version)

	buf[len(buf)-6] ^= 0xff
	_, _, err = DecodeRecord(buf)
	assert.ErrorIs(t, err, ErrChecksum)

	_, _, err = DecodeRecord(buf[:5])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestLogFile_AppendAndIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.mem")
	lf, err := Create(path, 1, KindWAL)
	require.NoError(t, err)
	defer lf.Close()

	offsets := appendEntries(t, lf, 10)
	require.NoError(t, lf.Sync())

	var seen []model.ValuePointer
	end, err := lf.Iterate(0, func(rec Record, vp model.ValuePointer) error {
		seen = append(seen, vp)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, lf.Size(), end)
	require.Len(t, seen, 10)
	for i, vp := range seen {
		assert.Equal(t, offsets[i], vp.Offset)
		assert.Equal(t, uint32(1), vp.Fid)
	}
}

func TestLogFile_TornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.mem")
	lf, err := Create(path, 1, KindWAL)
	require.NoError(t, err)

	appendEntries(t, lf, 3)
	validEnd := lf.Size()
	partial := AppendRecord(nil, model.KeyWithTs([]byte("torn"), 4), []byte("xxxxxxxx"), 0, 0, 0)
	_, err = lf.Append(partial[:len(partial)-5])
	require.NoError(t, err)
	require.NoError(t, lf.Close())

	lf, err = Open(path, 1, KindWAL)
	require.NoError(t, err)
	defer lf.Close()

	count := 0
	end, err := lf.Iterate(0, func(Record, model.ValuePointer) error { count++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, validEnd, end)
}

func TestLogFile_MidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.mem")
	lf, err := Create(path, 1, KindWAL)
	require.NoError(t, err)
	offsets := appendEntries(t, lf, 5)
	require.NoError(t, lf.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[offsets[1]+6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lf, err = Open(path, 1, KindWAL)
	require.NoError(t, err)
	defer lf.Close()

	_, err = lf.Iterate(0, func(Record, model.ValuePointer) error { return nil })
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestLogFile_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.vlog")
	require.NoError(t, os.WriteFile(path, []byte("not a log file"), 0o644))

	_, err := Open(path, 1, KindValueLog)
	assert.ErrorIs(t, err, ErrBadHeader)
}
