package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
)

type mapCache struct {
	mu   sync.Mutex
	data map[uint64]interface{}
	hits int
}

func (c *mapCache) Get(key uint64) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *mapCache) Set(key uint64, value interface{}, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func buildTable(t *testing.T, dir string, id uint64, opts Options, n int) string {
	t.Helper()
	path := filepath.Join(dir, model.TableFileName(id))
	w, err := NewWriter(path, id, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		// Two versions per key, newest first.
		require.NoError(t, w.Add(model.KeyWithTs(key, 20), model.ValueStruct{Value: []byte(fmt.Sprintf("new-%d", i))}))
		require.NoError(t, w.Add(model.KeyWithTs(key, 10), model.ValueStruct{Value: []byte(fmt.Sprintf("old-%d", i))}))
	}
	props, size, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint32(2*n), props.NumEntries)
	assert.Equal(t, uint64(20), props.MaxVersion)
	assert.Positive(t, size)
	return path
}

func TestTable_WriteAndGet(t *testing.T) {
	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Compression = c
			opts.BlockSize = 256
			path := buildTable(t, t.TempDir(), 7, opts, 500)

			tbl, err := Open(path, 7, OpenOptions{VerifyChecksums: true})
			require.NoError(t, err)
			defer tbl.DecrRef()

			assert.Equal(t, "key-00000", string(model.ParseKey(tbl.Smallest())))
			assert.Equal(t, "key-00499", string(model.ParseKey(tbl.Largest())))

			vs, ok, err := tbl.Get(model.KeyWithTs([]byte("key-00123"), 25))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "new-123", string(vs.Value))
			assert.Equal(t, uint64(20), vs.Version)

			vs, ok, err = tbl.Get(model.KeyWithTs([]byte("key-00123"), 15))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "old-123", string(vs.Value))

			_, ok, err = tbl.Get(model.KeyWithTs([]byte("key-00123"), 5))
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = tbl.Get(model.KeyWithTs([]byte("missing"), 25))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTable_IteratorSeek(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 128
	path := buildTable(t, t.TempDir(), 1, opts, 100)
	tbl, err := Open(path, 1, OpenOptions{})
	require.NoError(t, err)
	defer tbl.DecrRef()

	it := tbl.NewIterator()
	count := 0
	var prev []byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil {
			require.Less(t, model.CompareKeys(prev, it.Key()), 0)
		}
		prev = append(prev[:0], it.Key()...)
		count++
	}
	require.NoError(t, it.Close())
	assert.Equal(t, 200, count)

	it = tbl.NewIterator()
	defer it.Close()
	it.Seek(model.KeyWithTs([]byte("key-00050x"), 100))
	require.True(t, it.Valid())
	assert.Equal(t, "key-00051", string(model.ParseKey(it.Key())))

	it.Seek(model.KeyWithTs([]byte("zzz"), 100))
	assert.False(t, it.Valid())
}

func TestTable_RefCountingDefersDeletion(t *testing.T) {
	path := buildTable(t, t.TempDir(), 3, DefaultOptions(), 10)
	tbl, err := Open(path, 3, OpenOptions{})
	require.NoError(t, err)

	it := tbl.NewIterator()
	tbl.MarkObsolete()
	require.NoError(t, tbl.DecrRef())

	_, err = os.Stat(path)
	require.NoError(t, err, "file must survive while an iterator holds it")

	it.SeekToFirst()
	assert.True(t, it.Valid())
	require.NoError(t, it.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTable_CorruptBlockIsDetected(t *testing.T) {
	opts := DefaultOptions()
	opts.Compression = NoCompression
	path := buildTable(t, t.TempDir(), 4, opts, 50)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[20] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, 4, OpenOptions{VerifyChecksums: true})
	require.Error(t, err)
	assert.True(t, errors.IsCorruption(err))

	tbl, err := Open(path, 4, OpenOptions{})
	require.NoError(t, err)
	defer tbl.DecrRef()
	_, _, err = tbl.Get(model.KeyWithTs([]byte("key-00000"), 25))
	assert.True(t, errors.IsCorruption(err))
}

func TestTable_WrongIDIsCorruption(t *testing.T) {
	path := buildTable(t, t.TempDir(), 5, DefaultOptions(), 5)
	_, err := Open(path, 6, OpenOptions{})
	assert.True(t, errors.IsCorruption(err))
}

func TestTable_BlockCache(t *testing.T) {
	path := buildTable(t, t.TempDir(), 9, DefaultOptions(), 20)
	cache := &mapCache{data: map[uint64]interface{}{}}
	tbl, err := Open(path, 9, OpenOptions{Cache: cache})
	require.NoError(t, err)
	defer tbl.DecrRef()

	for i := 0; i < 2; i++ {
		_, ok, err := tbl.Get(model.KeyWithTs([]byte("key-00001"), 25))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 1, cache.hits)
}

func TestWriter_RejectsOutOfOrderKeys(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "x.sst"), 1, DefaultOptions())
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(model.KeyWithTs([]byte("b"), 1), model.ValueStruct{}))
	assert.Error(t, w.Add(model.KeyWithTs([]byte("a"), 1), model.ValueStruct{}))
}

func TestBloomFilter(t *testing.T) {
	var hashes []uint64
	for i := 0; i < 1000; i++ {
		hashes = append(hashes, Hash([]byte(fmt.Sprintf("present-%d", i))))
	}
	bf := DecodeBloomFilter(NewBloomFilter(hashes, 0.01).Encode())

	for _, h := range hashes {
		require.True(t, bf.MayContain(h))
	}
	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.MayContain(Hash([]byte(fmt.Sprintf("absent-%d", i)))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 300)
}
