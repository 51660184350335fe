package iterator

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/sstable"
)

func kv(key string, ts uint64, val string) KV {
	return KV{Key: model.KeyWithTs([]byte(key), ts), Value: model.ValueStruct{Value: []byte(val)}}
}

func collect(it Iterator) []string {
	var out []string
	for ; it.Valid(); it.Next() {
		out = append(out, fmt.Sprintf("%s@%d=%s", model.ParseKey(it.Key()), model.ParseTs(it.Key()), it.Value().Value))
	}
	return out
}

func TestMergeIterator_OrdersAndDeduplicates(t *testing.T) {
	newer := NewSliceIterator([]KV{kv("a", 3, "a3"), kv("c", 1, "c1-new")})
	older := NewSliceIterator([]KV{kv("a", 1, "a1"), kv("b", 2, "b2"), kv("c", 1, "c1-old")})

	m := NewMergeIterator([]Iterator{newer, older})
	defer m.Close()

	m.SeekToFirst()
	assert.Equal(t, []string{"a@3=a3", "a@1=a1", "b@2=b2", "c@1=c1-new"}, collect(m))
}

func TestMergeIterator_Seek(t *testing.T) {
	m := NewMergeIterator([]Iterator{
		NewSliceIterator([]KV{kv("a", 1, "1"), kv("d", 1, "4")}),
		NewSliceIterator([]KV{kv("b", 1, "2"), kv("c", 1, "3")}),
	})
	m.Seek(model.KeyWithTs([]byte("b"), 5))
	assert.Equal(t, []string{"b@1=2", "c@1=3", "d@1=4"}, collect(m))
}

func TestMergeIterator_Empty(t *testing.T) {
	m := NewMergeIterator(nil)
	m.SeekToFirst()
	assert.False(t, m.Valid())
	assert.NoError(t, m.Close())
}

func writeTable(t *testing.T, dir string, id uint64, keys ...string) *sstable.Table {
	t.Helper()
	path := filepath.Join(dir, model.TableFileName(id))
	w, err := sstable.NewWriter(path, id, sstable.DefaultOptions())
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, w.Add(model.KeyWithTs([]byte(k), 1), model.ValueStruct{Value: []byte(k)}))
	}
	_, _, err = w.Finish()
	require.NoError(t, err)
	tbl, err := sstable.Open(path, id, sstable.OpenOptions{})
	require.NoError(t, err)
	return tbl
}

func TestConcatIterator(t *testing.T) {
	dir := t.TempDir()
	t1 := writeTable(t, dir, 1, "a", "b")
	t2 := writeTable(t, dir, 2, "d", "e")
	t3 := writeTable(t, dir, 3, "g")

	c := NewConcatIterator([]*sstable.Table{t1, t2, t3})
	c.SeekToFirst()
	assert.Equal(t, []string{"a@1=a", "b@1=b", "d@1=d", "e@1=e", "g@1=g"}, collect(c))

	c.Seek(model.KeyWithTs([]byte("c"), 9))
	assert.Equal(t, []string{"d@1=d", "e@1=e", "g@1=g"}, collect(c))

	c.Seek(model.KeyWithTs([]byte("z"), 9))
	assert.False(t, c.Valid())

	require.NoError(t, c.Close())
	assert.Equal(t, int32(0), t1.Refs())
}
