package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir).WithLogger(zap.NewNop())
	opts.MemTableSize = 1 << 20
	opts.ValueThreshold = 64
	opts.ValueLogSegmentSize = 1 << 20
	opts.TableSize = 256 << 10
	opts.BaseLevelSize = 1 << 20
	opts.BlockCacheSize = 1 << 20
	opts.NumCompactors = 1
	opts.CompactionInterval = time.Hour
	opts.ValueLogGCInterval = 0
	opts.DiskCircuitBreakerThreshold = 99.9
	opts.DiskWarningThreshold = 99
	return opts
}

func openTest(t *testing.T, opts Options) *Engine {
	t.Helper()
	db, err := Open(opts)
	require.NoError(t, err)
	return db
}

func set(t *testing.T, db *Engine, key, value string) {
	t.Helper()
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Set([]byte(key), []byte(value))
	}))
}

func get(t *testing.T, db *Engine, key string) (string, error) {
	t.Helper()
	var out []byte
	err := db.View(func(txn *Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return string(out), err
}

func TestEngine_SetGetDelete(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "answer", "42")
	v, err := get(t, db, "answer")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Delete([]byte("answer"))
	}))
	_, err = get(t, db, "answer")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	_, err = get(t, db, "missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestEngine_ReadYourWrites(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "k", "old")

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Set([]byte("k"), []byte("new")))

	item, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	val, err := item.ValueCopy(nil)
	require.NoError(t, err)
	assert.Equal(t, "new", string(val))

	require.NoError(t, txn.Delete([]byte("k")))
	_, err = txn.Get([]byte("k"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	v, err := get(t, db, "k")
	require.NoError(t, err)
	assert.Equal(t, "old", v)
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "k", "v1")

	reader := db.NewTransaction(false)
	defer reader.Discard()

	set(t, db, "k", "v2")

	item, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	val, err := item.ValueCopy(nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val))

	v, err := get(t, db, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestEngine_Conflict(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "balance", "100")

	t1 := db.NewTransaction(true)
	defer t1.Discard()
	_, err := t1.Get([]byte("balance"))
	require.NoError(t, err)

	set(t, db, "balance", "50")

	require.NoError(t, t1.Set([]byte("balance"), []byte("150")))
	err = t1.Commit()
	assert.True(t, errors.Is(err, ErrConflict))

	v, err := get(t, db, "balance")
	require.NoError(t, err)
	assert.Equal(t, "50", v)
}

func TestEngine_ScanConflict(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "acct:1", "100")
	set(t, db, "acct:2", "200")

	t1 := db.NewTransaction(true)
	defer t1.Discard()
	it := t1.NewIterator(IteratorOptions{Prefix: []byte("acct:")})
	var seen int
	for it.Rewind(); it.Valid(); it.Next() {
		seen++
	}
	require.NoError(t, it.Close())
	require.Equal(t, 2, seen)

	t2 := db.NewTransaction(true)
	defer t2.Discard()
	_, err := t2.Get([]byte("acct:1"))
	require.NoError(t, err)
	require.NoError(t, t2.Set([]byte("acct:1"), []byte("0")))
	require.NoError(t, t2.Commit())

	require.NoError(t, t1.Set([]byte("acct:1"), []byte("300")))
	assert.True(t, errors.Is(t1.Commit(), ErrConflict))

	v, err := get(t, db, "acct:1")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestEngine_ScanOfDeletedKeyConflicts(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "slot", "taken")
	require.NoError(t, db.Update(func(txn *Txn) error { return txn.Delete([]byte("slot")) }))

	t1 := db.NewTransaction(true)
	defer t1.Discard()
	it := t1.NewIterator(DefaultIteratorOptions)
	for it.Rewind(); it.Valid(); it.Next() {
	}
	require.NoError(t, it.Close())

	set(t, db, "slot", "other")

	require.NoError(t, t1.Set([]byte("slot"), []byte("mine")))
	assert.True(t, errors.Is(t1.Commit(), ErrConflict))
}

func TestEngine_NoConflictOnDisjointKeys(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	t1 := db.NewTransaction(true)
	defer t1.Discard()
	_, err := t1.Get([]byte("x"))
	require.True(t, errors.Is(err, ErrKeyNotFound))

	set(t, db, "y", "1")

	require.NoError(t, t1.Set([]byte("x"), []byte("1")))
	assert.NoError(t, t1.Commit())
}

func TestEngine_BlindWritesDoNotConflict(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	t1 := db.NewTransaction(true)
	defer t1.Discard()
	require.NoError(t, t1.Set([]byte("k"), []byte("a")))

	set(t, db, "k", "b")

	require.NoError(t, t1.Commit())
	v, err := get(t, db, "k")
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestEngine_TransactionStates(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	ro := db.NewTransaction(false)
	assert.True(t, errors.Is(ro.Set([]byte("k"), []byte("v")), ErrReadOnlyTxn))
	assert.True(t, errors.Is(ro.Delete([]byte("k")), ErrReadOnlyTxn))
	ro.Discard()
	_, err := ro.Get([]byte("k"))
	assert.True(t, errors.Is(err, ErrDiscardedTxn))

	rw := db.NewTransaction(true)
	require.NoError(t, rw.Set([]byte("k"), []byte("v")))
	require.NoError(t, rw.Commit())
	assert.True(t, errors.Is(rw.Commit(), ErrDiscardedTxn))
	assert.True(t, errors.Is(rw.Set([]byte("k"), []byte("v")), ErrDiscardedTxn))
	rw.Discard()
}

func TestEngine_InvalidKeys(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	err := db.Update(func(txn *Txn) error {
		return txn.Set(nil, []byte("v"))
	})
	assert.True(t, errors.Is(err, ErrEmptyKey))

	err = db.Update(func(txn *Txn) error {
		return txn.Set(append([]byte(nil), model.TxnFinKey...), []byte("v"))
	})
	assert.Error(t, err)
}

func TestEngine_TxnTooBig(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.MemTableSize = 64 << 10
	db := openTest(t, opts)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = txn.Set([]byte(fmt.Sprintf("key-%04d", i)), []byte("value"))
	}
	assert.True(t, errors.Is(err, ErrTxnTooBig))

	// The writes accepted before the limit still commit.
	require.NoError(t, txn.Commit())
	v, err := get(t, db, "key-0000")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestEngine_TTL(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	require.NoError(t, db.Update(func(txn *Txn) error {
		if err := txn.SetEntry(model.NewEntry([]byte("expired"), []byte("v")).WithTTL(-time.Second)); err != nil {
			return err
		}
		return txn.SetEntry(model.NewEntry([]byte("live"), []byte("v")).WithTTL(time.Hour).WithMeta(7))
	}))

	_, err := get(t, db, "expired")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, db.View(func(txn *Txn) error {
		item, err := txn.Get([]byte("live"))
		if err != nil {
			return err
		}
		assert.Equal(t, byte(7), item.UserMeta())
		assert.Greater(t, item.ExpiresAt(), uint64(time.Now().Unix()))
		return nil
	}))
}

func TestEngine_LargeValuesUseValueLog(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	big := bytes.Repeat([]byte("x"), 4096)
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Set([]byte("big"), big)
	}))
	require.NoError(t, db.Flush(context.Background()))

	require.NoError(t, db.View(func(txn *Txn) error {
		item, err := txn.Get([]byte("big"))
		if err != nil {
			return err
		}
		assert.Equal(t, int64(model.ValuePointerSize), item.ValueSize())
		return item.Value(func(val []byte) error {
			assert.Equal(t, big, val)
			return nil
		})
	}))
}

func TestEngine_Iterator(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	for _, k := range []string{"user:1", "user:2", "user:3", "other"} {
		set(t, db, k, "v-"+k)
	}
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Delete([]byte("user:2"))
	}))
	require.NoError(t, db.Flush(context.Background()))
	set(t, db, "user:3", "updated")

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Set([]byte("user:4"), []byte("pending")))

	it := txn.NewIterator(IteratorOptions{Prefix: []byte("user:")})
	var keys, values []string
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		keys = append(keys, string(item.Key()))
		val, err := item.ValueCopy(nil)
		require.NoError(t, err)
		values = append(values, string(val))
	}
	require.NoError(t, it.Close())

	assert.Equal(t, []string{"user:1", "user:3", "user:4"}, keys)
	assert.Equal(t, []string{"v-user:1", "updated", "pending"}, values)
}

func TestEngine_IteratorAllVersions(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	set(t, db, "k", "1")
	set(t, db, "k", "2")
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Delete([]byte("k"))
	}))

	require.NoError(t, db.View(func(txn *Txn) error {
		it := txn.NewIterator(IteratorOptions{AllVersions: true})
		defer it.Close()

		var versions []uint64
		var deleted []bool
		for it.Rewind(); it.Valid(); it.Next() {
			versions = append(versions, it.Item().Version())
			deleted = append(deleted, it.Item().IsDeletedOrExpired())
		}
		require.Len(t, versions, 3)
		assert.Greater(t, versions[0], versions[1])
		assert.Greater(t, versions[1], versions[2])
		assert.Equal(t, []bool{true, false, false}, deleted)
		return nil
	}))
}

func TestEngine_Seek(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	for i := 0; i < 10; i++ {
		set(t, db, fmt.Sprintf("k%02d", i), "v")
	}

	require.NoError(t, db.View(func(txn *Txn) error {
		it := txn.NewIterator(DefaultIteratorOptions)
		defer it.Close()

		it.Seek([]byte("k05"))
		require.True(t, it.Valid())
		assert.Equal(t, "k05", string(it.Item().Key()))

		it.Seek([]byte("k055"))
		require.True(t, it.Valid())
		assert.Equal(t, "k06", string(it.Item().Key()))

		it.Seek([]byte("z"))
		assert.False(t, it.Valid())
		return nil
	}))
}

func TestEngine_IteratorBounds(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		set(t, db, k, k)
	}

	require.NoError(t, db.View(func(txn *Txn) error {
		it := txn.NewIterator(IteratorOptions{Start: []byte("b"), End: []byte("d")})
		defer it.Close()

		var keys []string
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		assert.Equal(t, []string{"b", "c"}, keys)

		it.Seek([]byte("a"))
		require.True(t, it.Valid())
		assert.Equal(t, "b", string(it.Item().Key()))
		return nil
	}))
}

func TestEngine_Reopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	db := openTest(t, opts)
	big := bytes.Repeat([]byte("v"), 1024)
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Update(func(txn *Txn) error {
			return txn.Set([]byte(fmt.Sprintf("key-%03d", i)), big)
		}))
	}
	set(t, db, "small", "s")
	maxVersion := db.MaxVersion()
	require.NoError(t, db.Close())
	assert.True(t, errors.Is(db.Close(), ErrClosed))

	db = openTest(t, opts)
	defer db.Close()

	assert.Equal(t, maxVersion, db.MaxVersion())
	for i := 0; i < 100; i += 17 {
		require.NoError(t, db.View(func(txn *Txn) error {
			item, err := txn.Get([]byte(fmt.Sprintf("key-%03d", i)))
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			assert.Equal(t, big, val)
			return err
		}))
	}
	v, err := get(t, db, "small")
	require.NoError(t, err)
	assert.Equal(t, "s", v)

	txn := db.NewTransaction(true)
	require.NoError(t, txn.Set([]byte("after"), []byte("reopen")))
	ts, err := txn.CommitTs()
	require.NoError(t, err)
	assert.Greater(t, ts, maxVersion)
}

// copyDir snapshots a live data directory, as a crash would leave it.
func copyDir(t *testing.T, src string) string {
	t.Helper()
	dst := t.TempDir()
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, e.Name()), data, 0o644))
	}
	return dst
}

func TestEngine_RecoversUnflushedWrites(t *testing.T) {
	opts := testOptions(t.TempDir())
	db := openTest(t, opts)
	defer db.Close()

	big := bytes.Repeat([]byte("v"), 512)
	for i := 0; i < 20; i++ {
		set(t, db, fmt.Sprintf("key-%02d", i), string(big))
	}
	set(t, db, "small", "s")
	require.NoError(t, db.Update(func(txn *Txn) error { return txn.Delete([]byte("key-00")) }))
	maxVersion := db.MaxVersion()
	require.Equal(t, 0, db.Levels()[0].NumTables, "writes are still only in the log")

	crashed := copyDir(t, opts.Dir)
	check := func(db *Engine) {
		t.Helper()
		assert.GreaterOrEqual(t, db.MaxVersion(), maxVersion)
		_, err := get(t, db, "key-00")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
		v, err := get(t, db, "key-19")
		require.NoError(t, err)
		assert.Equal(t, string(big), v)
		v, err = get(t, db, "small")
		require.NoError(t, err)
		assert.Equal(t, "s", v)
	}

	copyOpts := testOptions(crashed)
	recovered := openTest(t, copyOpts)
	assert.Equal(t, maxVersion, recovered.MaxVersion())
	check(recovered)
	set(t, recovered, "after", "crash")
	require.NoError(t, recovered.Close())

	recovered = openTest(t, copyOpts)
	defer recovered.Close()
	check(recovered)
	v, err := get(t, recovered, "after")
	require.NoError(t, err)
	assert.Equal(t, "crash", v)
}

func TestEngine_DirectoryIsLocked(t *testing.T) {
	opts := testOptions(t.TempDir())
	db := openTest(t, opts)
	defer db.Close()

	_, err := Open(opts)
	assert.Error(t, err)
}

func TestEngine_Compact(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	ctx := context.Background()
	for round := 0; round < 3; round++ {
		require.NoError(t, db.Update(func(txn *Txn) error {
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("key-%04d", i))
				if round == 2 && i%2 == 0 {
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				if err := txn.Set(key, []byte(fmt.Sprintf("round-%d", round))); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, db.Flush(ctx))
	}

	require.NoError(t, db.Compact(ctx))

	levels := db.Levels()
	assert.Equal(t, 0, levels[0].NumTables)
	var deeper int
	for _, l := range levels[1:] {
		deeper += l.NumTables
	}
	assert.Greater(t, deeper, 0)

	_, err := get(t, db, "key-0000")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	v, err := get(t, db, "key-0001")
	require.NoError(t, err)
	assert.Equal(t, "round-2", v)

	require.NoError(t, db.View(func(txn *Txn) error {
		it := txn.NewIterator(DefaultIteratorOptions)
		defer it.Close()
		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		assert.Equal(t, 100, n)
		return nil
	}))
}

func TestEngine_ValueLogGC(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.ValueLogSegmentSize = 4 << 10
	db := openTest(t, opts)
	defer db.Close()

	ctx := context.Background()
	value := func(tag string) []byte {
		return bytes.Repeat([]byte(tag), 1024)
	}

	set(t, db, "keep", string(value("k")))
	for i := 0; i < 6; i++ {
		set(t, db, fmt.Sprintf("churn-%d", i), string(value("a")))
	}
	for i := 0; i < 6; i++ {
		set(t, db, fmt.Sprintf("churn-%d", i), string(value("b")))
	}

	segments := db.ValueLogSegments()
	require.Greater(t, len(segments), 2)
	first := segments[0]

	require.NoError(t, db.GCValueLogSegment(ctx, first))
	assert.NotContains(t, db.ValueLogSegments(), first)

	v, err := get(t, db, "keep")
	require.NoError(t, err)
	assert.Equal(t, string(value("k")), v)
	for i := 0; i < 6; i++ {
		v, err := get(t, db, fmt.Sprintf("churn-%d", i))
		require.NoError(t, err)
		assert.Equal(t, string(value("b")), v)
	}

	// The rewritten value survives a flush and reopen.
	require.NoError(t, db.Close())
	db = openTest(t, opts)
	v, err = get(t, db, "keep")
	require.NoError(t, err)
	assert.Equal(t, string(value("k")), v)
}

func TestEngine_ItemReadableAcrossValueLogGC(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.ValueLogSegmentSize = 4 << 10
	db := openTest(t, opts)
	defer db.Close()

	keep := bytes.Repeat([]byte("k"), 1024)
	set(t, db, "keep", string(keep))
	for i := 0; i < 8; i++ {
		set(t, db, fmt.Sprintf("fill-%d", i), string(bytes.Repeat([]byte("f"), 1024)))
	}
	segments := db.ValueLogSegments()
	require.Greater(t, len(segments), 1)

	txn := db.NewTransaction(false)
	defer txn.Discard()
	item, err := txn.Get([]byte("keep"))
	require.NoError(t, err)

	require.NoError(t, db.GCValueLogSegment(context.Background(), segments[0]))
	assert.NotContains(t, db.ValueLogSegments(), segments[0])

	got, err := item.ValueCopy(nil)
	require.NoError(t, err)
	assert.Equal(t, keep, got)

	v, err := get(t, db, "keep")
	require.NoError(t, err)
	assert.Equal(t, string(keep), v)
}

func TestEngine_RunValueLogGC(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	defer db.Close()

	ctx := context.Background()
	assert.True(t, errors.Is(db.RunValueLogGC(ctx, 0.5), ErrNoRewrite))
	assert.Error(t, db.RunValueLogGC(ctx, 1.5))
}

func TestEngine_ClosedEngine(t *testing.T) {
	db := openTest(t, testOptions(t.TempDir()))
	require.NoError(t, db.Close())

	err := db.Update(func(txn *Txn) error { return nil })
	assert.True(t, errors.Is(err, ErrClosed))
	err = db.View(func(txn *Txn) error { return nil })
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(db.Flush(context.Background()), ErrClosed))
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Options)
	}{
		{"missing dir", func(o *Options) { o.Dir = "" }},
		{"stall below trigger", func(o *Options) { o.L0Stall = o.L0Trigger }},
		{"gc ratio", func(o *Options) { o.ValueLogGCRatio = 1 }},
		{"segment too large", func(o *Options) { o.ValueLogSegmentSize = 1 << 32 }},
		{"compression", func(o *Options) { o.Compression = "lz4" }},
		{"level multiplier", func(o *Options) { o.LevelMultiplier = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t.TempDir())
			tt.modify(&opts)
			_, err := Open(opts)
			assert.Error(t, err)
		})
	}
}
