package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
)

func TestWaterMark_DoneUntilWaitsForLowerIndices(t *testing.T) {
	w := NewWaterMark("test", 0)
	w.Begin(1)
	w.Begin(2)
	w.Begin(3)

	w.Done(2)
	assert.Equal(t, uint64(0), w.DoneUntil())

	w.Done(1)
	assert.Equal(t, uint64(2), w.DoneUntil())

	min, ok := w.MinPending()
	require.True(t, ok)
	assert.Equal(t, uint64(3), min)

	w.Done(3)
	assert.Equal(t, uint64(3), w.DoneUntil())
	_, ok = w.MinPending()
	assert.False(t, ok)
}

func TestWaterMark_RepeatedIndex(t *testing.T) {
	w := NewWaterMark("test", 4)
	w.Begin(5)
	w.Begin(5)
	w.Done(5)
	assert.Equal(t, uint64(4), w.DoneUntil())
	w.Done(5)
	assert.Equal(t, uint64(5), w.DoneUntil())
}

func TestWaterMark_WaitForMark(t *testing.T) {
	w := NewWaterMark("test", 0)
	w.Begin(1)

	done := make(chan error, 1)
	go func() { done <- w.WaitForMark(context.Background(), 1) }()

	select {
	case <-done:
		t.Fatal("wait returned before the mark was reached")
	case <-time.After(20 * time.Millisecond):
	}

	w.Done(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Begin(2)
	assert.ErrorIs(t, w.WaitForMark(ctx, 2), context.Canceled)
}

func commit(t *testing.T, o *Oracle, readTs uint64, reads, writes []uint64) (uint64, error) {
	t.Helper()
	ts, err := o.NewCommitTs(readTs, reads, writes)
	o.DoneRead(readTs)
	if err == nil {
		o.DoneCommit(ts)
	}
	return ts, err
}

func TestOracle_TimestampsIncrease(t *testing.T) {
	o := NewOracle(10, true)
	assert.Equal(t, uint64(10), o.ReadTs())

	ts1, err := commit(t, o, 10, nil, []uint64{Fingerprint([]byte("a"))})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), ts1)

	readTs := o.ReadTs()
	assert.Equal(t, uint64(11), readTs)
	ts2, err := commit(t, o, readTs, nil, []uint64{Fingerprint([]byte("a"))})
	require.NoError(t, err)
	assert.Greater(t, ts2, ts1)
	assert.Equal(t, ts2, o.MaxCommitted())
}

func TestOracle_FirstCommitterWins(t *testing.T) {
	o := NewOracle(0, true)
	k := Fingerprint([]byte("K"))

	r1 := o.ReadTs()
	r2 := o.ReadTs()

	_, err := commit(t, o, r1, []uint64{k}, []uint64{k})
	require.NoError(t, err)

	_, err = commit(t, o, r2, []uint64{k}, []uint64{k})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestOracle_NoConflictOnDisjointKeys(t *testing.T) {
	o := NewOracle(0, true)
	a, b := Fingerprint([]byte("a")), Fingerprint([]byte("b"))

	r1 := o.ReadTs()
	r2 := o.ReadTs()
	_, err := commit(t, o, r1, []uint64{a}, []uint64{a})
	require.NoError(t, err)
	_, err = commit(t, o, r2, []uint64{b}, []uint64{b})
	require.NoError(t, err)
}

func TestOracle_ConflictDetectionDisabled(t *testing.T) {
	o := NewOracle(0, false)
	k := Fingerprint([]byte("K"))
	r1 := o.ReadTs()
	r2 := o.ReadTs()
	_, err := commit(t, o, r1, []uint64{k}, []uint64{k})
	require.NoError(t, err)
	_, err = commit(t, o, r2, []uint64{k}, []uint64{k})
	require.NoError(t, err)
	assert.Equal(t, 0, o.PendingCommits())
}

func TestOracle_WatermarkTracksOldestReader(t *testing.T) {
	o := NewOracle(0, true)
	k := Fingerprint([]byte("k"))

	_, err := commit(t, o, o.ReadTs(), nil, []uint64{k}) // ts 1
	require.NoError(t, err)

	snapshot := o.ReadTs()                              // holds 1
	_, err = commit(t, o, o.ReadTs(), nil, []uint64{k}) // ts 2
	require.NoError(t, err)
	_, err = commit(t, o, o.ReadTs(), nil, []uint64{k}) // ts 3
	require.NoError(t, err)

	assert.Equal(t, uint64(1), o.Watermark())

	o.DoneRead(snapshot)
	assert.Equal(t, uint64(3), o.Watermark())
	assert.Equal(t, 0, o.PendingCommits())
}

func TestOracle_AbandonedCommitDoesNotConflict(t *testing.T) {
	o := NewOracle(0, true)
	k := Fingerprint([]byte("k"))

	reader := o.ReadTs()
	writer := o.ReadTs()
	ts, err := o.NewCommitTs(writer, nil, []uint64{k})
	require.NoError(t, err)
	o.DoneRead(writer)
	assert.Equal(t, 1, o.PendingCommits())

	// The write set never became durable.
	o.AbandonCommit(ts)
	assert.Equal(t, 0, o.PendingCommits())
	assert.Equal(t, ts, o.MaxCommitted())

	_, err = commit(t, o, reader, []uint64{k}, []uint64{k})
	assert.NoError(t, err)
}

func TestOracle_ConcurrentCommitsAreUnique(t *testing.T) {
	o := NewOracle(0, true)
	const n = 50

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			readTs := o.ReadTs()
			ts, err := commit(t, o, readTs, nil, []uint64{uint64(i)})
			if err != nil {
				return
			}
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, uint64(n), o.MaxCommitted())
	require.NoError(t, o.WaitForCommits(context.Background()))
}
