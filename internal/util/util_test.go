package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := &Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 50*time.Millisecond, b.Next())
	assert.Equal(t, 50*time.Millisecond, b.Next())
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
	assert.True(t, Sleep(context.Background(), time.Millisecond))
}

func TestDirLock_Exclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireDirLock(dir)
	require.NoError(t, err)

	_, err = AcquireDirLock(dir)
	assert.Error(t, err)

	require.NoError(t, lock.Release())

	lock2, err := AcquireDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestSyncDir(t *testing.T) {
	assert.NoError(t, SyncDir(t.TempDir()))
	assert.Error(t, SyncDir("/nonexistent/path/for/test"))
}
