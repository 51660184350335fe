package diskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
)

func newTestManager(t *testing.T, usage float64, available uint64) *DiskManager {
	t.Helper()
	dm, err := NewDiskManager(DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	dm.statfs = func(string) (DiskUsageStats, error) {
		return DiskUsageStats{UsagePercent: usage, AvailableBytes: available}, nil
	}
	require.NoError(t, dm.ForceCheck())
	return dm
}

func TestDiskManager_RealFilesystem(t *testing.T) {
	dm, err := NewDiskManager(DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	stats := dm.GetDiskUsage()
	assert.False(t, stats.LastCheck.IsZero())
	assert.Greater(t, stats.AvailableBytes, uint64(0))
}

func TestDiskManager_CircuitBreaker(t *testing.T) {
	dm := newTestManager(t, 97, 1<<30)

	err := dm.CheckBeforeWrite(10)
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))
	assert.True(t, dm.GetDiskUsage().IsCircuitBroken)
}

func TestDiskManager_InsufficientSpace(t *testing.T) {
	dm := newTestManager(t, 50, 100)

	assert.NoError(t, dm.CheckBeforeWrite(50))
	assert.True(t, errors.IsCapacity(dm.CheckBeforeWrite(200)))
}

func TestDiskManager_RefreshesWhenStale(t *testing.T) {
	dm := newTestManager(t, 97, 1<<30)
	require.Error(t, dm.CheckBeforeWrite(1))

	dm.statfs = func(string) (DiskUsageStats, error) {
		return DiskUsageStats{UsagePercent: 40, AvailableBytes: 1 << 30}, nil
	}
	dm.checkInterval = time.Nanosecond
	time.Sleep(time.Millisecond)
	assert.NoError(t, dm.CheckBeforeWrite(1))
}

func TestNewDiskManager_RequiresDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, zap.NewNop())
	assert.Error(t, err)
}
