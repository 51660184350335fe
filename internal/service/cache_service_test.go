package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/service"
)

func newCache(maxSize int64) *service.CacheService {
	return service.NewCacheService(&service.CacheConfig{
		MaxSize:         maxSize,
		FrequencyWeight: 0.5,
		RecencyWeight:   0.5,
		AdaptiveWindow:  time.Minute,
	}, metrics.NewMetrics(), zap.NewNop())
}

func TestCacheService_GetSet(t *testing.T) {
	c := newCache(1024)

	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Set(1, "block-1", 100)
	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "block-1", v)

	c.Set(1, "block-1b", 200)
	v, _ = c.Get(1)
	assert.Equal(t, "block-1b", v)

	stats := c.Stats()
	assert.Equal(t, int64(200), stats.Size)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	c.Remove(1)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().Size)
}

func TestCacheService_EvictsToCapacity(t *testing.T) {
	c := newCache(1000)

	for i := uint64(0); i < 20; i++ {
		c.Set(i, i, 100)
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, int64(1000))
	assert.Equal(t, 10, stats.EntryCount)
	assert.Equal(t, int64(10), stats.Evictions)

	// The newest block always survives its own insertion.
	v, ok := c.Get(19)
	require.True(t, ok)
	assert.Equal(t, uint64(19), v)
}

func TestCacheService_FrequentBlocksSurvive(t *testing.T) {
	c := newCache(500)

	c.Set(0, "hot", 100)
	for i := 0; i < 50; i++ {
		c.Get(0)
	}
	for i := uint64(1); i < 30; i++ {
		c.Set(i, "cold", 100)
	}

	_, ok := c.Get(0)
	assert.True(t, ok)
}

func TestCacheService_OversizedBlockSkipped(t *testing.T) {
	c := newCache(100)
	c.Set(1, "huge", 101)
	_, ok := c.Get(1)
	assert.False(t, ok)

	disabled := newCache(0)
	disabled.Set(1, "x", 1)
	_, ok = disabled.Get(1)
	assert.False(t, ok)
}

func TestCacheService_AdjustWeights(t *testing.T) {
	c := newCache(1024)
	for i := uint64(0); i < 5; i++ {
		c.Set(i, i, 10)
	}
	c.AdjustWeights()

	freq, rec := c.Weights()
	assert.Equal(t, 0.3, freq)
	assert.Equal(t, 0.7, rec)
}
