package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/metrics"
)

// evictionSample bounds how many entries are scored per eviction.
const evictionSample = 16

// CacheService implements an adaptive LRU/LFU block cache shared by all
// tables. It satisfies sstable.BlockCache.
type CacheService struct {
	config          *CacheConfig
	cache           map[uint64]*cacheEntry
	logger          *zap.Logger
	metrics         *metrics.Metrics
	mu              sync.Mutex
	currentSize     int64
	frequencyWeight float64
	recencyWeight   float64
	hits            int64
	misses          int64
	evictions       int64
}

type cacheEntry struct {
	value       interface{}
	size        int64
	accessCount int64
	lastAccess  time.Time
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxSize         int64
	FrequencyWeight float64
	RecencyWeight   float64
	AdaptiveWindow  time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(cfg *CacheConfig, m *metrics.Metrics, logger *zap.Logger) *CacheService {
	return &CacheService{
		config:          cfg,
		cache:           make(map[uint64]*cacheEntry),
		logger:          logger,
		metrics:         m,
		frequencyWeight: cfg.FrequencyWeight,
		recencyWeight:   cfg.RecencyWeight,
	}
}

// Get retrieves a block from cache
func (s *CacheService) Get(key uint64) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.cache[key]
	if !found {
		s.misses++
		if s.metrics != nil {
			s.metrics.CacheMissesTotal.Inc()
		}
		return nil, false
	}

	entry.accessCount++
	entry.lastAccess = time.Now()
	s.hits++
	if s.metrics != nil {
		s.metrics.CacheHitsTotal.Inc()
	}
	return entry.value, true
}

// Set adds or replaces a block. Blocks larger than the whole cache are not kept.
func (s *CacheService) Set(key uint64, value interface{}, size int64) {
	if s.config.MaxSize <= 0 || size > s.config.MaxSize {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, found := s.cache[key]; found {
		s.currentSize += size - existing.size
		existing.value = value
		existing.size = size
		existing.accessCount++
		existing.lastAccess = now
	} else {
		s.cache[key] = &cacheEntry{value: value, size: size, accessCount: 1, lastAccess: now}
		s.currentSize += size
	}

	for s.currentSize > s.config.MaxSize && len(s.cache) > 1 {
		s.evictLowestScore(key, now)
	}
	s.updateSizeMetric()
}

// Remove removes a block from cache
func (s *CacheService) Remove(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, found := s.cache[key]; found {
		delete(s.cache, key)
		s.currentSize -= entry.size
		s.updateSizeMetric()
	}
}

// calculateScore computes adaptive score for eviction; higher is better.
func (s *CacheService) calculateScore(entry *cacheEntry, now time.Time) float64 {
	frequencyScore := float64(entry.accessCount)
	recencyScore := now.Sub(entry.lastAccess).Seconds()
	return s.frequencyWeight*frequencyScore - s.recencyWeight*recencyScore
}

// evictLowestScore evicts the lowest scoring entry out of a random sample,
// never the one just inserted.
func (s *CacheService) evictLowestScore(keep uint64, now time.Time) {
	var (
		lowestKey   uint64
		lowestScore float64
		found       bool
		sampled     int
	)
	for key, entry := range s.cache {
		if key == keep {
			continue
		}
		score := s.calculateScore(entry, now)
		if !found || score < lowestScore {
			lowestKey, lowestScore, found = key, score, true
		}
		if sampled++; sampled >= evictionSample {
			break
		}
	}
	if !found {
		return
	}

	s.currentSize -= s.cache[lowestKey].size
	delete(s.cache, lowestKey)
	s.evictions++
	if s.metrics != nil {
		s.metrics.CacheEvictionsTotal.Inc()
	}
}

func (s *CacheService) updateSizeMetric() {
	if s.metrics != nil {
		s.metrics.CacheSizeBytes.Set(float64(s.currentSize))
	}
}

// AdjustWeights adjusts frequency and recency weights based on workload
func (s *CacheService) AdjustWeights() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cache) == 0 {
		return
	}

	var recentAccesses int64
	recentThreshold := time.Now().Add(-s.config.AdaptiveWindow)
	for _, entry := range s.cache {
		if entry.lastAccess.After(recentThreshold) {
			recentAccesses++
		}
	}

	hotnessRatio := float64(recentAccesses) / float64(len(s.cache))

	if hotnessRatio > 0.7 {
		// High recency workload - favor LRU
		s.recencyWeight = 0.7
		s.frequencyWeight = 0.3
	} else if hotnessRatio < 0.3 {
		// High frequency workload - favor LFU
		s.recencyWeight = 0.3
		s.frequencyWeight = 0.7
	} else {
		s.recencyWeight = 0.5
		s.frequencyWeight = 0.5
	}

	s.logger.Debug("Adjusted cache weights",
		zap.Float64("recency_weight", s.recencyWeight),
		zap.Float64("frequency_weight", s.frequencyWeight),
		zap.Float64("hotness_ratio", hotnessRatio))
}

// Weights returns the current frequency and recency weights.
func (s *CacheService) Weights() (frequency, recency float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequencyWeight, s.recencyWeight
}

// Stats returns cache statistics
func (s *CacheService) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := CacheStats{
		Size:       s.currentSize,
		MaxSize:    s.config.MaxSize,
		EntryCount: len(s.cache),
		Hits:       s.hits,
		Misses:     s.misses,
		Evictions:  s.evictions,
	}
	if s.config.MaxSize > 0 {
		stats.UsagePercent = float64(s.currentSize) / float64(s.config.MaxSize) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size         int64
	MaxSize      int64
	EntryCount   int
	UsagePercent float64
	Hits         int64
	Misses       int64
	Evictions    int64
}
