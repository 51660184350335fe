package diskmanager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
)

// DiskManager monitors free space under the data directory and rejects
// writes once usage crosses the circuit breaker threshold.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	checkInterval time.Duration
	statfs        func(path string) (DiskUsageStats, error)

	// Thresholds in percent
	warningThreshold        float64
	circuitBreakerThreshold float64

	mu                   sync.RWMutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	isCircuitBroken      bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		statfs:                  statfs,
		warningThreshold:        cfg.WarningThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statfs(path string) (DiskUsageStats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskUsageStats{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return DiskUsageStats{AvailableBytes: available}, nil
	}
	used := total - available
	return DiskUsageStats{
		UsagePercent:   float64(used) / float64(total) * 100.0,
		AvailableBytes: available,
	}, nil
}

// CheckBeforeWrite returns a capacity error if a write of the given size
// should be rejected.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.RLock()
	stale := time.Since(dm.lastCheck) > dm.checkInterval
	dm.mu.RUnlock()
	if stale {
		if err := dm.ForceCheck(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("circuit_broken", true)
	}
	if estimatedBytes > dm.cachedAvailableBytes {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// ForceCheck refreshes disk usage now and updates the circuit breaker.
func (dm *DiskManager) ForceCheck() error {
	stats, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.cachedUsagePercent = stats.UsagePercent
	dm.cachedAvailableBytes = stats.AvailableBytes
	dm.lastCheck = time.Now()

	previouslyBroken := dm.isCircuitBroken
	dm.isCircuitBroken = stats.UsagePercent >= dm.circuitBreakerThreshold

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", stats.UsagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", stats.UsagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes))
	}

	if stats.UsagePercent >= dm.warningThreshold && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", stats.UsagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// GetDiskUsage returns the last observed disk usage.
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// WarningThreshold returns the configured warning percentage.
func (dm *DiskManager) WarningThreshold() float64 {
	return dm.warningThreshold
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}
