package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/diskmanager"
)

// Background components that report into the health signal.
const (
	ComponentFlush      = "flush"
	ComponentCompaction = "compaction"
	ComponentValueLogGC = "value_log_gc"
	ComponentDisk       = "disk"
)

// HealthChecker aggregates background task outcomes and disk checks into one
// engine health status. Repeated failures of a component first degrade and
// then mark the engine unhealthy; a success resets the component.
type HealthChecker struct {
	dir            string
	logger         *zap.Logger
	disk           *diskmanager.DiskManager
	checkInterval  time.Duration
	degradedAfter  int
	unhealthyAfter int

	mu         sync.RWMutex
	lastCheck  time.Time
	components map[string]*model.ComponentHealth
	metricsFn  func() model.HealthMetrics
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Dir            string
	CheckInterval  time.Duration
	DegradedAfter  int
	UnhealthyAfter int
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, disk *diskmanager.DiskManager, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 1
	}
	if cfg.UnhealthyAfter < cfg.DegradedAfter {
		cfg.UnhealthyAfter = cfg.DegradedAfter + 4
	}
	return &HealthChecker{
		dir:            cfg.Dir,
		logger:         logger,
		disk:           disk,
		checkInterval:  cfg.CheckInterval,
		degradedAfter:  cfg.DegradedAfter,
		unhealthyAfter: cfg.UnhealthyAfter,
		components:     make(map[string]*model.ComponentHealth),
	}
}

// SetMetricsSource installs a callback that fills the metrics section of the status.
func (h *HealthChecker) SetMetricsSource(fn func() model.HealthMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metricsFn = fn
}

// Start runs periodic disk checks until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.CheckDisk()
	for {
		select {
		case <-ticker.C:
			h.CheckDisk()
		case <-ctx.Done():
			h.logger.Debug("Health checker stopped")
			return
		}
	}
}

// CheckDisk refreshes disk usage and records it as a component outcome.
func (h *HealthChecker) CheckDisk() {
	if h.disk == nil {
		return
	}
	if err := h.disk.ForceCheck(); err != nil {
		h.ReportFailure(ComponentDisk, err)
		return
	}
	usage := h.disk.GetDiskUsage()
	switch {
	case usage.IsCircuitBroken:
		h.ReportFailure(ComponentDisk, fmt.Errorf("disk usage critical: %.2f%%", usage.UsagePercent))
	case usage.UsagePercent >= h.disk.WarningThreshold():
		h.setComponent(ComponentDisk, func(c *model.ComponentHealth) {
			c.Status = model.NodeStatusDegraded
			c.Message = fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent)
		})
	default:
		h.setComponent(ComponentDisk, func(c *model.ComponentHealth) {
			c.Status = model.NodeStatusHealthy
			c.ConsecutiveFailures = 0
			c.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
				usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
		})
	}
}

func (h *HealthChecker) setComponent(name string, fn func(c *model.ComponentHealth)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.components[name]
	if !ok {
		c = &model.ComponentHealth{Status: model.NodeStatusHealthy}
		h.components[name] = c
	}
	fn(c)
	now := time.Now()
	c.LastCheck = now.Unix()
	h.lastCheck = now
}

// ReportFailure records a failed attempt of a background component.
func (h *HealthChecker) ReportFailure(component string, err error) {
	var failures int
	var status model.NodeStatus
	h.setComponent(component, func(c *model.ComponentHealth) {
		c.ConsecutiveFailures++
		c.LastError = err.Error()
		c.Message = "failing"
		switch {
		case c.ConsecutiveFailures >= h.unhealthyAfter:
			c.Status = model.NodeStatusUnhealthy
		case c.ConsecutiveFailures >= h.degradedAfter:
			c.Status = model.NodeStatusDegraded
		}
		failures, status = c.ConsecutiveFailures, c.Status
	})

	if status == model.NodeStatusUnhealthy {
		h.logger.Error("Background component persistently failing",
			zap.String("component", component),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
	}
}

// ReportSuccess resets a component after a successful attempt.
func (h *HealthChecker) ReportSuccess(component string) {
	h.setComponent(component, func(c *model.ComponentHealth) {
		if c.ConsecutiveFailures > 0 {
			h.logger.Info("Background component recovered",
				zap.String("component", component),
				zap.Int("after_failures", c.ConsecutiveFailures))
		}
		c.Status = model.NodeStatusHealthy
		c.ConsecutiveFailures = 0
		c.Message = "ok"
	})
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := model.HealthStatus{
		Dir:        h.dir,
		Status:     model.NodeStatusHealthy,
		Timestamp:  h.lastCheck.Unix(),
		Components: make(map[string]model.ComponentHealth, len(h.components)),
	}
	for name, c := range h.components {
		status.Components[name] = *c
		switch c.Status {
		case model.NodeStatusUnhealthy:
			status.Status = model.NodeStatusUnhealthy
		case model.NodeStatusDegraded:
			if status.Status == model.NodeStatusHealthy {
				status.Status = model.NodeStatusDegraded
			}
		}
	}
	if h.metricsFn != nil {
		status.Metrics = h.metricsFn()
	}
	return status
}

// IsLive reports whether the engine is not persistently failing.
func (h *HealthChecker) IsLive() bool {
	return h.GetStatus().Status != model.NodeStatusUnhealthy
}

// IsReady reports whether the engine can accept writes.
func (h *HealthChecker) IsReady() bool {
	if h.disk != nil && h.disk.GetDiskUsage().IsCircuitBroken {
		return false
	}
	return h.IsLive()
}

// LivenessHandler handles HTTP liveness check requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()
	live := status.Status != model.NodeStatusUnhealthy

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":    live,
		"status":     status.Status,
		"components": status.Components,
		"metrics":    status.Metrics,
	})
}

// ReadinessHandler handles HTTP readiness check requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": h.GetStatus().Status,
	})
}
