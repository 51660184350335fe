package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/health"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
	"github.com/devrev/pairdb/storage-engine/internal/storage/diskmanager"
)

// MetricsServer serves an engine's Prometheus metrics and health checks via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	health     *health.HealthChecker
	disk       *diskmanager.DiskManager
	logger     *zap.Logger
	stopChan   chan struct{}
	listener   net.Listener
	interval   time.Duration
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Addr            string
	CollectInterval time.Duration
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(
	cfg *MetricsServerConfig,
	m *metrics.Metrics,
	hc *health.HealthChecker,
	disk *diskmanager.DiskManager,
	logger *zap.Logger,
) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		health:   hc,
		disk:     disk,
		logger:   logger,
		stopChan: make(chan struct{}),
		interval: cfg.CollectInterval,
	}
	if ms.interval <= 0 {
		ms.interval = 15 * time.Second
	}

	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	mux.HandleFunc("/health", hc.LivenessHandler)
	mux.HandleFunc("/ready", hc.ReadinessHandler)

	return ms
}

// Start binds the listener and serves in the background.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()))

	go s.collectSystemMetrics(s.interval)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")
	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// collectSystemMetrics periodically collects disk metrics
func (s *MetricsServer) collectSystemMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	if s.disk == nil {
		return
	}
	usage := s.disk.GetDiskUsage()
	s.metrics.DiskUsagePercent.Set(usage.UsagePercent)
	s.metrics.DiskAvailableBytes.Set(float64(usage.AvailableBytes))
}
