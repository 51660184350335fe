package server

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/health"
	"github.com/devrev/pairdb/storage-engine/internal/metrics"
)

func TestMetricsServer_ServesRegistry(t *testing.T) {
	m := metrics.NewMetrics()
	m.CommitsTotal.Add(3)
	hc := health.NewHealthChecker(&health.HealthCheckConfig{Dir: t.TempDir()}, nil, zap.NewNop())

	srv := NewMetricsServer(&MetricsServerConfig{Addr: "127.0.0.1:0"}, m, hc, nil, zap.NewNop())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "pairdb_txn_commits_total 3")

	resp, err = http.Get("http://" + srv.Addr() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
