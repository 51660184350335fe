package health

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/internal/storage/diskmanager"
)

func newChecker(t *testing.T) *HealthChecker {
	t.Helper()
	dir := t.TempDir()
	disk, err := diskmanager.NewDiskManager(diskmanager.DefaultConfig(dir), zap.NewNop())
	require.NoError(t, err)
	return NewHealthChecker(&HealthCheckConfig{Dir: dir, DegradedAfter: 2, UnhealthyAfter: 3}, disk, zap.NewNop())
}

func TestHealthChecker_FailuresEscalate(t *testing.T) {
	h := newChecker(t)
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)

	h.ReportFailure(ComponentCompaction, fmt.Errorf("boom"))
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)

	h.ReportFailure(ComponentCompaction, fmt.Errorf("boom"))
	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)

	h.ReportFailure(ComponentCompaction, fmt.Errorf("boom"))
	status := h.GetStatus()
	assert.Equal(t, model.NodeStatusUnhealthy, status.Status)
	assert.Equal(t, 3, status.Components[ComponentCompaction].ConsecutiveFailures)
	assert.Equal(t, "boom", status.Components[ComponentCompaction].LastError)
	assert.False(t, h.IsLive())

	h.ReportSuccess(ComponentCompaction)
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)
	assert.True(t, h.IsLive())
}

func TestHealthChecker_MetricsSource(t *testing.T) {
	h := newChecker(t)
	h.SetMetricsSource(func() model.HealthMetrics {
		return model.HealthMetrics{L0Tables: 4}
	})
	assert.Equal(t, 4, h.GetStatus().Metrics.L0Tables)
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := newChecker(t)

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 3; i++ {
		h.ReportFailure(ComponentFlush, fmt.Errorf("disk gone"))
	}
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}
