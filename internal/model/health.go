package model

// HealthStatus represents the health state of an engine instance
type HealthStatus struct {
	Dir        string
	Status     NodeStatus
	Timestamp  int64
	Components map[string]ComponentHealth
	Metrics    HealthMetrics
}

// NodeStatus defines the operational status of an engine
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// ComponentHealth is the health of one background component (flush, compaction, gc, disk).
type ComponentHealth struct {
	Status              NodeStatus
	Message             string
	ConsecutiveFailures int
	LastError           string
	LastCheck           int64
}

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	DiskUsage          float64
	L0Tables           int
	ImmutableTables    int
	PendingCompactions int
}
