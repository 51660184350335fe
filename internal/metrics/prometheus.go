package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one engine instance. Each engine
// registers into its own registry so several engines can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Transaction metrics
	WritesTotal       prometheus.Counter
	ReadsTotal        prometheus.Counter
	CommitsTotal      prometheus.Counter
	ConflictsTotal    prometheus.Counter
	CommitDuration    prometheus.Histogram
	GetDuration       prometheus.Histogram
	WriteBatchEntries prometheus.Histogram

	// Block cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheSizeBytes      prometheus.Gauge

	// Memtable metrics
	MemTableSizeBytes     prometheus.Gauge
	ImmutableMemTables    prometheus.Gauge
	MemTableFlushesTotal  prometheus.Counter
	MemTableFlushDuration prometheus.Histogram
	WriteStallDuration    prometheus.Counter

	// Table metrics
	SSTableCountByLevel *prometheus.GaugeVec
	SSTableSizeByLevel  *prometheus.GaugeVec
	SSTableReadsTotal   prometheus.Counter

	// Commit log metrics
	CommitLogSyncsTotal   prometheus.Counter
	CommitLogSyncDuration prometheus.Histogram

	// Compaction metrics
	CompactionJobsTotal      *prometheus.CounterVec
	CompactionJobDuration    prometheus.Histogram
	CompactionBytesProcessed prometheus.Counter
	CompactionBytesWritten   prometheus.Counter
	CompactionTablesInput    prometheus.Histogram

	// Value log metrics
	ValueLogSegments     prometheus.Gauge
	ValueLogBytesWritten prometheus.Counter
	ValueLogGCRunsTotal  *prometheus.CounterVec
	ValueLogGCRewritten  prometheus.Counter

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics in a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		WritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "engine",
			Name:      "writes_total",
			Help:      "Total number of entries written",
		}),
		ReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "engine",
			Name:      "reads_total",
			Help:      "Total number of point reads",
		}),
		CommitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "Total number of committed transactions",
		}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "txn",
			Name:      "conflicts_total",
			Help:      "Total number of transactions aborted by conflict",
		}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Histogram of commit durations",
			Buckets:   prometheus.DefBuckets,
		}),
		GetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "engine",
			Name:      "get_duration_seconds",
			Help:      "Histogram of point read durations",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to 2.6s
		}),
		WriteBatchEntries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "engine",
			Name:      "write_batch_entries",
			Help:      "Number of entries per group-committed write batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of block cache hits",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of block cache misses",
		}),
		CacheEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of block cache evictions",
		}),
		CacheSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "cache",
			Name:      "size_bytes",
			Help:      "Current block cache size in bytes",
		}),

		MemTableSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "memtable",
			Name:      "size_bytes",
			Help:      "Approximate size of the active memtable",
		}),
		ImmutableMemTables: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "memtable",
			Name:      "immutable_count",
			Help:      "Number of memtables waiting to be flushed",
		}),
		MemTableFlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "memtable",
			Name:      "flushes_total",
			Help:      "Total number of memtable flushes",
		}),
		MemTableFlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "memtable",
			Name:      "flush_duration_seconds",
			Help:      "Histogram of memtable flush durations",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteStallDuration: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "memtable",
			Name:      "write_stall_seconds_total",
			Help:      "Total time writes spent stalled on full memtable queue",
		}),

		SSTableCountByLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "sstable",
			Name:      "count",
			Help:      "Number of tables per level",
		}, []string{"level"}),
		SSTableSizeByLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "sstable",
			Name:      "size_bytes",
			Help:      "Total table bytes per level",
		}, []string{"level"}),
		SSTableReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "sstable",
			Name:      "reads_total",
			Help:      "Total number of table lookups by point reads",
		}),

		CommitLogSyncsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "commitlog",
			Name:      "syncs_total",
			Help:      "Total number of write batches synced to disk",
		}),
		CommitLogSyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "commitlog",
			Name:      "sync_duration_seconds",
			Help:      "Histogram of WAL write and sync durations",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		CompactionJobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "compaction",
			Name:      "jobs_total",
			Help:      "Total number of compaction jobs by status",
		}, []string{"status"}),
		CompactionJobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "compaction",
			Name:      "job_duration_seconds",
			Help:      "Histogram of compaction job durations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		CompactionBytesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "compaction",
			Name:      "bytes_processed_total",
			Help:      "Total table bytes read by compaction",
		}),
		CompactionBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "compaction",
			Name:      "bytes_written_total",
			Help:      "Total table bytes written by compaction",
		}),
		CompactionTablesInput: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb",
			Subsystem: "compaction",
			Name:      "tables_input",
			Help:      "Number of input tables per compaction",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),

		ValueLogSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "vlog",
			Name:      "segments",
			Help:      "Number of value log segments",
		}),
		ValueLogBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "vlog",
			Name:      "bytes_written_total",
			Help:      "Total bytes appended to the value log",
		}),
		ValueLogGCRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "vlog",
			Name:      "gc_runs_total",
			Help:      "Total number of value log GC attempts by result",
		}, []string{"result"}),
		ValueLogGCRewritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb",
			Subsystem: "vlog",
			Name:      "gc_rewritten_entries_total",
			Help:      "Total live entries rewritten by value log GC",
		}),

		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage of the data directory",
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb",
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available disk space of the data directory",
		}),
	}
}
