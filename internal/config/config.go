package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/storage-engine/pkg/engine"
)

// Config represents the complete configuration of an engine process
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	MemTable    MemTableConfig    `yaml:"memtable"`
	CommitLog   CommitLogConfig   `yaml:"commit_log"`
	SSTable     SSTableConfig     `yaml:"sstable"`
	ValueLog    ValueLogConfig    `yaml:"value_log"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Transaction TransactionConfig `yaml:"transaction"`
	Cache       CacheConfig       `yaml:"cache"`
	Disk        DiskConfig        `yaml:"disk"`
	Manifest    ManifestConfig    `yaml:"manifest"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	MaxSize      int64 `yaml:"max_size"`
	NumMemTables int   `yaml:"num_memtables"`
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SyncWrites bool `yaml:"sync_writes"`
}

// SSTableConfig holds SSTable configuration
type SSTableConfig struct {
	BlockSize          int     `yaml:"block_size"`
	BloomFalsePositive float64 `yaml:"bloom_false_positive"`
	Compression        string  `yaml:"compression"`
	TableSize          int64   `yaml:"table_size"`
	VerifyOnOpen       bool    `yaml:"verify_on_open"`
}

// ValueLogConfig holds value log configuration
type ValueLogConfig struct {
	Threshold     int64         `yaml:"threshold"`
	SegmentSize   int64         `yaml:"segment_size"`
	MaxEntries    uint32        `yaml:"max_entries"`
	GCRatio       float64       `yaml:"gc_ratio"`
	GCInterval    time.Duration `yaml:"gc_interval"`
	GCBytesPerSec int64         `yaml:"gc_bytes_per_sec"`
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Workers           int           `yaml:"workers"`
	MaxLevels         int           `yaml:"max_levels"`
	BaseLevelSize     int64         `yaml:"base_level_size"`
	LevelMultiplier   int           `yaml:"level_multiplier"`
	L0Trigger         int           `yaml:"l0_trigger"`
	L0Stall           int           `yaml:"l0_stall"`
	BytesPerSec       int64         `yaml:"bytes_per_sec"`
	Interval          time.Duration `yaml:"interval"`
	NumVersionsToKeep int           `yaml:"num_versions_to_keep"`
}

// TransactionConfig holds transaction configuration
type TransactionConfig struct {
	DetectConflicts *bool `yaml:"detect_conflicts"`
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	BlockCacheSize int64 `yaml:"block_cache_size"`
}

// DiskConfig holds free-space guard configuration
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// ManifestConfig holds manifest configuration
type ManifestConfig struct {
	RewriteThreshold int `yaml:"rewrite_threshold"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default values for unspecified configuration. Defaults
// come from engine.DefaultOptions so both stay in step.
func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairkv"
	}
	d := engine.DefaultOptions(cfg.Storage.DataDir)

	setInt64(&cfg.MemTable.MaxSize, d.MemTableSize)
	setInt(&cfg.MemTable.NumMemTables, d.NumMemTables)

	setInt(&cfg.SSTable.BlockSize, d.BlockSize)
	setFloat(&cfg.SSTable.BloomFalsePositive, d.BloomFalsePositive)
	if cfg.SSTable.Compression == "" {
		cfg.SSTable.Compression = d.Compression
	}
	setInt64(&cfg.SSTable.TableSize, d.TableSize)

	setInt64(&cfg.ValueLog.Threshold, d.ValueThreshold)
	setInt64(&cfg.ValueLog.SegmentSize, d.ValueLogSegmentSize)
	if cfg.ValueLog.MaxEntries == 0 {
		cfg.ValueLog.MaxEntries = d.ValueLogMaxEntries
	}
	setFloat(&cfg.ValueLog.GCRatio, d.ValueLogGCRatio)
	if cfg.ValueLog.GCInterval == 0 {
		cfg.ValueLog.GCInterval = d.ValueLogGCInterval
	}

	setInt(&cfg.Compaction.Workers, d.NumCompactors)
	setInt(&cfg.Compaction.MaxLevels, d.MaxLevels)
	setInt64(&cfg.Compaction.BaseLevelSize, d.BaseLevelSize)
	setInt(&cfg.Compaction.LevelMultiplier, d.LevelMultiplier)
	setInt(&cfg.Compaction.L0Trigger, d.L0Trigger)
	setInt(&cfg.Compaction.L0Stall, d.L0Stall)
	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = d.CompactionInterval
	}
	setInt(&cfg.Compaction.NumVersionsToKeep, d.NumVersionsToKeep)

	if cfg.Transaction.DetectConflicts == nil {
		detect := d.DetectConflicts
		cfg.Transaction.DetectConflicts = &detect
	}

	setInt64(&cfg.Cache.BlockCacheSize, d.BlockCacheSize)

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = d.DiskCheckInterval
	}
	setFloat(&cfg.Disk.WarningThreshold, d.DiskWarningThreshold)
	setFloat(&cfg.Disk.CircuitBreakerThreshold, d.DiskCircuitBreakerThreshold)

	setInt(&cfg.Manifest.RewriteThreshold, d.ManifestRewriteThreshold)

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setInt64(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.MemTable.MaxSize < 1<<20 {
		return fmt.Errorf("memtable.max_size must be at least 1MB")
	}
	if c.ValueLog.GCRatio <= 0 || c.ValueLog.GCRatio >= 1 {
		return fmt.Errorf("value_log.gc_ratio must be between 0 and 1")
	}
	if c.Compaction.LevelMultiplier < 2 {
		return fmt.Errorf("compaction.level_multiplier must be at least 2")
	}
	if c.Compaction.L0Stall <= c.Compaction.L0Trigger {
		return fmt.Errorf("compaction.l0_stall must exceed compaction.l0_trigger")
	}
	if c.Disk.WarningThreshold > c.Disk.CircuitBreakerThreshold || c.Disk.CircuitBreakerThreshold > 100 {
		return fmt.Errorf("disk thresholds must satisfy warning <= circuit_breaker <= 100")
	}
	switch c.SSTable.Compression {
	case "none", "snappy", "zstd":
	default:
		return fmt.Errorf("sstable.compression must be one of none, snappy, zstd")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// EngineOptions converts the configuration into engine options.
func (c *Config) EngineOptions(logger *zap.Logger) engine.Options {
	opts := engine.DefaultOptions(c.Storage.DataDir).WithLogger(logger)

	opts.SyncWrites = c.CommitLog.SyncWrites
	opts.MemTableSize = c.MemTable.MaxSize
	opts.NumMemTables = c.MemTable.NumMemTables

	opts.BlockSize = c.SSTable.BlockSize
	opts.BloomFalsePositive = c.SSTable.BloomFalsePositive
	opts.Compression = c.SSTable.Compression
	opts.TableSize = c.SSTable.TableSize
	opts.VerifyTablesOnOpen = c.SSTable.VerifyOnOpen

	opts.ValueThreshold = c.ValueLog.Threshold
	opts.ValueLogSegmentSize = c.ValueLog.SegmentSize
	opts.ValueLogMaxEntries = c.ValueLog.MaxEntries
	opts.ValueLogGCRatio = c.ValueLog.GCRatio
	opts.ValueLogGCInterval = c.ValueLog.GCInterval
	opts.GCBytesPerSec = c.ValueLog.GCBytesPerSec

	opts.NumCompactors = c.Compaction.Workers
	opts.MaxLevels = c.Compaction.MaxLevels
	opts.BaseLevelSize = c.Compaction.BaseLevelSize
	opts.LevelMultiplier = c.Compaction.LevelMultiplier
	opts.L0Trigger = c.Compaction.L0Trigger
	opts.L0Stall = c.Compaction.L0Stall
	opts.CompactionBytesPerSec = c.Compaction.BytesPerSec
	opts.CompactionInterval = c.Compaction.Interval
	opts.NumVersionsToKeep = c.Compaction.NumVersionsToKeep

	opts.DetectConflicts = *c.Transaction.DetectConflicts
	opts.BlockCacheSize = c.Cache.BlockCacheSize

	opts.DiskCheckInterval = c.Disk.CheckInterval
	opts.DiskWarningThreshold = c.Disk.WarningThreshold
	opts.DiskCircuitBreakerThreshold = c.Disk.CircuitBreakerThreshold

	opts.ManifestRewriteThreshold = c.Manifest.RewriteThreshold
	return opts
}
