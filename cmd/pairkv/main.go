package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/storage-engine/internal/config"
	"github.com/devrev/pairdb/storage-engine/pkg/engine"
)

var rootCmd = &cobra.Command{
	Use:   "pairkv",
	Short: "embedded transactional key-value store",
	Long: `pairkv administers a PairKV data directory: point reads and writes,
scans, manual compaction and value log GC, and a long-running mode that
exposes metrics and health endpoints.

Flags can also be set through PAIRKV_<FLAG> environment variables or a
.env file (e.g. PAIRKV_DATA_DIR=/var/lib/pairkv).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory, overrides storage.data_dir")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), overrides logging.level")
	rootCmd.PersistentFlags().Bool("sync-writes", false, "fsync every commit")

	rootCmd.AddCommand(getCmd, putCmd, deleteCmd, scanCmd, compactCmd, gcCmd, levelsCmd, serveCmd)
}

// initConfig loads .env files and binds PAIRKV_* environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("pairkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if dir := viper.GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if viper.GetBool("sync-writes") {
		cfg.CommitLog.SyncWrites = true
	}
	return cfg, cfg.Validate()
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Format
	if cfg.Format == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zc.Build()
}

// openEngine loads configuration and opens the engine. The returned func
// closes the engine and flushes the logger.
func openEngine(tweak func(*engine.Options)) (*engine.Engine, *zap.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	opts := cfg.EngineOptions(logger)
	if tweak != nil {
		tweak(&opts)
	}
	db, err := engine.Open(opts)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, err
	}
	return db, logger, func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close engine", zap.Error(err))
		}
		logger.Sync()
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
