package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/model"
	"github.com/devrev/pairdb/storage-engine/pkg/engine"
)

// oneShot disables periodic background work for commands that exit at once.
func oneShot(opts *engine.Options) {
	opts.ValueLogGCInterval = 0
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()

		return db.View(func(txn *engine.Txn) error {
			item, err := txn.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", val)
				return err
			})
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Set a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl := viper.GetDuration("ttl")
		db, _, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()

		return db.Update(func(txn *engine.Txn) error {
			e := model.NewEntry([]byte(args[0]), []byte(args[1]))
			if ttl > 0 {
				e.WithTTL(ttl)
			}
			return txn.SetEntry(e)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()

		return db.Update(func(txn *engine.Txn) error {
			return txn.Delete([]byte(args[0]))
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List keys and values in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := engine.IteratorOptions{
			Prefix:      []byte(viper.GetString("prefix")),
			Start:       []byte(viper.GetString("start")),
			End:         []byte(viper.GetString("end")),
			AllVersions: viper.GetBool("all-versions"),
		}
		limit := viper.GetInt("limit")

		db, _, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		return db.View(func(txn *engine.Txn) error {
			it := txn.NewIterator(opts)
			defer it.Close()

			n := 0
			for it.Rewind(); it.Valid() && (limit <= 0 || n < limit); it.Next() {
				item := it.Item()
				if item.IsDeletedOrExpired() {
					fmt.Fprintf(w, "%s\t@%d\t<deleted>\n", item.Key(), item.Version())
				} else {
					val, err := item.ValueCopy(nil)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t@%d\t%s\n", item.Key(), item.Version(), val)
				}
				n++
			}
			return nil
		})
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Flush memtables and compact every level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, logger, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()

		start := time.Now()
		if err := db.Compact(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Compaction finished", zap.Duration("duration", time.Since(start)))
		return printLevels(cmd, db)
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run value log garbage collection",
	Long: `Rewrite the live entries of value log segments and delete them.
Without --segment, segments are collected while the one with most garbage
has at least --ratio of discarded data.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ratio := viper.GetFloat64("ratio")
		segment := viper.GetUint32("segment")

		db, logger, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()
		if segment != 0 {
			return db.GCValueLogSegment(ctx, segment)
		}
		runs := 0
		for {
			err := db.RunValueLogGC(ctx, ratio)
			if errors.Is(err, engine.ErrNoRewrite) {
				break
			}
			if err != nil {
				return err
			}
			runs++
		}
		logger.Info("Value log GC finished", zap.Int("segments_collected", runs))
		fmt.Fprintf(cmd.OutOrStdout(), "collected %d segments, %d remain\n", runs, len(db.ValueLogSegments()))
		return nil
	},
}

var levelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "Show tables and sizes per level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, _, closeFn, err := openEngine(oneShot)
		if err != nil {
			return err
		}
		defer closeFn()
		return printLevels(cmd, db)
	},
}

func printLevels(cmd *cobra.Command, db *engine.Engine) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tTABLES\tSIZE\tTARGET\tSCORE")
	for _, l := range db.Levels() {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%.2f\n", l.Level, l.NumTables, l.Size, l.TargetSize, l.Score)
	}
	return w.Flush()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the engine open and expose /metrics, /health and /ready",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, logger, closeFn, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer closeFn()

		srv := db.NewMetricsServer(viper.GetString("metrics-addr"))
		if err := srv.Start(); err != nil {
			return err
		}
		logger.Info("Engine serving", zap.String("metrics_addr", srv.Addr()))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info("Shutting down gracefully...")
		return srv.Stop()
	},
}

func init() {
	putCmd.Flags().Duration("ttl", 0, "expire the key after this duration")

	scanCmd.Flags().String("prefix", "", "only keys with this prefix")
	scanCmd.Flags().String("start", "", "first key to return")
	scanCmd.Flags().String("end", "", "exclusive upper bound")
	scanCmd.Flags().Int("limit", 0, "maximum number of items, 0 for all")
	scanCmd.Flags().Bool("all-versions", false, "show every version including deletes")

	gcCmd.Flags().Float64("ratio", 0.5, "discarded share a segment needs to be collected")
	gcCmd.Flags().Uint32("segment", 0, "collect this segment regardless of its discard ratio")

	serveCmd.Flags().String("metrics-addr", ":9090", "listen address of the metrics and health server")
}
