// xdmod-etl - job accounting warehouse ETL
// Rebuilds lookup tables, reconstructs configuration intervals and aggregates
// job facts into per-period tables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xdmod/xdmod-etl/pkg/calendar"
	"github.com/xdmod/xdmod-etl/pkg/config"
	"github.com/xdmod/xdmod-etl/pkg/pipeline"
	"github.com/xdmod/xdmod-etl/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configPath string
	logLevel   string
	driver     string
	dsn        string
)

// Date range flags shared by aggregate, run and periods seed
var (
	startDate string
	endDate   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		tui.PrintFailure(os.Stderr, err, logLevel == "debug" || logLevel == "trace")
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xdmod-etl",
	Short: "xdmod-etl - job accounting warehouse ETL",
	Long: `xdmod-etl maintains the job accounting warehouse: it regenerates lookup
tables, reconstructs configuration intervals from snapshots and aggregates job
facts into day, week, month, quarter and year tables.

Configuration is read from /etc/xdmod-etl/config.yaml, ~/.xdmod-etl/config.yaml,
./.xdmod-etl.yaml and --config, then XDMOD_ETL_* variables and flags.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "Warehouse driver (duckdb, pgx, sqlite3)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Warehouse data source name")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(bucketsCmd)
	rootCmd.AddCommand(periodsCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads configuration files and environment, then applies flags.
func loadConfig() (*config.Config, error) {
	m := config.NewManager()
	if err := m.Load(configPath); err != nil {
		return nil, err
	}
	cfg := m.Get()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	return cfg, nil
}

// withEnvironment runs fn with a signal-aware context and an open environment.
func withEnvironment(fn func(ctx context.Context, env *pipeline.Environment) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted, stopping after the current step...")
			cancel()
		case <-ctx.Done():
		}
	}()

	env, err := pipeline.Setup(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := env.Close(closeCtx); err != nil {
			env.Logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	return fn(ctx, env)
}

// resolveRange parses --start/--end. Without --start the range continues from
// the aggregation watermark; without --end it runs through today.
func resolveRange(ctx context.Context, runner *pipeline.Runner) (calendar.DateRange, error) {
	if startDate == "" {
		if endDate != "" {
			return calendar.DateRange{}, fmt.Errorf("--end requires --start")
		}
		return runner.NextRange(ctx)
	}
	end := endDate
	if end == "" {
		end = time.Now().UTC().Format(time.DateOnly)
	}
	return calendar.ParseDateRange(startDate, end)
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&startDate, "start", "", "First day (YYYY-MM-DD); defaults to the last watermark")
	cmd.Flags().StringVar(&endDate, "end", "", "Last day (YYYY-MM-DD); defaults to today")
}
