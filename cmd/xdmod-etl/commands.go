package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	"github.com/xdmod/xdmod-etl/pkg/pipeline"
	"github.com/xdmod/xdmod-etl/pkg/tui"
)

var (
	granularities []string
	noProgress    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Regenerate lookup tables, reconstruct intervals and aggregate",
	Long: `Run every action in order: lookup tables, interval reconstruction for the
configured layouts, then aggregation of the configured granularities.

Examples:
  xdmod-etl run --start 2023-01-01 --end 2023-03-31
  xdmod-etl run            # continue from the last watermark`,
	RunE: runRun,
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate job facts into period tables",
	Long: `Aggregate job facts for the given granularities over a date range.

Examples:
  xdmod-etl aggregate --start 2023-01-01 --end 2023-01-31 -g month
  xdmod-etl aggregate -g day -g month`,
	RunE: runAggregate,
}

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct [layout...]",
	Short: "Rebuild interval tables from snapshots",
	Long: `Rebuild the interval tables of the named layouts, or of every configured
layout when none is named.

Builtin layouts: resource-specs, instance-types, host-specs`,
	RunE: runReconstruct,
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Regenerate the job time and processor bucket tables",
	RunE:  runBuckets,
}

var periodsCmd = &cobra.Command{
	Use:   "periods",
	Short: "Manage calendar dimension tables",
}

var periodsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate day, week, month, quarter and year tables",
	RunE:  runPeriodsSeed,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	addRangeFlags(runCmd)
	runCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	addRangeFlags(aggregateCmd)
	aggregateCmd.Flags().StringSliceVarP(&granularities, "granularity", "g", nil, "Granularities to aggregate (default: configured)")
	aggregateCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	periodsSeedCmd.Flags().StringVar(&startDate, "start", "", "First day (YYYY-MM-DD, required)")
	periodsSeedCmd.Flags().StringVar(&endDate, "end", "", "Last day (YYYY-MM-DD, required)")
	periodsSeedCmd.Flags().StringSliceVarP(&granularities, "granularity", "g", nil, "Granularities to seed (default: all)")
	periodsSeedCmd.MarkFlagRequired("start")
	periodsSeedCmd.MarkFlagRequired("end")
	periodsCmd.AddCommand(periodsSeedCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func newRunner(env *pipeline.Environment) (*pipeline.Runner, *tui.PeriodProgress) {
	runner := env.Runner()
	if noProgress {
		return runner, nil
	}
	progress := tui.NewPeriodProgress(os.Stderr)
	runner.SetProgress(progress.Update)
	return runner, progress
}

func runRun(cmd *cobra.Command, args []string) error {
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		runner, progress := newRunner(env)
		dr, err := resolveRange(ctx, runner)
		if err != nil {
			return err
		}

		res, err := runner.Run(ctx, dr)
		if progress != nil {
			progress.Finish()
		}
		tui.PrintReconstruction(os.Stdout, res.Reconstruction)
		if len(res.Aggregation) > 0 {
			fmt.Println(tui.ReportTable(res.Aggregation))
		}
		if err != nil {
			return err
		}
		tui.PrintDone(os.Stdout, "RUN COMPLETE "+dr.String(), res.Duration)
		return nil
	})
}

func runAggregate(cmd *cobra.Command, args []string) error {
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		gs, err := selectedGranularities(env)
		if err != nil {
			return err
		}
		runner, progress := newRunner(env)
		dr, err := resolveRange(ctx, runner)
		if err != nil {
			return err
		}

		start := time.Now()
		reports, err := runner.Aggregate(ctx, gs, dr)
		if progress != nil {
			progress.Finish()
		}
		if len(reports) > 0 {
			fmt.Println(tui.ReportTable(reports))
		}
		if err != nil {
			return err
		}
		tui.PrintDone(os.Stdout, "AGGREGATION COMPLETE "+dr.String(), time.Since(start))
		return nil
	})
}

func selectedGranularities(env *pipeline.Environment) ([]calendar.Granularity, error) {
	if len(granularities) == 0 {
		return env.Config.GranularityList()
	}
	out := make([]calendar.Granularity, 0, len(granularities))
	for _, name := range granularities {
		g, err := calendar.ParseGranularity(name)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		if len(args) > 0 {
			env.Config.Reconstruction.Layouts = args
			env.Config.Reconstruction.Custom = nil
		}
		start := time.Now()
		stats, err := env.Runner().Reconstruct(ctx)
		if err != nil {
			return err
		}
		tui.PrintReconstruction(os.Stdout, stats)
		tui.PrintDone(os.Stdout, "RECONSTRUCTION COMPLETE", time.Since(start))
		return nil
	})
}

func runBuckets(cmd *cobra.Command, args []string) error {
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		start := time.Now()
		tables, err := env.Runner().RegenerateBuckets(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Printf("  ✓ %s\n", t)
		}
		tui.PrintDone(os.Stdout, "LOOKUP TABLES REGENERATED", time.Since(start))
		return nil
	})
}

func runPeriodsSeed(cmd *cobra.Command, args []string) error {
	dr, err := calendar.ParseDateRange(startDate, endDate)
	if err != nil {
		return err
	}
	gs := calendar.All
	if len(granularities) > 0 {
		gs = nil
		for _, name := range granularities {
			g, err := calendar.ParseGranularity(name)
			if err != nil {
				return err
			}
			gs = append(gs, g)
		}
	}

	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		for _, g := range gs {
			n, err := env.Warehouse.SeedPeriods(ctx, g, dr)
			if err != nil {
				return fmt.Errorf("seed %s: %w", g, err)
			}
			fmt.Printf("  ✓ %-8s %d periods\n", g, n)
		}
		return nil
	})
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("  ✓ configuration is valid")
	return nil
}

// stateView is the JSON shape printed by state show.
type stateView struct {
	actionstate.Metadata
	Properties map[string]any `json:"properties"`
}

func encodeState(st *actionstate.State) ([]byte, error) {
	props := make(map[string]any, st.Len())
	for _, k := range st.Keys() {
		v, _ := st.Get(k)
		props[k] = v
	}
	return json.MarshalIndent(stateView{Metadata: st.Metadata, Properties: props}, "", "  ")
}
