// Package pipeline sequences the ETL actions of one run: lookup table
// regeneration, interval reconstruction and period aggregation.
//
// Every action gets its own run id and an intra-action state object holding
// run statistics. A completed aggregation pass publishes the inter-action
// watermark state that the next run resumes from.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
	"github.com/xdmod/xdmod-etl/pkg/aggregate"
	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	"github.com/xdmod/xdmod-etl/pkg/config"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/logging"
	"github.com/xdmod/xdmod-etl/pkg/metrics"
	"github.com/xdmod/xdmod-etl/pkg/reconstruct"
	"github.com/xdmod/xdmod-etl/pkg/statestore"
	"github.com/xdmod/xdmod-etl/pkg/telemetry"
)

// WatermarkKey is the inter-action state written after aggregation.
const WatermarkKey = "aggregation-watermark"

// Action names.
const (
	ActionBuckets     = "buckets"
	ActionReconstruct = "reconstruct"
	ActionAggregate   = "aggregate"
)

// Warehouse is the storage a run needs.
type Warehouse interface {
	aggregate.FactSource
	aggregate.Destination
	aggregate.BucketSource
	buckets.Table
	reconstruct.Source
	reconstruct.Sink
}

// Progress is called after each aggregated period.
type Progress func(g calendar.Granularity, done, total int, p calendar.Period)

// Result summarizes a full run.
type Result struct {
	Buckets        []string            `json:"buckets"`
	Reconstruction []reconstruct.Stats `json:"reconstruction"`
	Aggregation    []aggregate.Report  `json:"aggregation"`
	Range          calendar.DateRange  `json:"-"`
	Duration       time.Duration       `json:"duration"`
}

// Runner executes actions against a warehouse.
type Runner struct {
	wh       Warehouse
	cfg      *config.Config
	state    *statestore.Manager
	env      *aggregate.Env
	logger   zerolog.Logger
	metrics  metrics.Exporter
	progress Progress
	now      func() time.Time
}

// NewRunner creates a runner. Aggregation runs of one runner share an
// aggregate.Env.
func NewRunner(wh Warehouse, cfg *config.Config) *Runner {
	return &Runner{
		wh:      wh,
		cfg:     cfg,
		env:     &aggregate.Env{},
		logger:  zerolog.Nop(),
		metrics: metrics.NewNoop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetState sets the action state manager. Without one no state is kept.
func (r *Runner) SetState(m *statestore.Manager) *Runner {
	r.state = m
	return r
}

// SetLogger sets the logger.
func (r *Runner) SetLogger(l zerolog.Logger) *Runner {
	r.logger = l.With().Str("component", "pipeline").Logger()
	return r
}

// SetMetrics sets the metrics exporter.
func (r *Runner) SetMetrics(m metrics.Exporter) *Runner {
	if m != nil {
		r.metrics = m
	}
	return r
}

// SetProgress sets the period progress callback.
func (r *Runner) SetProgress(p Progress) *Runner {
	r.progress = p
	return r
}

// Run regenerates buckets, rebuilds every configured layout and aggregates
// every configured granularity over dr, stopping at the first failure.
func (r *Runner) Run(ctx context.Context, dr calendar.DateRange) (Result, error) {
	start := r.now()
	res := Result{Range: dr}

	tables, err := r.RegenerateBuckets(ctx)
	res.Buckets = tables
	if err != nil {
		return res, err
	}

	res.Reconstruction, err = r.Reconstruct(ctx)
	if err != nil {
		return res, err
	}

	gs, err := r.cfg.GranularityList()
	if err != nil {
		return res, err
	}
	res.Aggregation, err = r.Aggregate(ctx, gs, dr)
	res.Duration = r.now().Sub(start)
	return res, err
}

// RegenerateBuckets rewrites the job time and processor bucket tables and
// returns their names.
func (r *Runner) RegenerateBuckets(ctx context.Context) ([]string, error) {
	procs, err := buckets.NewProcessorBucketGenerator(r.cfg.Buckets.ProcessorBucketTable, r.cfg.Buckets.Processors)
	if err != nil {
		return nil, err
	}
	gens := []*buckets.Generator{
		buckets.NewJobTimeGenerator(r.cfg.Buckets.JobTimeTable),
		procs,
	}

	var tables []string
	err = r.action(ctx, ActionBuckets, func(ctx context.Context, log zerolog.Logger, st *actionstate.State) error {
		for _, g := range gens {
			if err := g.Regenerate(ctx, r.wh); err != nil {
				return err
			}
			r.metrics.Counter(metrics.BucketRows, int64(len(g.Rows)), map[string]string{metrics.TagTable: g.Table})
			st.Set(g.Table+"_rows", len(g.Rows))
			log.Info().Str("table", g.Table).Int("rows", len(g.Rows)).Msg("lookup table regenerated")
			tables = append(tables, g.Table)
		}
		return nil
	})
	return tables, err
}

// Reconstruct rebuilds the interval tables of every configured layout.
// Layouts write distinct tables and run concurrently; the first failure
// cancels the rest.
func (r *Runner) Reconstruct(ctx context.Context) ([]reconstruct.Stats, error) {
	layouts, err := r.cfg.LayoutList()
	if err != nil {
		return nil, err
	}

	stats := make([]reconstruct.Stats, len(layouts))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range layouts {
		i, l := i, l
		g.Go(func() error {
			name := ActionReconstruct + "-" + l.Name
			return r.action(gctx, name, func(ctx context.Context, log zerolog.Logger, st *actionstate.State) error {
				runner := &reconstruct.Runner{
					Source:    r.wh,
					Sink:      r.wh,
					BatchSize: r.cfg.Reconstruction.BatchSize,
					Logger:    log,
				}
				s, err := runner.Run(ctx, l)
				if err != nil {
					return fmt.Errorf("layout %s: %w", l.Name, err)
				}
				stats[i] = s

				tags := map[string]string{metrics.TagLayout: l.Name}
				r.metrics.Counter(metrics.ReconstructRows, s.Rows, tags)
				r.metrics.Counter(metrics.ReconstructIntervals, s.Intervals, tags)
				r.metrics.Timer(metrics.ReconstructDuration, s.Duration, tags)
				st.Set("rows", s.Rows)
				st.Set("intervals", s.Intervals)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// Aggregate aggregates each granularity over dr in order and then publishes
// the watermark. Granularities are processed finest first so the year run,
// which purges fact status, comes last.
func (r *Runner) Aggregate(ctx context.Context, gs []calendar.Granularity, dr calendar.DateRange) ([]aggregate.Report, error) {
	var current calendar.Granularity
	agg, err := aggregate.New(r.wh, r.wh, r.wh, r.env, aggregate.Options{
		TablePrefix:          r.cfg.Database.TablePrefix,
		JobTimeTable:         r.cfg.Buckets.JobTimeTable,
		ProcessorBucketTable: r.cfg.Buckets.ProcessorBucketTable,
		Exclusions:           r.cfg.Aggregation.Exclusions,
		Logger:               r.logger,
		Metrics:              r.metrics,
		Progress: func(done, total int, p calendar.Period) {
			if r.progress != nil {
				r.progress(current, done, total, p)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	reports := make([]aggregate.Report, 0, len(gs))
	for _, g := range ordered(gs) {
		name := ActionAggregate + "-" + string(g)
		err := r.action(ctx, name, func(ctx context.Context, log zerolog.Logger, st *actionstate.State) error {
			current = g
			rep, err := agg.Aggregate(ctx, g, dr)
			if err != nil {
				return err
			}
			reports = append(reports, rep)
			st.Set("range", rep.Range)
			st.Set("periods", rep.Periods)
			st.Set("facts", rep.Facts)
			st.Set("rows", rep.Rows)
			st.Set("marked", rep.Marked)
			return nil
		})
		if err != nil {
			return reports, err
		}
	}

	return reports, r.saveWatermark(ctx, dr, reports)
}

// ordered sorts granularities finest first and drops duplicates.
func ordered(gs []calendar.Granularity) []calendar.Granularity {
	want := make(map[calendar.Granularity]bool, len(gs))
	for _, g := range gs {
		want[g] = true
	}
	out := make([]calendar.Granularity, 0, len(want))
	for _, g := range calendar.All {
		if want[g] {
			out = append(out, g)
		}
	}
	return out
}

// action runs fn under a fresh run id, span and intra-action state. The state
// is saved whether fn succeeds or not.
func (r *Runner) action(ctx context.Context, name string, fn func(context.Context, zerolog.Logger, *actionstate.State) error) (err error) {
	runID := uuid.NewString()
	log := logging.ForAction(r.logger, name, runID)
	tags := map[string]string{metrics.TagAction: name}
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "action",
		telemetry.Attr("action", name),
		telemetry.Attr("run_id", runID))
	defer func() { telemetry.End(span, err) }()

	st, err := r.loadState(ctx, name)
	if err != nil {
		return err
	}

	log.Info().Msg("action started")
	err = fn(ctx, log, st)
	elapsed := time.Since(start)
	r.metrics.Timer(metrics.ActionDuration, elapsed, tags)

	runs, _ := st.Int64("runs")
	st.Set("runs", runs+1)
	st.Set("last_run_id", runID)
	st.Set("last_run_at", r.now())
	st.Set("last_duration_ms", elapsed.Milliseconds())
	if err != nil {
		failures, _ := st.Int64("failures")
		st.Set("failures", failures+1)
		st.Set("last_status", "failed")
		st.Set("last_error", err.Error())
		r.metrics.Counter(metrics.ActionsFailed, 1, tags)
		log.Error().Err(err).Dur("duration", elapsed).Msg("action failed")
	} else {
		st.Set("last_status", "completed")
		st.Delete("last_error")
		r.metrics.Counter(metrics.ActionsCompleted, 1, tags)
		log.Info().Dur("duration", elapsed).Msg("action completed")
	}

	// A canceled context must not stop the state write.
	if serr := r.saveState(context.WithoutCancel(ctx), st, name); serr != nil {
		if err == nil {
			return serr
		}
		log.Warn().Err(serr).Msg("failed to save action state")
	}
	return err
}

func (r *Runner) loadState(ctx context.Context, action string) (*actionstate.State, error) {
	if r.state == nil {
		return actionstate.New(action, "")
	}
	return r.state.Get(ctx, action, "")
}

func (r *Runner) saveState(ctx context.Context, st *actionstate.State, action string) error {
	if r.state == nil {
		return nil
	}
	return r.state.Save(ctx, st, action)
}

func (r *Runner) saveWatermark(ctx context.Context, dr calendar.DateRange, reports []aggregate.Report) error {
	if r.state == nil || len(reports) == 0 {
		return nil
	}
	st, err := r.state.Get(ctx, ActionAggregate, WatermarkKey)
	if err != nil {
		return err
	}

	var periods int
	var facts uint64
	granularities := make([]string, 0, len(reports))
	for _, rep := range reports {
		periods += rep.Periods
		facts += rep.Facts
		granularities = append(granularities, string(rep.Granularity))
	}
	st.Set("start_ts", dr.Start)
	st.Set("end_ts", dr.End)
	st.Set("range", dr.String())
	st.Set("granularities", granularities)
	st.Set("periods", periods)
	st.Set("facts", facts)
	st.Set("completed_at", r.now())
	return r.state.Save(ctx, st, ActionAggregate)
}

// Watermark returns the range of the last completed aggregation pass.
func (r *Runner) Watermark(ctx context.Context) (calendar.DateRange, bool, error) {
	if r.state == nil {
		return calendar.DateRange{}, false, nil
	}
	st, err := r.state.Get(ctx, ActionAggregate, WatermarkKey)
	if err != nil {
		return calendar.DateRange{}, false, err
	}
	start, ok1 := st.Int64("start_ts")
	end, ok2 := st.Int64("end_ts")
	if !ok1 || !ok2 {
		return calendar.DateRange{}, false, nil
	}
	return calendar.DateRange{Start: start, End: end}, true, nil
}

// NextRange resolves the range of an incremental run: from the day the last
// pass ended through today. The last day is aggregated again because it may
// have been partial.
func (r *Runner) NextRange(ctx context.Context) (calendar.DateRange, error) {
	last, ok, err := r.Watermark(ctx)
	if err != nil {
		return calendar.DateRange{}, err
	}
	if !ok {
		return calendar.DateRange{}, etlerrors.New(etlerrors.CodeConfiguration,
			"no aggregation watermark; a start date is required")
	}
	from := time.Unix(last.End, 0).UTC()
	to := r.now()
	if to.Before(from) {
		to = from
	}
	return calendar.NewDateRange(from, to), nil
}
