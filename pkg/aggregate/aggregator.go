// Package aggregate summarizes job facts into per-period aggregate tables.
//
// For each period of a granularity the aggregator loads every fact whose
// [submit, end] span overlaps the period, attributes time-weighted metrics in
// proportion to the part of [start, end) inside the period, groups by the
// dimension tuple and replaces the period's rows. Facts whose whole span was
// processed are then flagged as aggregated for the granularity.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/metrics"
	"github.com/xdmod/xdmod-etl/pkg/telemetry"
)

// Env carries process-level state shared by aggregation runs. The resource
// specification check runs once per Env.
type Env struct {
	SpecsChecked bool
}

// Options configures an Aggregator.
type Options struct {
	// TablePrefix names the aggregate tables (<prefix>_by_<granularity>).
	TablePrefix string

	// JobTimeTable and ProcessorBucketTable are the lookup tables loaded at
	// the start of each run.
	JobTimeTable         string
	ProcessorBucketTable string

	// Exclusions maps a fact-level dimension column to values whose rows are
	// maintained by another process. Their facts are skipped and their rows
	// survive re-aggregation.
	Exclusions map[string][]int64

	Logger  zerolog.Logger
	Metrics metrics.Exporter

	// Progress, if set, is called after each period.
	Progress func(done, total int, p calendar.Period)
}

// Report summarizes one Aggregate call.
type Report struct {
	Granularity calendar.Granularity `json:"granularity"`
	Range       string               `json:"range"`
	Periods     int                  `json:"periods"`
	Facts       uint64               `json:"facts"`
	Rows        int64                `json:"rows"`
	Marked      int64                `json:"marked"`
	Purged      int64                `json:"purged"`
	Duration    time.Duration        `json:"duration"`
}

// Aggregator is the period aggregation engine.
type Aggregator struct {
	src     FactSource
	dst     Destination
	buckets BucketSource
	env     *Env
	opts    Options
	logger  zerolog.Logger
	metrics metrics.Exporter
}

// New creates an aggregator. Exclusions naming unknown dimensions are a
// configuration error.
func New(src FactSource, dst Destination, bs BucketSource, env *Env, opts Options) (*Aggregator, error) {
	for dim := range opts.Exclusions {
		if !IsFactDimension(dim) {
			return nil, etlerrors.New(etlerrors.CodeConfiguration, "exclusion names an unknown dimension").
				WithContext("dimension", dim)
		}
	}
	if opts.JobTimeTable == "" {
		opts.JobTimeTable = "job_times"
	}
	if opts.ProcessorBucketTable == "" {
		opts.ProcessorBucketTable = "processor_buckets"
	}
	if env == nil {
		env = &Env{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Aggregator{
		src:     src,
		dst:     dst,
		buckets: bs,
		env:     env,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "aggregate").Logger(),
		metrics: m,
	}, nil
}

// Aggregate populates the aggregate table of granularity g for the periods in
// r that have unaggregated facts. Resolution extends to every period spanned by
// such a fact, so each unaggregated fact touched is marked. Cancellation is
// honored between periods; periods already written stay written.
func (a *Aggregator) Aggregate(ctx context.Context, g calendar.Granularity, r calendar.DateRange) (report Report, err error) {
	start := time.Now()
	report = Report{Granularity: g, Range: r.String()}

	if _, err := calendar.ParseGranularity(string(g)); err != nil {
		return report, err
	}

	ctx, span := telemetry.StartSpan(ctx, "aggregate",
		telemetry.Attr("granularity", string(g)),
		telemetry.Attr("range", r.String()))
	defer func() { telemetry.End(span, err) }()

	log := a.logger.With().Str("granularity", string(g)).Str("range", r.String()).Logger()
	tags := map[string]string{metrics.TagGranularity: string(g)}

	if err := a.checkSpecs(ctx, r); err != nil {
		return report, err
	}

	jobTimes, procBuckets, err := a.loadBuckets(ctx)
	if err != nil {
		return report, err
	}

	if err := a.dst.EnsureTable(ctx, g); err != nil {
		return report, etlerrors.Persistence(err, "ensure aggregate table").
			WithContext("table", TableName(a.opts.TablePrefix, g))
	}

	// Computed periods carry the ids of the seeded period dimension rows.
	candidates := calendar.Between(g, r.Start, r.End)
	periods := candidates
	if g.Watermarked() {
		periods, err = a.src.PendingPeriods(ctx, g, candidates)
		if err != nil {
			return report, etlerrors.Persistence(err, "resolve periods")
		}
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].StartTS < periods[j].StartTS })
	log.Info().Int("candidates", len(candidates)).Int("periods", len(periods)).Msg("aggregating")

	run := &periodRun{
		g:          g,
		resolved:   periods,
		jobTimes:   jobTimes,
		procs:      procBuckets,
		exclusions: a.opts.Exclusions,
		seen:       roaring64.New(),
		complete:   roaring64.New(),
	}

	for i, p := range periods {
		if err := ctx.Err(); err != nil {
			return report, etlerrors.Canceled("aggregate", err).
				WithContext("granularity", string(g)).
				WithContext("completed_periods", report.Periods)
		}

		periodStart := time.Now()
		rows, err := run.aggregatePeriod(ctx, a.src, p)
		if err != nil {
			return report, err
		}
		if err := a.dst.ReplacePeriod(ctx, g, p.ID, a.opts.Exclusions, rows); err != nil {
			return report, etlerrors.Persistence(err, "replace period").
				WithContext("table", TableName(a.opts.TablePrefix, g)).
				WithContext("period_id", p.ID)
		}

		report.Periods++
		report.Rows += int64(len(rows))
		a.metrics.Counter(metrics.AggregateRows, int64(len(rows)), tags)
		a.metrics.Timer(metrics.AggregatePeriodDur, time.Since(periodStart), tags)
		log.Debug().Int64("period_id", p.ID).Int("rows", len(rows)).Msg("period aggregated")
		if a.opts.Progress != nil {
			a.opts.Progress(i+1, len(periods), p)
		}
	}
	report.Facts = run.seen.GetCardinality()

	if g.Watermarked() && !run.complete.IsEmpty() {
		n, err := a.dst.MarkAggregated(ctx, g, run.complete)
		if err != nil {
			return report, etlerrors.Persistence(err, "mark aggregated").
				WithContext("granularity", string(g))
		}
		report.Marked = n
	}

	if g == calendar.Coarsest {
		n, err := a.dst.PurgeAggregated(ctx)
		if err != nil {
			return report, etlerrors.Persistence(err, "purge fact status")
		}
		report.Purged = n
	}

	report.Duration = time.Since(start)
	a.metrics.Counter(metrics.AggregatePeriods, int64(report.Periods), tags)
	a.metrics.Counter(metrics.AggregateFacts, int64(report.Facts), tags)
	a.metrics.Counter(metrics.AggregateMarked, report.Marked, tags)
	a.metrics.Counter(metrics.AggregatePurged, report.Purged, tags)
	a.metrics.Timer(metrics.AggregateDuration, report.Duration, tags)
	log.Info().
		Int("periods", report.Periods).
		Uint64("facts", report.Facts).
		Int64("rows", report.Rows).
		Int64("marked", report.Marked).
		Int64("purged", report.Purged).
		Dur("duration", report.Duration).
		Msg("aggregation complete")
	return report, nil
}

func (a *Aggregator) checkSpecs(ctx context.Context, r calendar.DateRange) error {
	if a.env.SpecsChecked {
		return nil
	}
	missing, err := a.src.ResourcesWithoutSpecs(ctx, r)
	if err != nil {
		return etlerrors.Persistence(err, "check resource specs")
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return etlerrors.MissingResourceSpecs(missing)
	}
	a.env.SpecsChecked = true
	return nil
}

func (a *Aggregator) loadBuckets(ctx context.Context) (*buckets.Set, *buckets.Set, error) {
	load := func(table string) (*buckets.Set, error) {
		rows, err := a.buckets.Buckets(ctx, table)
		if err != nil {
			return nil, etlerrors.Persistence(err, "load buckets").WithContext("table", table)
		}
		if len(rows) == 0 {
			return nil, etlerrors.New(etlerrors.CodeConfiguration, "bucket table is empty").
				WithContext("table", table)
		}
		return buckets.NewSet(table, rows)
	}
	jt, err := load(a.opts.JobTimeTable)
	if err != nil {
		return nil, nil, err
	}
	pb, err := load(a.opts.ProcessorBucketTable)
	if err != nil {
		return nil, nil, err
	}
	return jt, pb, nil
}

// periodRun holds the state of one Aggregate call across its periods.
type periodRun struct {
	g          calendar.Granularity
	resolved   []calendar.Period
	jobTimes   *buckets.Set
	procs      *buckets.Set
	exclusions map[string][]int64

	// seen holds every fact encountered; complete the subset whose whole
	// span lies in resolved periods.
	seen     *roaring64.Bitmap
	complete *roaring64.Bitmap
}

type accumulator [numMeasures]apd.Decimal

func (acc *accumulator) add(i int, v *apd.Decimal) {
	decimalCtx.Add(&acc[i], &acc[i], v)
}

func (pr *periodRun) excluded(f Fact) bool {
	for dim, vals := range pr.exclusions {
		v, _ := f.dimension(dim)
		for _, x := range vals {
			if v == x {
				return true
			}
		}
	}
	return false
}

// covered reports whether every period of the fact's [submit, end] span is
// among the resolved periods.
func (pr *periodRun) covered(f Fact) bool {
	span := calendar.Between(pr.g, f.SubmitTS, f.EndTS)
	if len(span) == 0 {
		return false
	}
	first := sort.Search(len(pr.resolved), func(i int) bool { return pr.resolved[i].StartTS >= span[0].StartTS })
	last := sort.Search(len(pr.resolved), func(i int) bool { return pr.resolved[i].StartTS > span[len(span)-1].StartTS })
	return last-first == len(span)
}

func (pr *periodRun) aggregatePeriod(ctx context.Context, src FactSource, p calendar.Period) ([]Row, error) {
	groups := make(map[GroupKey]*accumulator)

	err := src.FactsIn(ctx, p, func(f Fact) error {
		if f.EndTS < f.StartTS || f.StartTS < f.SubmitTS {
			return etlerrors.New(etlerrors.CodeMalformedRecord, "fact timestamps out of order").
				WithContext("fact_id", f.ID).
				WithContext("submit_ts", f.SubmitTS).
				WithContext("start_ts", f.StartTS).
				WithContext("end_ts", f.EndTS)
		}

		id := uint64(f.ID)
		if !pr.seen.Contains(id) {
			pr.seen.Add(id)
			if pr.covered(f) {
				pr.complete.Add(id)
			}
		}
		if pr.excluded(f) {
			return nil
		}

		jobTime, err := pr.jobTimes.Lookup(f.Wallduration)
		if err != nil {
			return etlerrors.Wrap(err, etlerrors.CodeConfiguration, "job time bucket lookup").
				WithContext("fact_id", f.ID)
		}
		procBucket, err := pr.procs.Lookup(f.ProcessorCount)
		if err != nil {
			return etlerrors.Wrap(err, etlerrors.CodeConfiguration, "processor bucket lookup").
				WithContext("fact_id", f.ID)
		}

		key := GroupKey{
			Resource:        f.ResourceID,
			Person:          f.PersonID,
			Account:         f.AccountID,
			Queue:           f.QueueID,
			PI:              f.PIID,
			FieldOfScience:  f.FOSID,
			ProcessorBucket: procBucket,
			JobTime:         jobTime,
		}
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{}
			groups[key] = acc
		}
		if err := contribute(acc, f, p); err != nil {
			return etlerrors.Wrap(err, etlerrors.CodeMalformedRecord, "fact measure not representable").
				WithContext("fact_id", f.ID)
		}
		return nil
	})
	if err != nil {
		var coded *etlerrors.Error
		if etlerrors.As(err, &coded) {
			return nil, err
		}
		return nil, etlerrors.Persistence(err, "read facts").WithContext("period_id", p.ID)
	}

	rows := make([]Row, 0, len(groups))
	for key, acc := range groups {
		row := Row{PeriodID: p.ID, Key: key}
		for i := range acc {
			row.Measures[i] = toFloat(&acc[i])
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.less(rows[j].Key) })
	return rows, nil
}

var one = apd.New(1, 0)

// contribute adds one fact's share of period p to acc. Nothing is added when
// a measure cannot be represented.
func contribute(acc *accumulator, f Fact, p calendar.Period) error {
	localCharge, err := decimalFromFloat(f.LocalCharge)
	if err != nil {
		return fmt.Errorf("local_charge: %w", err)
	}
	cpuTime, err := decimalFromFloat(f.CPUTime)
	if err != nil {
		return fmt.Errorf("cpu_time: %w", err)
	}

	wall := Share(decimalFromInt(f.Wallduration), f.StartTS, f.EndTS, p)
	acc.add(MeasureWallduration, wall)
	acc.add(MeasureWalldurationSquared, square(wall))

	charge := Share(localCharge, f.StartTS, f.EndTS, p)
	acc.add(MeasureLocalCharge, charge)
	acc.add(MeasureLocalChargeSquared, square(charge))

	acc.add(MeasureCPUTime, Share(cpuTime, f.StartTS, f.EndTS, p))
	acc.add(MeasureNodeTime, Share(decimalFromInt(f.NodeCount*f.Wallduration), f.StartTS, f.EndTS, p))

	if p.Contains(f.SubmitTS) {
		acc.add(MeasureSubmittedJobCount, one)
	}
	if p.Contains(f.StartTS) {
		wait := decimalFromInt(f.Waitduration)
		acc.add(MeasureWaitduration, wait)
		acc.add(MeasureWaitdurationSquared, square(wait))
		acc.add(MeasureStartedJobCount, one)
	}
	if p.Contains(f.EndTS) {
		procs := decimalFromInt(f.ProcessorCount)
		acc.add(MeasureProcessors, procs)
		acc.add(MeasureProcessorsSquared, square(procs))
		acc.add(MeasureJobCount, one)
	}
	if p.Overlaps(f.StartTS, f.EndTS) {
		acc.add(MeasureRunningJobCount, one)
	}
	return nil
}
