package aggregate

import (
	"context"
	"math"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/metrics"
)

// memStore is an in-memory FactSource, Destination and BucketSource.
type memStore struct {
	facts   []Fact
	specs   map[int64]bool
	flags   map[int64]map[calendar.Granularity]bool
	purged  map[int64]bool
	tables  map[calendar.Granularity]map[int64][]Row
	buckets map[string][]buckets.Bucket
	writes  int
}

func newMemStore(facts ...Fact) *memStore {
	s := &memStore{
		facts:  facts,
		specs:  map[int64]bool{},
		flags:  map[int64]map[calendar.Granularity]bool{},
		purged: map[int64]bool{},
		tables: map[calendar.Granularity]map[int64][]Row{},
		buckets: map[string][]buckets.Bucket{
			"job_times":         buckets.JobTimes(),
			"processor_buckets": buckets.DefaultProcessorBuckets(),
		},
	}
	for _, f := range facts {
		s.specs[f.ResourceID] = true
	}
	return s
}

func (s *memStore) ResourcesWithoutSpecs(ctx context.Context, r calendar.DateRange) ([]int64, error) {
	seen := map[int64]bool{}
	var out []int64
	for _, f := range s.facts {
		if f.SubmitTS <= r.End && f.EndTS >= r.Start && !s.specs[f.ResourceID] && !seen[f.ResourceID] {
			seen[f.ResourceID] = true
			out = append(out, f.ResourceID)
		}
	}
	return out, nil
}

func (s *memStore) PendingPeriods(ctx context.Context, g calendar.Granularity, candidates []calendar.Period) ([]calendar.Period, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	lo, hi := candidates[0].StartTS, candidates[len(candidates)-1].EndTS
	byID := map[int64]calendar.Period{}
	for _, f := range s.facts {
		if s.purged[f.ID] || s.flags[f.ID][g] || f.SubmitTS > hi || f.EndTS < lo {
			continue
		}
		for _, p := range calendar.Between(g, f.SubmitTS, f.EndTS) {
			byID[p.ID] = p
		}
	}
	out := make([]calendar.Period, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTS < out[j].StartTS })
	return out, nil
}

func (s *memStore) FactsIn(ctx context.Context, p calendar.Period, fn func(Fact) error) error {
	for _, f := range s.facts {
		if f.SubmitTS <= p.EndTS && f.EndTS >= p.StartTS {
			if err := fn(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *memStore) EnsureTable(ctx context.Context, g calendar.Granularity) error {
	if s.tables[g] == nil {
		s.tables[g] = map[int64][]Row{}
	}
	return nil
}

func (s *memStore) ReplacePeriod(ctx context.Context, g calendar.Granularity, periodID int64, exclusions map[string][]int64, rows []Row) error {
	s.writes++
	var kept []Row
	for _, r := range s.tables[g][periodID] {
		if rowExcluded(r, exclusions) {
			kept = append(kept, r)
		}
	}
	s.tables[g][periodID] = append(kept, rows...)
	return nil
}

func rowExcluded(r Row, exclusions map[string][]int64) bool {
	names := DimensionNames()
	vals := r.Key.Values()
	for dim, xs := range exclusions {
		for i, n := range names {
			if n != dim {
				continue
			}
			for _, x := range xs {
				if vals[i] == x {
					return true
				}
			}
		}
	}
	return false
}

func (s *memStore) MarkAggregated(ctx context.Context, g calendar.Granularity, ids *roaring64.Bitmap) (int64, error) {
	var n int64
	it := ids.Iterator()
	for it.HasNext() {
		id := int64(it.Next())
		if s.flags[id] == nil {
			s.flags[id] = map[calendar.Granularity]bool{}
		}
		s.flags[id][g] = true
		n++
	}
	return n, nil
}

func (s *memStore) PurgeAggregated(ctx context.Context) (int64, error) {
	var n int64
	for id, fl := range s.flags {
		all := true
		for _, g := range calendar.Watermarked {
			if !fl[g] {
				all = false
			}
		}
		if all {
			s.purged[id] = true
			delete(s.flags, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Buckets(ctx context.Context, table string) ([]buckets.Bucket, error) {
	return s.buckets[table], nil
}

func (s *memStore) rows(g calendar.Granularity) []Row {
	var out []Row
	for _, rs := range s.tables[g] {
		out = append(out, rs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodID != out[j].PeriodID {
			return out[i].PeriodID < out[j].PeriodID
		}
		return out[i].Key.less(out[j].Key)
	})
	return out
}

func unix(s string) int64 {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t.Unix()
}

func dateRange(t *testing.T, from, to string) calendar.DateRange {
	t.Helper()
	r, err := calendar.ParseDateRange(from, to)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newAggregator(t *testing.T, s *memStore, opts Options) *Aggregator {
	t.Helper()
	opts.Logger = zerolog.Nop()
	a, err := New(s, s, s, &Env{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func job(id int64, submit, start, end string) Fact {
	s, st, e := unix(submit), unix(start), unix(end)
	return Fact{
		ID:             id,
		ResourceID:     1,
		PersonID:       10,
		AccountID:      20,
		QueueID:        30,
		PIID:           40,
		FOSID:          50,
		Wallduration:   e - st,
		Waitduration:   st - s,
		NodeCount:      2,
		ProcessorCount: 16,
		SubmitTS:       s,
		StartTS:        st,
		EndTS:          e,
	}
}

func TestAggregate_MonthSplit(t *testing.T) {
	f := job(1, "2023-01-14 23:00:00", "2023-01-15 00:00:00", "2023-02-10 00:00:00")
	f.LocalCharge = 260
	s := newMemStore(f)
	a := newAggregator(t, s, Options{})

	report, err := a.Aggregate(context.Background(), calendar.Month, dateRange(t, "2023-01-01", "2023-02-28"))
	if err != nil {
		t.Fatal(err)
	}
	if report.Periods != 2 || report.Marked != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	rows := s.rows(calendar.Month)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	jan, feb := rows[0], rows[1]
	if got := jan.Measure("wallduration"); got != 17*86400 {
		t.Errorf("January wallduration = %v, want %v", got, 17*86400)
	}
	if got := feb.Measure("wallduration"); got != 9*86400 {
		t.Errorf("February wallduration = %v, want %v", got, 9*86400)
	}
	if got := jan.Measure("local_charge") + feb.Measure("local_charge"); got != 260 {
		t.Errorf("local_charge total = %v, want 260", got)
	}

	counts := []struct {
		name     string
		jan, feb float64
	}{
		{"submitted_job_count", 1, 0},
		{"started_job_count", 1, 0},
		{"job_count", 0, 1},
		{"running_job_count", 1, 1},
		{"processors", 0, 16},
		{"waitduration", 3600, 0},
	}
	for _, c := range counts {
		if jan.Measure(c.name) != c.jan || feb.Measure(c.name) != c.feb {
			t.Errorf("%s = (%v, %v), want (%v, %v)", c.name, jan.Measure(c.name), feb.Measure(c.name), c.jan, c.feb)
		}
	}

	// 26 days of wall time falls in the 18+hr bucket; 16 processors in 9 - 64.
	if jan.Key.JobTime != 7 || jan.Key.ProcessorBucket != 4 {
		t.Errorf("unexpected bucket ids %+v", jan.Key)
	}
}

func TestAggregate_Conservation(t *testing.T) {
	facts := []Fact{
		job(1, "2023-03-01 08:00:00", "2023-03-01 09:17:13", "2023-03-04 02:03:05"),
		job(2, "2023-03-02 00:00:00", "2023-03-02 23:59:58", "2023-03-03 00:00:03"),
		job(3, "2023-03-05 10:00:00", "2023-03-05 10:00:00", "2023-03-05 10:00:00"),
		job(4, "2023-03-05 10:00:00", "2023-03-05 11:00:00", "2023-03-09 13:14:15"),
	}
	facts[0].Wallduration = 7 * 3600 // suspended job: wall time below elapsed time
	facts[0].LocalCharge = 10.0 / 3
	facts[3].LocalCharge = 1234.567
	s := newMemStore(facts...)
	a := newAggregator(t, s, Options{})

	if _, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-03-01", "2023-03-31")); err != nil {
		t.Fatal(err)
	}

	var wall, charge, jobs float64
	for _, r := range s.rows(calendar.Day) {
		wall += r.Measure("wallduration")
		charge += r.Measure("local_charge")
		jobs += r.Measure("job_count")
	}
	var wantWall, wantCharge float64
	for _, f := range facts {
		wantWall += float64(f.Wallduration)
		wantCharge += f.LocalCharge
	}
	if math.Abs(wall-wantWall) > 1e-6 {
		t.Errorf("wallduration total = %v, want %v", wall, wantWall)
	}
	if math.Abs(charge-wantCharge) > 1e-5 {
		t.Errorf("local_charge total = %v, want %v", charge, wantCharge)
	}
	if jobs != 4 {
		t.Errorf("job_count total = %v, want 4", jobs)
	}
}

func TestAggregate_ZeroLengthFact(t *testing.T) {
	f := job(1, "2023-03-05 10:00:00", "2023-03-05 10:00:00", "2023-03-05 10:00:00")
	f.LocalCharge = 5
	s := newMemStore(f)
	a := newAggregator(t, s, Options{})
	if _, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-03-05", "2023-03-05")); err != nil {
		t.Fatal(err)
	}
	rows := s.rows(calendar.Day)
	if len(rows) != 1 || rows[0].Measure("local_charge") != 5 || rows[0].Key.JobTime != 0 {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	facts := []Fact{
		job(1, "2023-01-30 00:00:00", "2023-01-31 12:00:00", "2023-02-02 06:00:00"),
		job(2, "2023-02-01 00:00:00", "2023-02-01 01:00:00", "2023-02-01 03:00:00"),
	}
	s := newMemStore(facts...)
	a := newAggregator(t, s, Options{})
	r := dateRange(t, "2023-01-01", "2023-03-31")

	if _, err := a.Aggregate(context.Background(), calendar.Day, r); err != nil {
		t.Fatal(err)
	}
	first := s.rows(calendar.Day)

	// A second run with nothing new touches no period.
	report, err := a.Aggregate(context.Background(), calendar.Day, r)
	if err != nil {
		t.Fatal(err)
	}
	if report.Periods != 0 {
		t.Errorf("second run processed %d periods, want 0", report.Periods)
	}

	// Forcing re-aggregation converges to the same rows.
	s.flags = map[int64]map[calendar.Granularity]bool{}
	if _, err := a.Aggregate(context.Background(), calendar.Day, r); err != nil {
		t.Fatal(err)
	}
	if second := s.rows(calendar.Day); !reflect.DeepEqual(first, second) {
		t.Errorf("re-aggregation changed rows:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestAggregate_ResolvesWholeFactSpan(t *testing.T) {
	f := job(1, "2023-01-30 00:00:00", "2023-01-30 00:00:00", "2023-02-02 00:00:00")
	s := newMemStore(f)
	a := newAggregator(t, s, Options{})

	report, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-31"))
	if err != nil {
		t.Fatal(err)
	}
	if report.Periods != 4 || report.Marked != 1 {
		t.Errorf("fact spanning past the range should pull in its later days and be marked: %+v", report)
	}
	if rows := s.rows(calendar.Day); len(rows) != 4 {
		t.Errorf("expected one row per day of the span, got %d", len(rows))
	}
}

func TestAggregate_IncrementalRangesMarkEarlySubmission(t *testing.T) {
	f := job(1, "2022-12-30 00:00:00", "2023-01-01 00:00:00", "2023-01-02 00:00:00")
	s := newMemStore(f)
	a := newAggregator(t, s, Options{})
	gs := []calendar.Granularity{calendar.Day, calendar.Month, calendar.Quarter, calendar.Year}

	ranges := [][2]string{
		{"2023-01-01", "2023-01-02"},
		{"2023-01-02", "2023-01-03"},
		{"2023-01-03", "2023-01-04"},
	}
	for i, rng := range ranges {
		for _, g := range gs {
			report, err := a.Aggregate(context.Background(), g, dateRange(t, rng[0], rng[1]))
			if err != nil {
				t.Fatal(err)
			}
			if i == 0 && report.Marked != 1 {
				t.Errorf("%s: first run should mark the fact: %+v", g, report)
			}
			if i > 0 && report.Periods != 0 {
				t.Errorf("%s: run %d re-resolved %d periods", g, i+1, report.Periods)
			}
			if g == calendar.Year && i == 0 && report.Purged != 1 {
				t.Errorf("status row should be purged after the first year run: %+v", report)
			}
		}
	}

	var submitted float64
	for _, r := range s.rows(calendar.Day) {
		submitted += r.Measure("submitted_job_count")
	}
	if submitted != 1 {
		t.Errorf("submission day before the range should be aggregated, submitted_job_count = %v", submitted)
	}
}

func TestAggregate_MissingSpecs(t *testing.T) {
	f := job(1, "2023-01-01 00:00:00", "2023-01-01 01:00:00", "2023-01-01 02:00:00")
	g := job(2, "2023-01-01 00:00:00", "2023-01-01 01:00:00", "2023-01-01 02:00:00")
	g.ResourceID = 7
	s := newMemStore(f, g)
	delete(s.specs, 7)
	a := newAggregator(t, s, Options{})

	_, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-01"))
	if !etlerrors.IsCode(err, etlerrors.CodePrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if !strings.Contains(err.Error(), "7") {
		t.Errorf("error should list the offending resource: %v", err)
	}
	if s.writes != 0 {
		t.Errorf("precondition failure wrote %d periods", s.writes)
	}

	s.specs[7] = true
	if _, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-01")); err != nil {
		t.Fatal(err)
	}
	if !a.env.SpecsChecked {
		t.Error("successful check should be recorded on the env")
	}
}

func TestAggregate_Exclusions(t *testing.T) {
	kept := job(1, "2023-01-01 00:00:00", "2023-01-01 01:00:00", "2023-01-01 02:00:00")
	external := kept
	external.ID = 2
	external.QueueID = 99
	s := newMemStore(kept, external)

	day := calendar.PeriodAt(calendar.Day, kept.StartTS)
	s.tables[calendar.Day] = map[int64][]Row{
		day.ID: {
			{PeriodID: day.ID, Key: GroupKey{Queue: 99}},
			{PeriodID: day.ID, Key: GroupKey{Queue: 30}},
		},
	}

	a := newAggregator(t, s, Options{Exclusions: map[string][]int64{DimQueue: {99}}})
	report, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-01"))
	if err != nil {
		t.Fatal(err)
	}

	rows := s.rows(calendar.Day)
	if len(rows) != 2 {
		t.Fatalf("expected externally maintained row plus one fresh row, got %+v", rows)
	}
	for _, r := range rows {
		if r.Key.Queue == 99 && r.Measure("job_count") != 0 {
			t.Errorf("excluded row was rewritten: %+v", r)
		}
		if r.Key.Queue == 30 && r.Measure("job_count") != 1 {
			t.Errorf("fresh row should count only the non-excluded job: %+v", r)
		}
	}
	if report.Marked != 2 {
		t.Errorf("excluded facts are still marked, got %d", report.Marked)
	}

	if _, err := New(s, s, s, nil, Options{Exclusions: map[string][]int64{"color": {1}}}); !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("unknown exclusion dimension should be a configuration error, got %v", err)
	}
}

func TestAggregate_InvalidGranularity(t *testing.T) {
	a := newAggregator(t, newMemStore(), Options{})
	_, err := a.Aggregate(context.Background(), calendar.Granularity("fortnight"), dateRange(t, "2023-01-01", "2023-01-02"))
	if !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestAggregate_MissingBuckets(t *testing.T) {
	s := newMemStore()
	delete(s.buckets, "processor_buckets")
	a := newAggregator(t, s, Options{})
	_, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-02"))
	if !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestAggregate_Canceled(t *testing.T) {
	s := newMemStore(job(1, "2023-01-01 00:00:00", "2023-01-01 01:00:00", "2023-01-01 02:00:00"))
	a := newAggregator(t, s, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Aggregate(ctx, calendar.Day, dateRange(t, "2023-01-01", "2023-01-01"))
	if !etlerrors.IsCode(err, etlerrors.CodeCanceled) {
		t.Errorf("expected canceled error, got %v", err)
	}
}

func TestAggregate_WeekIsNotMarked(t *testing.T) {
	s := newMemStore(job(1, "2023-01-03 00:00:00", "2023-01-03 01:00:00", "2023-01-03 02:00:00"))
	a := newAggregator(t, s, Options{})
	report, err := a.Aggregate(context.Background(), calendar.Week, dateRange(t, "2023-01-02", "2023-01-15"))
	if err != nil {
		t.Fatal(err)
	}
	if report.Periods != 2 || report.Marked != 0 {
		t.Errorf("week runs resolve every period and mark nothing: %+v", report)
	}
}

func TestAggregate_YearPurges(t *testing.T) {
	s := newMemStore(job(1, "2023-05-01 00:00:00", "2023-05-01 01:00:00", "2023-05-01 02:00:00"))
	rec := metrics.NewRecorder(nil)
	a, err := New(s, s, s, &Env{}, Options{Logger: zerolog.Nop(), Metrics: rec})
	if err != nil {
		t.Fatal(err)
	}
	r := dateRange(t, "2023-01-01", "2023-12-31")

	var report Report
	for _, g := range []calendar.Granularity{calendar.Day, calendar.Month, calendar.Quarter, calendar.Year} {
		if report, err = a.Aggregate(context.Background(), g, r); err != nil {
			t.Fatal(err)
		}
	}
	if report.Purged != 1 || !s.purged[1] {
		t.Errorf("fully aggregated status row should be purged after the year run: %+v", report)
	}
	if got := rec.CounterValue(metrics.AggregatePeriods); got != 4 {
		t.Errorf("periods counter = %d, want 4", got)
	}
}

func TestAggregate_MalformedFact(t *testing.T) {
	f := job(1, "2023-01-01 00:00:00", "2023-01-01 05:00:00", "2023-01-01 06:00:00")
	f.EndTS = f.StartTS - 10
	s := newMemStore(f)
	a := newAggregator(t, s, Options{})
	_, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-01"))
	if !etlerrors.IsCode(err, etlerrors.CodeMalformedRecord) {
		t.Errorf("expected malformed record error, got %v", err)
	}
}

func TestAggregate_NonFiniteMeasure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Fact)
	}{
		{"nan charge", func(f *Fact) { f.LocalCharge = math.NaN() }},
		{"inf cpu time", func(f *Fact) { f.CPUTime = math.Inf(1) }},
		{"negative inf charge", func(f *Fact) { f.LocalCharge = math.Inf(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := job(42, "2023-01-01 00:00:00", "2023-01-01 01:00:00", "2023-01-01 02:00:00")
			tt.mutate(&f)
			s := newMemStore(f)
			a := newAggregator(t, s, Options{})
			_, err := a.Aggregate(context.Background(), calendar.Day, dateRange(t, "2023-01-01", "2023-01-01"))
			if !etlerrors.IsCode(err, etlerrors.CodeMalformedRecord) {
				t.Fatalf("expected malformed record error, got %v", err)
			}
			if !strings.Contains(err.Error(), "42") {
				t.Errorf("error should name the fact: %v", err)
			}
			if s.writes != 0 {
				t.Errorf("period written despite unrepresentable measure")
			}
		})
	}
}
