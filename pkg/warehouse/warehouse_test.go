package warehouse

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/aggregate"
	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/reconstruct"
)

var drivers = []string{DriverDuckDB, DriverSQLite}

func openWarehouse(t *testing.T, driver string) *Warehouse {
	t.Helper()
	w, err := Open(context.Background(), Config{Driver: driver}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func unix(s string) int64 {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t.Unix()
}

func fact(id, resource int64, submit, start, end string) aggregate.Fact {
	s, st, e := unix(submit), unix(start), unix(end)
	return aggregate.Fact{
		ID:             id,
		ResourceID:     resource,
		PersonID:       100 + id,
		AccountID:      7,
		QueueID:        3,
		PIID:           9,
		FOSID:          11,
		Wallduration:   e - st,
		Waitduration:   st - s,
		LocalCharge:    float64(e-st) / 3600,
		NodeCount:      1,
		ProcessorCount: 4,
		SubmitTS:       s,
		StartTS:        st,
		EndTS:          e,
	}
}

// seed loads facts, bucket tables and resource specs for resource 1.
func seed(t *testing.T, w *Warehouse, facts ...aggregate.Fact) {
	t.Helper()
	ctx := context.Background()
	if err := w.LoadFacts(ctx, facts); err != nil {
		t.Fatal(err)
	}
	if err := buckets.NewJobTimeGenerator("job_times").Regenerate(ctx, w); err != nil {
		t.Fatal(err)
	}
	gen, err := buckets.NewProcessorBucketGenerator("processor_buckets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := gen.Regenerate(ctx, w); err != nil {
		t.Fatal(err)
	}

	layout := reconstruct.ResourceSpecsLayout()
	if err := w.InsertSnapshots(ctx, layout, []reconstruct.Row{
		{"resource_id": int64(1), "cpu_node_count": int64(10), "cpu_processor_count": int64(40), "cpu_ppn": int64(4), "event_ts": unix("2022-06-01 00:00:00")},
		{"resource_id": int64(1), "cpu_node_count": int64(20), "cpu_processor_count": int64(80), "cpu_ppn": int64(4), "event_ts": unix("2023-01-01 00:00:00")},
	}); err != nil {
		t.Fatal(err)
	}
	runner := &reconstruct.Runner{Source: w, Sink: w, Logger: zerolog.Nop()}
	if _, err := runner.Run(ctx, layout); err != nil {
		t.Fatal(err)
	}
}

func newAggregator(t *testing.T, w *Warehouse) *aggregate.Aggregator {
	t.Helper()
	a, err := aggregate.New(w, w, w, &aggregate.Env{}, aggregate.Options{
		TablePrefix: w.TablePrefix(),
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, zerolog.Nop())
	if !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	_, err = Open(context.Background(), Config{Driver: DriverPostgres}, zerolog.Nop())
	if !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("postgres without dsn should be a configuration error, got %v", err)
	}
}

func TestWarehouse_MonthAggregation(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			w := openWarehouse(t, driver)
			ctx := context.Background()
			seed(t, w, fact(1, 1, "2023-01-14 23:00:00", "2023-01-15 00:00:00", "2023-02-10 00:00:00"))

			r, _ := calendar.ParseDateRange("2023-01-01", "2023-03-31")
			report, err := newAggregator(t, w).Aggregate(ctx, calendar.Month, r)
			if err != nil {
				t.Fatal(err)
			}
			if report.Periods != 2 || report.Marked != 1 {
				t.Errorf("unexpected report %+v", report)
			}

			rows, err := w.AggregateRows(ctx, calendar.Month)
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 2 {
				t.Fatalf("expected 2 rows, got %d", len(rows))
			}
			if rows[0].Measure("wallduration") != 1468800 || rows[1].Measure("wallduration") != 777600 {
				t.Errorf("wallduration split = %v / %v", rows[0].Measure("wallduration"), rows[1].Measure("wallduration"))
			}
			if rows[0].Measure("job_count") != 0 || rows[1].Measure("job_count") != 1 {
				t.Errorf("job_count belongs to the end period: %+v", rows)
			}

			n, err := w.UnaggregatedFacts(ctx, calendar.Month)
			if err != nil || n != 0 {
				t.Errorf("unaggregated month facts = %d, %v", n, err)
			}
			n, err = w.UnaggregatedFacts(ctx, calendar.Day)
			if err != nil || n != 1 {
				t.Errorf("day flag must be untouched by a month run: %d, %v", n, err)
			}
		})
	}
}

func TestWarehouse_Idempotent(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			w := openWarehouse(t, driver)
			ctx := context.Background()
			seed(t, w,
				fact(1, 1, "2023-03-01 08:00:00", "2023-03-01 09:00:00", "2023-03-03 10:30:00"),
				fact(2, 1, "2023-03-02 00:00:00", "2023-03-02 12:00:00", "2023-03-02 12:00:00"),
			)
			r, _ := calendar.ParseDateRange("2023-03-01", "2023-03-31")
			a := newAggregator(t, w)

			if _, err := a.Aggregate(ctx, calendar.Day, r); err != nil {
				t.Fatal(err)
			}
			first, err := w.AggregateRows(ctx, calendar.Day)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := w.ResetAggregated(ctx, calendar.Day); err != nil {
				t.Fatal(err)
			}
			if _, err := a.Aggregate(ctx, calendar.Day, r); err != nil {
				t.Fatal(err)
			}
			second, err := w.AggregateRows(ctx, calendar.Day)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(first, second) {
				t.Errorf("re-aggregation changed rows:\n%+v\n%+v", first, second)
			}

			var wall float64
			for _, row := range second {
				wall += row.Measure("wallduration")
			}
			if wall != float64(unix("2023-03-03 10:30:00")-unix("2023-03-01 09:00:00")) {
				t.Errorf("wallduration not conserved: %v", wall)
			}
		})
	}
}

func TestWarehouse_MissingSpecs(t *testing.T) {
	w := openWarehouse(t, DriverDuckDB)
	ctx := context.Background()
	seed(t, w, fact(1, 5, "2023-03-01 08:00:00", "2023-03-01 09:00:00", "2023-03-01 10:00:00"))

	r, _ := calendar.ParseDateRange("2023-03-01", "2023-03-01")
	_, err := newAggregator(t, w).Aggregate(ctx, calendar.Day, r)
	if !etlerrors.IsCode(err, etlerrors.CodePrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	n, err := w.CountRows(ctx, aggregate.TableName(w.TablePrefix(), calendar.Day))
	if err == nil && n != 0 {
		t.Errorf("precondition failure wrote %d rows", n)
	}
}

func TestWarehouse_PendingPeriods(t *testing.T) {
	w := openWarehouse(t, DriverDuckDB)
	ctx := context.Background()
	seed(t, w,
		fact(1, 1, "2023-03-02 08:00:00", "2023-03-02 09:00:00", "2023-03-04 10:00:00"),
		fact(2, 1, "2023-03-10 08:00:00", "2023-03-10 09:00:00", "2023-03-10 10:00:00"),
	)

	r, _ := calendar.ParseDateRange("2023-03-01", "2023-03-31")
	candidates := calendar.Between(calendar.Day, r.Start, r.End)
	got, err := w.PendingPeriods(ctx, calendar.Day, candidates)
	if err != nil {
		t.Fatal(err)
	}
	var days []int
	for _, p := range got {
		days = append(days, p.Start.Day())
	}
	if want := []int{2, 3, 4, 10}; !reflect.DeepEqual(days, want) {
		t.Errorf("pending days = %v, want %v", days, want)
	}

	ids := roaring64.BitmapOf(2)
	if n, err := w.MarkAggregated(ctx, calendar.Day, ids); err != nil || n != 1 {
		t.Fatalf("MarkAggregated = %d, %v", n, err)
	}
	got, err = w.PendingPeriods(ctx, calendar.Day, candidates)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 pending days after marking, got %d", len(got))
	}

	if _, err := w.PendingPeriods(ctx, calendar.Week, candidates); !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("week has no status flag, got %v", err)
	}
}

func TestWarehouse_ReplacePeriodKeepsExcluded(t *testing.T) {
	w := openWarehouse(t, DriverDuckDB)
	ctx := context.Background()
	if err := w.EnsureTable(ctx, calendar.Day); err != nil {
		t.Fatal(err)
	}

	var external, stale aggregate.Row
	external.PeriodID, external.Key.Queue = 202300060, 99
	stale.PeriodID, stale.Key.Queue = 202300060, 3
	if err := w.ReplacePeriod(ctx, calendar.Day, 202300060, nil, []aggregate.Row{external, stale}); err != nil {
		t.Fatal(err)
	}

	fresh := aggregate.Row{PeriodID: 202300060, Key: aggregate.GroupKey{Queue: 4}}
	exclusions := map[string][]int64{aggregate.DimQueue: {99}}
	if err := w.ReplacePeriod(ctx, calendar.Day, 202300060, exclusions, []aggregate.Row{fresh}); err != nil {
		t.Fatal(err)
	}

	rows, err := w.AggregateRows(ctx, calendar.Day)
	if err != nil {
		t.Fatal(err)
	}
	var queues []int64
	for _, r := range rows {
		queues = append(queues, r.Key.Queue)
	}
	if want := []int64{4, 99}; !reflect.DeepEqual(queues, want) {
		t.Errorf("queues after replace = %v, want %v", queues, want)
	}
}

func TestWarehouse_PurgeAfterYear(t *testing.T) {
	w := openWarehouse(t, DriverSQLite)
	ctx := context.Background()
	seed(t, w, fact(1, 1, "2023-05-01 08:00:00", "2023-05-01 09:00:00", "2023-05-01 10:00:00"))

	r, _ := calendar.ParseDateRange("2023-01-01", "2023-12-31")
	a := newAggregator(t, w)
	var report aggregate.Report
	var err error
	for _, g := range calendar.All {
		if report, err = a.Aggregate(ctx, g, r); err != nil {
			t.Fatalf("%s: %v", g, err)
		}
	}
	if report.Purged != 1 {
		t.Errorf("purged = %d, want 1", report.Purged)
	}
	if n, _ := w.CountRows(ctx, "jobfact_status"); n != 0 {
		t.Errorf("status rows left after purge: %d", n)
	}
	if n, _ := w.CountRows(ctx, aggregate.TableName(w.TablePrefix(), calendar.Week)); n != 1 {
		t.Errorf("week table rows = %d, want 1", n)
	}
}

func TestWarehouse_ReconstructResourceSpecs(t *testing.T) {
	w := openWarehouse(t, DriverDuckDB)
	ctx := context.Background()
	seed(t, w)

	ivs, err := w.Intervals(ctx, reconstruct.ResourceSpecsLayout())
	if err != nil {
		t.Fatal(err)
	}
	if len(ivs) != 2 {
		t.Fatalf("expected 2 intervals, got %+v", ivs)
	}
	if ivs[0].End != unix("2023-01-01 00:00:00")-1 || ivs[1].Start != unix("2023-01-01 00:00:00") {
		t.Errorf("intervals are not contiguous: %+v", ivs)
	}
}

func TestWarehouse_BucketsAndPeriods(t *testing.T) {
	w := openWarehouse(t, DriverDuckDB)
	ctx := context.Background()

	got, err := w.Buckets(ctx, "job_times")
	if err != nil || len(got) != 0 {
		t.Fatalf("unseeded bucket table = %v, %v", got, err)
	}
	gen := buckets.NewJobTimeGenerator("job_times")
	for i := 0; i < 2; i++ {
		if err := gen.Regenerate(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	got, err = w.Buckets(ctx, "job_times")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, buckets.JobTimes()) {
		t.Errorf("regenerated buckets differ:\n%+v", got)
	}

	r, _ := calendar.ParseDateRange("2024-01-01", "2024-12-31")
	n, err := w.SeedPeriods(ctx, calendar.Quarter, r)
	if err != nil || n != 4 {
		t.Fatalf("SeedPeriods = %d, %v", n, err)
	}
	if _, err := w.SeedPeriods(ctx, calendar.Quarter, r); err != nil {
		t.Fatalf("re-seeding must be idempotent: %v", err)
	}
	if c, _ := w.CountRows(ctx, "quarters"); c != 4 {
		t.Errorf("quarters rows = %d, want 4", c)
	}
}

func TestWarehouse_SeededPeriodsMatchCalendar(t *testing.T) {
	w := openWarehouse(t, DriverDuckDB)
	ctx := context.Background()
	r, _ := calendar.ParseDateRange("2023-12-15", "2025-01-10")

	for _, g := range calendar.All {
		t.Run(string(g), func(t *testing.T) {
			if _, err := w.SeedPeriods(ctx, g, r); err != nil {
				t.Fatal(err)
			}
			table, _ := PeriodTable(g)
			rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT id, start_ts, end_ts FROM %s ORDER BY start_ts", table))
			if err != nil {
				t.Fatal(err)
			}
			defer rows.Close()

			want := calendar.Between(g, r.Start, r.End)
			i := 0
			for rows.Next() {
				var id, start, end int64
				if err := rows.Scan(&id, &start, &end); err != nil {
					t.Fatal(err)
				}
				if i >= len(want) {
					t.Fatalf("more seeded rows than computed periods")
				}
				if p := want[i]; id != p.ID || start != p.StartTS || end != p.EndTS {
					t.Errorf("row %d = (%d, %d, %d), computed %+v", i, id, start, end, p)
				}
				i++
			}
			if err := rows.Err(); err != nil {
				t.Fatal(err)
			}
			if i != len(want) {
				t.Errorf("seeded %d rows, computed %d periods", i, len(want))
			}
		})
	}
}

func TestWarehouse_StateBackend(t *testing.T) {
	w := openWarehouse(t, DriverSQLite)
	b, err := w.StateBackend(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "sql" {
		t.Errorf("backend name = %q", b.Name())
	}
}
