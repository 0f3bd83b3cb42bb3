package aggregate

import (
	"context"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
)

// Fact is one job record. Timestamps are unix seconds; the job ran over
// [StartTS, EndTS).
type Fact struct {
	ID             int64
	ResourceID     int64
	PersonID       int64
	AccountID      int64
	QueueID        int64
	PIID           int64
	FOSID          int64
	Wallduration   int64
	Waitduration   int64
	LocalCharge    float64
	CPUTime        float64
	NodeCount      int64
	ProcessorCount int64
	SubmitTS       int64
	StartTS        int64
	EndTS          int64
}

// dimension returns the fact's value for a fact-level dimension column.
func (f Fact) dimension(name string) (int64, bool) {
	switch name {
	case DimResource:
		return f.ResourceID, true
	case DimPerson:
		return f.PersonID, true
	case DimAccount:
		return f.AccountID, true
	case DimQueue:
		return f.QueueID, true
	case DimPI:
		return f.PIID, true
	case DimFieldOfScience:
		return f.FOSID, true
	}
	return 0, false
}

// IsFactDimension reports whether name is a fact-level dimension column that
// exclusions may refer to.
func IsFactDimension(name string) bool {
	_, ok := (Fact{}).dimension(name)
	return ok
}

// GroupKey is the dimension tuple of an aggregate row.
type GroupKey struct {
	Resource        int64
	Person          int64
	Account         int64
	Queue           int64
	PI              int64
	FieldOfScience  int64
	ProcessorBucket int64
	JobTime         int64
}

// Values returns the key in DimensionNames order.
func (k GroupKey) Values() []int64 {
	return []int64{k.Resource, k.Person, k.Account, k.Queue, k.PI, k.FieldOfScience, k.ProcessorBucket, k.JobTime}
}

func (k GroupKey) less(o GroupKey) bool {
	a, b := k.Values(), o.Values()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Row is one aggregate row.
type Row struct {
	PeriodID int64
	Key      GroupKey
	Measures [numMeasures]float64
}

// Measure returns a measure by column name.
func (r Row) Measure(name string) float64 {
	if i := measureFields.Index(name); i >= 0 {
		return r.Measures[i]
	}
	return 0
}

// FactSource reads facts and their aggregation status.
type FactSource interface {
	// ResourcesWithoutSpecs returns ids of resources referenced by facts
	// overlapping r that have no specification metadata.
	ResourcesWithoutSpecs(ctx context.Context, r calendar.DateRange) ([]int64, error)

	// PendingPeriods returns, in time order, every period of the [submit, end]
	// span of each fact overlapping candidates that is not yet aggregated at
	// granularity g. The result may reach outside candidates.
	PendingPeriods(ctx context.Context, g calendar.Granularity, candidates []calendar.Period) ([]calendar.Period, error)

	// FactsIn calls fn for every fact whose [submit, end] overlaps p.
	FactsIn(ctx context.Context, p calendar.Period, fn func(Fact) error) error
}

// Destination stores aggregate rows and fact status flags.
type Destination interface {
	// EnsureTable creates the aggregate table for g if missing.
	EnsureTable(ctx context.Context, g calendar.Granularity) error

	// ReplacePeriod deletes the period's rows, except rows whose dimension
	// values are listed in exclusions, and inserts rows.
	ReplacePeriod(ctx context.Context, g calendar.Granularity, periodID int64, exclusions map[string][]int64, rows []Row) error

	// MarkAggregated sets the g flag on the listed facts.
	MarkAggregated(ctx context.Context, g calendar.Granularity, ids *roaring64.Bitmap) (int64, error)

	// PurgeAggregated deletes status rows aggregated at every flagged
	// granularity.
	PurgeAggregated(ctx context.Context) (int64, error)
}

// BucketSource loads lookup bucket tables.
type BucketSource interface {
	Buckets(ctx context.Context, table string) ([]buckets.Bucket, error)
}
