// Package buckets defines the lookup buckets that turn continuous job metrics
// (wall time, processor count) into discrete aggregation dimensions, and the
// generators that seed their reference tables.
package buckets

import (
	"context"
	"fmt"
	"math"
	"sort"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Bucket is an inclusive integer range [Min, Max].
type Bucket struct {
	ID          int64  `yaml:"id" json:"id"`
	Min         int64  `yaml:"min" json:"min"`
	Max         int64  `yaml:"max" json:"max"`
	Description string `yaml:"description" json:"description"`
}

// Contains reports whether v falls inside the bucket (v BETWEEN min AND max).
func (b Bucket) Contains(v int64) bool {
	return v >= b.Min && v <= b.Max
}

// Unbounded is the max value used by the open-ended top bucket.
const Unbounded = math.MaxInt32

// JobTimes returns the fixed job duration buckets, in seconds.
func JobTimes() []Bucket {
	return []Bucket{
		{ID: 0, Min: 0, Max: 0, Description: "0 - 1s"},
		{ID: 1, Min: 1, Max: 29, Description: "1 - 30s"},
		{ID: 2, Min: 30, Max: 1799, Description: "30s - 30min"},
		{ID: 3, Min: 1800, Max: 3599, Description: "30 - 60min"},
		{ID: 4, Min: 3600, Max: 17999, Description: "1 - 5hr"},
		{ID: 5, Min: 18000, Max: 35999, Description: "5 - 10hr"},
		{ID: 6, Min: 36000, Max: 64799, Description: "10 - 18hr"},
		{ID: 7, Min: 64800, Max: Unbounded, Description: "18+hr"},
	}
}

// DefaultProcessorBuckets is the processor bucket set shipped in the default
// configuration.
func DefaultProcessorBuckets() []Bucket {
	return []Bucket{
		{ID: 1, Min: 1, Max: 1, Description: "1"},
		{ID: 2, Min: 2, Max: 4, Description: "2 - 4"},
		{ID: 3, Min: 5, Max: 8, Description: "5 - 8"},
		{ID: 4, Min: 9, Max: 64, Description: "9 - 64"},
		{ID: 5, Min: 65, Max: 256, Description: "65 - 256"},
		{ID: 6, Min: 257, Max: 512, Description: "257 - 512"},
		{ID: 7, Min: 513, Max: 1024, Description: "513 - 1024"},
		{ID: 8, Min: 1025, Max: 8192, Description: "1k - 8k"},
		{ID: 9, Min: 8193, Max: 32768, Description: "8k - 32k"},
		{ID: 10, Min: 32769, Max: 131072, Description: "32k - 131k"},
		{ID: 11, Min: 131073, Max: Unbounded, Description: "> 131k"},
	}
}

// ProcessorBuckets validates an externally configured processor bucket list.
func ProcessorBuckets(configured []Bucket) ([]Bucket, error) {
	if len(configured) == 0 {
		return nil, etlerrors.New(etlerrors.CodeConfiguration, "processor bucket configuration is missing")
	}
	if err := Validate(configured); err != nil {
		return nil, err
	}
	out := make([]Bucket, len(configured))
	copy(out, configured)
	return out, nil
}

// Validate checks that ids are unique, every range is well formed, and no two
// ranges overlap.
func Validate(bs []Bucket) error {
	seen := make(map[int64]bool, len(bs))
	sorted := make([]Bucket, len(bs))
	copy(sorted, bs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	for i, b := range sorted {
		if seen[b.ID] {
			return etlerrors.New(etlerrors.CodeConfiguration, "duplicate bucket id").
				WithContext("id", b.ID)
		}
		seen[b.ID] = true
		if b.Min > b.Max {
			return etlerrors.New(etlerrors.CodeConfiguration, "bucket min exceeds max").
				WithContext("id", b.ID).
				WithContext("min", b.Min).
				WithContext("max", b.Max)
		}
		if i > 0 && b.Min <= sorted[i-1].Max {
			return etlerrors.New(etlerrors.CodeConfiguration, "bucket ranges overlap").
				WithContext("first", sorted[i-1].ID).
				WithContext("second", b.ID)
		}
	}
	return nil
}

// Set is a validated bucket list used for lookups during aggregation.
type Set struct {
	name    string
	buckets []Bucket
}

// NewSet builds a lookup set. Buckets are ordered by Min.
func NewSet(name string, bs []Bucket) (*Set, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}
	sorted := make([]Bucket, len(bs))
	copy(sorted, bs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
	return &Set{name: name, buckets: sorted}, nil
}

// Lookup returns the id of the bucket containing v.
func (s *Set) Lookup(v int64) (int64, error) {
	i := sort.Search(len(s.buckets), func(i int) bool { return s.buckets[i].Max >= v })
	if i < len(s.buckets) && s.buckets[i].Contains(v) {
		return s.buckets[i].ID, nil
	}
	return 0, etlerrors.New(etlerrors.CodeConfiguration, "value is outside every bucket").
		WithContext("buckets", s.name).
		WithContext("value", v)
}

// Len returns the number of buckets.
func (s *Set) Len() int { return len(s.buckets) }

// Table is the persistence a generator needs: replace every row of a lookup
// table atomically.
type Table interface {
	ReplaceBuckets(ctx context.Context, table string, rows []Bucket) error
}

// Generator regenerates one lookup table from a fixed bucket list.
type Generator struct {
	Table string
	Rows  []Bucket
}

// NewJobTimeGenerator seeds the job_times table.
func NewJobTimeGenerator(table string) *Generator {
	return &Generator{Table: table, Rows: JobTimes()}
}

// NewProcessorBucketGenerator seeds the processor_buckets table from configuration.
func NewProcessorBucketGenerator(table string, configured []Bucket) (*Generator, error) {
	rows, err := ProcessorBuckets(configured)
	if err != nil {
		return nil, err
	}
	return &Generator{Table: table, Rows: rows}, nil
}

// Regenerate truncates the table and inserts every row. It is never incremental.
func (g *Generator) Regenerate(ctx context.Context, dst Table) error {
	if err := Validate(g.Rows); err != nil {
		return err
	}
	if err := dst.ReplaceBuckets(ctx, g.Table, g.Rows); err != nil {
		return etlerrors.Wrapf(err, etlerrors.CodePersistence, "regenerating %s", g.Table)
	}
	return nil
}

func (g *Generator) String() string {
	return fmt.Sprintf("%s (%d rows)", g.Table, len(g.Rows))
}
