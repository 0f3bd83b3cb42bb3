// Package reconstruct turns time-ordered "current specification" snapshots
// into validity intervals.
//
// A Reconstructor keeps one open interval per entity key. A snapshot with the
// same attribute tuple extends the open interval; a different tuple closes it
// one tick before the new snapshot and opens a new one. A sentinel row (every
// attribute falsy) closes the open interval of its key at the last known time,
// or every open interval when its key fields are empty too.
package reconstruct

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Row is one snapshot as delivered by the source query.
type Row map[string]any

// Layout describes how to read snapshots of one entity kind and where the
// reconstructed intervals go.
type Layout struct {
	Name string `yaml:"name"`

	// Source is the table snapshots are read from, ordered by key then time.
	Source string `yaml:"source"`

	// Destination is the interval table.
	Destination string `yaml:"destination"`

	KeyFields       []string `yaml:"key_fields"`
	AttributeFields []string `yaml:"attribute_fields"`
	TimeField       string   `yaml:"time_field"`

	// InstanceField optionally names a secondary identity carried on each
	// interval. It never splits an interval by itself.
	InstanceField string `yaml:"instance_field"`

	// Tick is the width of one time unit in seconds (1 for timestamps, 86400
	// for dates). A closed interval ends one tick before its successor starts.
	Tick int64 `yaml:"tick"`

	// ColumnTypes overrides the SQL type of a source or destination column.
	// Unlisted columns are text.
	ColumnTypes map[string]string `yaml:"column_types"`
}

// Validate checks the layout is usable.
func (l Layout) Validate() error {
	if l.Name == "" {
		return etlerrors.New(etlerrors.CodeConfiguration, "reconstruction layout has no name")
	}
	if len(l.KeyFields) == 0 {
		return etlerrors.New(etlerrors.CodeConfiguration, "reconstruction layout has no key fields").
			WithContext("layout", l.Name)
	}
	if len(l.AttributeFields) == 0 {
		return etlerrors.New(etlerrors.CodeConfiguration, "reconstruction layout has no attribute fields").
			WithContext("layout", l.Name)
	}
	if l.TimeField == "" {
		return etlerrors.New(etlerrors.CodeConfiguration, "reconstruction layout has no time field").
			WithContext("layout", l.Name)
	}
	if l.Tick < 0 {
		return etlerrors.New(etlerrors.CodeConfiguration, "reconstruction tick must be positive").
			WithContext("layout", l.Name)
	}
	return nil
}

func (l Layout) tick() int64 {
	if l.Tick <= 0 {
		return 1
	}
	return l.Tick
}

// Columns returns the source columns in select order.
func (l Layout) Columns() []string {
	cols := make([]string, 0, len(l.KeyFields)+len(l.AttributeFields)+2)
	cols = append(cols, l.KeyFields...)
	cols = append(cols, l.AttributeFields...)
	cols = append(cols, l.TimeField)
	if l.InstanceField != "" {
		cols = append(cols, l.InstanceField)
	}
	return cols
}

// ColumnType returns the SQL type of a column, defaulting to VARCHAR.
func (l Layout) ColumnType(col string) string {
	if t, ok := l.ColumnTypes[col]; ok && t != "" {
		return t
	}
	return "VARCHAR"
}

// Builtin returns the layouts shipped with the pipeline.
func Builtin() []Layout {
	return []Layout{ResourceSpecsLayout(), InstanceTypeLayout(), HostSpecsLayout()}
}

// Lookup returns the builtin layout with the given name.
func Lookup(name string) (Layout, error) {
	for _, l := range Builtin() {
		if l.Name == name {
			return l, nil
		}
	}
	return Layout{}, etlerrors.New(etlerrors.CodeConfiguration, "unknown reconstruction layout").
		WithContext("layout", name)
}

// ResourceSpecsLayout reconstructs per-resource processor and node counts.
// Its intervals populate the resourcespecs table the aggregator checks
// before running.
func ResourceSpecsLayout() Layout {
	return Layout{
		Name:            "resource-specs",
		Source:          "staging_resource_spec",
		Destination:     "resourcespecs",
		KeyFields:       []string{"resource_id"},
		AttributeFields: []string{"cpu_node_count", "cpu_processor_count", "cpu_ppn"},
		TimeField:       "event_ts",
		Tick:            1,
		ColumnTypes: map[string]string{
			"resource_id":         "BIGINT",
			"cpu_node_count":      "BIGINT",
			"cpu_processor_count": "BIGINT",
			"cpu_ppn":             "BIGINT",
			"event_ts":            "BIGINT",
		},
	}
}

// InstanceTypeLayout reconstructs cloud instance type configurations.
func InstanceTypeLayout() Layout {
	return Layout{
		Name:            "instance-types",
		Source:          "staging_instance_type",
		Destination:     "instance_type_specs",
		KeyFields:       []string{"resource_id", "instance_type"},
		AttributeFields: []string{"num_cores", "memory_mb", "disk_gb"},
		TimeField:       "event_ts",
		InstanceField:   "instance_type_id",
		Tick:            1,
		ColumnTypes: map[string]string{
			"resource_id": "BIGINT",
			"num_cores":   "BIGINT",
			"memory_mb":   "BIGINT",
			"disk_gb":     "BIGINT",
			"event_ts":    "BIGINT",
		},
	}
}

// HostSpecsLayout reconstructs per-host hardware, dated by day.
func HostSpecsLayout() Layout {
	return Layout{
		Name:            "host-specs",
		Source:          "staging_host_spec",
		Destination:     "host_specs",
		KeyFields:       []string{"resource_id", "hostname"},
		AttributeFields: []string{"processors", "memory_mb", "disk_gb"},
		TimeField:       "event_ts",
		Tick:            86400,
		ColumnTypes: map[string]string{
			"resource_id": "BIGINT",
			"processors":  "BIGINT",
			"memory_mb":   "BIGINT",
			"disk_gb":     "BIGINT",
			"event_ts":    "DATE",
		},
	}
}

// truthy mirrors loose truthiness: nil, zero numbers, "", "0" and false are
// all falsy.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "0"
	case []byte:
		return len(x) > 0 && string(x) != "0"
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	case time.Time:
		return !x.IsZero()
	}
	return true
}

// normalize maps a value to a canonical comparable form so that 1, int64(1)
// and 1.0 compare equal.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Unix()
	}
	return v
}

func tupleKey(vals []any) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		fmt.Fprintf(&sb, "%v", normalize(v))
	}
	return sb.String()
}

func equalTuples(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if normalize(a[i]) != normalize(b[i]) {
			return false
		}
	}
	return true
}

var timeLayouts = []string{time.RFC3339Nano, time.DateTime, time.DateOnly}

// toUnix converts a time field value to unix seconds.
func toUnix(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case time.Time:
		return x.UTC().Unix(), nil
	case []byte:
		return toUnix(string(x))
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.Unix(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized time %q", x)
	}
	return 0, fmt.Errorf("unsupported time type %T", v)
}
