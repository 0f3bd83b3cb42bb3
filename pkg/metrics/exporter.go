// Package metrics defines the metrics exporter used by ETL actions and its
// default implementations.
package metrics

import "time"

// Exporter exports metrics to a monitoring backend.
type Exporter interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Histogram records a value in a histogram.
	Histogram(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Metric names used throughout the system.
const (
	// Aggregation
	AggregatePeriods   = "xdmod.aggregate.periods"
	AggregateFacts     = "xdmod.aggregate.facts"
	AggregateRows      = "xdmod.aggregate.rows"
	AggregateMarked    = "xdmod.aggregate.marked"
	AggregatePurged    = "xdmod.aggregate.purged"
	AggregateDuration  = "xdmod.aggregate.duration"
	AggregatePeriodDur = "xdmod.aggregate.period_duration"

	// Reconstruction
	ReconstructRows      = "xdmod.reconstruct.rows"
	ReconstructIntervals = "xdmod.reconstruct.intervals"
	ReconstructDuration  = "xdmod.reconstruct.duration"

	// Buckets
	BucketRows = "xdmod.buckets.rows"

	// Action runs
	ActionsCompleted = "xdmod.actions.completed"
	ActionsFailed    = "xdmod.actions.failed"
	ActionDuration   = "xdmod.action.duration"
)

// Tag names.
const (
	TagGranularity = "granularity"
	TagTable       = "table"
	TagLayout      = "layout"
	TagAction      = "action"
	TagStatus      = "status"
)
