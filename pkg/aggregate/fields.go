package aggregate

import (
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	qb "github.com/xdmod/xdmod-etl/pkg/querybuilder"
)

// Dimension column names of the aggregate tables.
const (
	DimResource        = "resource_id"
	DimPerson          = "person_id"
	DimAccount         = "account_id"
	DimQueue           = "queue_id"
	DimPI              = "pi_id"
	DimFieldOfScience  = "fos_id"
	DimProcessorBucket = "processorbucket_id"
	DimJobTime         = "jobtime_id"
)

// Measure indexes into Row.Measures.
const (
	MeasureWallduration = iota
	MeasureWalldurationSquared
	MeasureWaitduration
	MeasureWaitdurationSquared
	MeasureLocalCharge
	MeasureLocalChargeSquared
	MeasureCPUTime
	MeasureNodeTime
	MeasureProcessors
	MeasureProcessorsSquared
	MeasureJobCount
	MeasureStartedJobCount
	MeasureSubmittedJobCount
	MeasureRunningJobCount
	numMeasures
)

// PeriodField keys every aggregate row by the period it summarizes.
var PeriodField = qb.Field{Name: "period_id", Role: qb.Dimension, Type: "BIGINT"}

var dimensionFields = qb.FieldList{
	{Name: DimResource, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimPerson, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimAccount, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimQueue, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimPI, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimFieldOfScience, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimProcessorBucket, Role: qb.Dimension, Type: "BIGINT"},
	{Name: DimJobTime, Role: qb.Dimension, Type: "BIGINT"},
}

// Measure fields in Row.Measures order.
var measureFields = qb.FieldList{
	MeasureWallduration:        {Name: "wallduration", Role: qb.Measure, Type: "DOUBLE"},
	MeasureWalldurationSquared: {Name: "sum_wallduration_squared", Role: qb.Measure, Type: "DOUBLE"},
	MeasureWaitduration:        {Name: "waitduration", Role: qb.Measure, Type: "DOUBLE"},
	MeasureWaitdurationSquared: {Name: "sum_waitduration_squared", Role: qb.Measure, Type: "DOUBLE"},
	MeasureLocalCharge:         {Name: "local_charge", Role: qb.Measure, Type: "DOUBLE"},
	MeasureLocalChargeSquared:  {Name: "sum_local_charge_squared", Role: qb.Measure, Type: "DOUBLE"},
	MeasureCPUTime:             {Name: "cpu_time", Role: qb.Measure, Type: "DOUBLE"},
	MeasureNodeTime:            {Name: "node_time", Role: qb.Measure, Type: "DOUBLE"},
	MeasureProcessors:          {Name: "processors", Role: qb.Measure, Type: "DOUBLE"},
	MeasureProcessorsSquared:   {Name: "sum_processors_squared", Role: qb.Measure, Type: "DOUBLE"},
	MeasureJobCount:            {Name: "job_count", Role: qb.Measure, Type: "BIGINT"},
	MeasureStartedJobCount:     {Name: "started_job_count", Role: qb.Measure, Type: "BIGINT"},
	MeasureSubmittedJobCount:   {Name: "submitted_job_count", Role: qb.Measure, Type: "BIGINT"},
	MeasureRunningJobCount:     {Name: "running_job_count", Role: qb.Measure, Type: "BIGINT"},
}

// Fields returns the aggregate row columns after period_id: dimensions then
// measures.
func Fields() qb.FieldList {
	out := make(qb.FieldList, 0, len(dimensionFields)+len(measureFields))
	out = append(out, dimensionFields...)
	return append(out, measureFields...)
}

// DimensionNames returns the dimension column names in key order.
func DimensionNames() []string {
	return dimensionFields.Names()
}

// FactFields is the column list read from the fact tables. Formulas apply
// null-as-zero so every fact arrives fully populated.
var FactFields = qb.FieldList{
	{Name: "id", Formula: "f.id"},
	{Name: "resource_id", Formula: "f.resource_id"},
	{Name: "person_id", Formula: "COALESCE(f.person_id, -1)"},
	{Name: "account_id", Formula: "COALESCE(f.account_id, -1)"},
	{Name: "queue_id", Formula: "COALESCE(f.queue_id, -1)"},
	{Name: "pi_id", Formula: "COALESCE(f.pi_id, -1)"},
	{Name: "fos_id", Formula: "COALESCE(f.fos_id, -1)"},
	{Name: "wallduration", Formula: "COALESCE(f.wallduration, 0)"},
	{Name: "waitduration", Formula: "COALESCE(f.waitduration, 0)"},
	{Name: "local_charge", Formula: "COALESCE(f.local_charge, 0)"},
	{Name: "cpu_time", Formula: "COALESCE(f.cpu_time, 0)"},
	{Name: "node_count", Formula: "COALESCE(f.node_count, 0)"},
	{Name: "processor_count", Formula: "COALESCE(f.processor_count, 0)"},
	{Name: "submit_ts", Formula: "f.submit_ts"},
	{Name: "start_ts", Formula: "f.start_ts"},
	{Name: "end_ts", Formula: "f.end_ts"},
}

// TableName returns the aggregate table for granularity g.
func TableName(prefix string, g calendar.Granularity) string {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return prefix + "_by_" + string(g)
}

// DefaultTablePrefix names the job aggregate tables.
const DefaultTablePrefix = "jobfact"
