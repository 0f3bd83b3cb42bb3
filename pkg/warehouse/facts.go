package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/xdmod/xdmod-etl/pkg/aggregate"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	qb "github.com/xdmod/xdmod-etl/pkg/querybuilder"
)

// markBatch bounds the id list of one status update.
const markBatch = 500

var (
	_ aggregate.FactSource   = (*Warehouse)(nil)
	_ aggregate.Destination  = (*Warehouse)(nil)
	_ aggregate.BucketSource = (*Warehouse)(nil)
)

func statusColumn(g calendar.Granularity) (string, error) {
	if !g.Watermarked() {
		return "", etlerrors.New(etlerrors.CodeConfiguration, "granularity has no aggregation flag").
			WithContext("granularity", string(g))
	}
	return string(g) + "_aggregated", nil
}

// LoadFacts upserts job facts. Each loaded fact gets a status row with every
// aggregation flag cleared, so re-loading a fact schedules it again.
func (w *Warehouse) LoadFacts(ctx context.Context, facts []aggregate.Fact) error {
	cols := aggregate.FactFields.Names()
	insertFact := fmt.Sprintf(`INSERT INTO jobfact (%s) VALUES (%s)
		ON CONFLICT (id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), qb.Placeholders(1, len(cols)), excludedAssignments(cols[1:]))
	insertStatus := `INSERT INTO jobfact_status (job_id, day_aggregated, month_aggregated, quarter_aggregated, year_aggregated)
		VALUES ($1, FALSE, FALSE, FALSE, FALSE)
		ON CONFLICT (job_id) DO UPDATE SET
			day_aggregated = FALSE,
			month_aggregated = FALSE,
			quarter_aggregated = FALSE,
			year_aggregated = FALSE`

	return w.tx(ctx, func(tx *sql.Tx) error {
		factStmt, err := tx.PrepareContext(ctx, insertFact)
		if err != nil {
			return err
		}
		defer factStmt.Close()
		statusStmt, err := tx.PrepareContext(ctx, insertStatus)
		if err != nil {
			return err
		}
		defer statusStmt.Close()

		for _, f := range facts {
			if _, err := factStmt.ExecContext(ctx,
				f.ID, f.ResourceID, f.PersonID, f.AccountID, f.QueueID, f.PIID, f.FOSID,
				f.Wallduration, f.Waitduration, f.LocalCharge, f.CPUTime,
				f.NodeCount, f.ProcessorCount, f.SubmitTS, f.StartTS, f.EndTS); err != nil {
				return fmt.Errorf("insert fact %d: %w", f.ID, err)
			}
			if _, err := statusStmt.ExecContext(ctx, f.ID); err != nil {
				return fmt.Errorf("insert status %d: %w", f.ID, err)
			}
		}
		return nil
	})
}

func excludedAssignments(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return strings.Join(parts, ", ")
}

// ResourcesWithoutSpecs implements aggregate.FactSource.
func (w *Warehouse) ResourcesWithoutSpecs(ctx context.Context, r calendar.DateRange) ([]int64, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT DISTINCT f.resource_id FROM jobfact f
		WHERE f.end_ts >= $1 AND f.submit_ts <= $2
		  AND NOT EXISTS (SELECT 1 FROM resourcespecs s WHERE s.resource_id = f.resource_id)
		ORDER BY f.resource_id`, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingPeriods implements aggregate.FactSource. Every unaggregated fact
// overlapping the candidates contributes every period of its [submit, end]
// span, including periods outside the candidates.
func (w *Warehouse) PendingPeriods(ctx context.Context, g calendar.Granularity, candidates []calendar.Period) ([]calendar.Period, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	col, err := statusColumn(g)
	if err != nil {
		return nil, err
	}
	lo, hi := candidates[0].StartTS, candidates[len(candidates)-1].EndTS

	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT f.submit_ts, f.end_ts FROM jobfact f
		JOIN jobfact_status s ON s.job_id = f.id
		WHERE s.%s = FALSE AND f.end_ts >= $1 AND f.submit_ts <= $2`, col), lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := roaring64.New()
	periods := make(map[uint64]calendar.Period)
	for rows.Next() {
		var submit, end int64
		if err := rows.Scan(&submit, &end); err != nil {
			return nil, err
		}
		for _, p := range calendar.Between(g, submit, end) {
			id := uint64(p.ID)
			if pending.CheckedAdd(id) {
				periods[id] = p
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Period ids increase with time within a granularity.
	out := make([]calendar.Period, 0, pending.GetCardinality())
	it := pending.Iterator()
	for it.HasNext() {
		out = append(out, periods[it.Next()])
	}
	return out, nil
}

// FactsIn implements aggregate.FactSource.
func (w *Warehouse) FactsIn(ctx context.Context, p calendar.Period, fn func(aggregate.Fact) error) error {
	query := qb.Select{
		Fields:  aggregate.FactFields,
		From:    "jobfact f",
		Where:   []string{"f.end_ts >= $1", "f.submit_ts <= $2"},
		OrderBy: []string{"f.id"},
	}.SQL()

	rows, err := w.db.QueryContext(ctx, query, p.StartTS, p.EndTS)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var f aggregate.Fact
		if err := rows.Scan(&f.ID, &f.ResourceID, &f.PersonID, &f.AccountID, &f.QueueID, &f.PIID, &f.FOSID,
			&f.Wallduration, &f.Waitduration, &f.LocalCharge, &f.CPUTime,
			&f.NodeCount, &f.ProcessorCount, &f.SubmitTS, &f.StartTS, &f.EndTS); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (w *Warehouse) aggregateFields() qb.FieldList {
	fields := append(qb.FieldList{aggregate.PeriodField}, aggregate.Fields()...)
	for i := range fields {
		fields[i].Type = w.dialect.typ(fields[i].Type)
	}
	return fields
}

// EnsureTable implements aggregate.Destination.
func (w *Warehouse) EnsureTable(ctx context.Context, g calendar.Granularity) error {
	fields := w.aggregateFields()
	stmt := qb.CreateTable(aggregate.TableName(w.cfg.TablePrefix, g), fields[:1], fields[1:])
	_, err := w.db.ExecContext(ctx, stmt)
	return err
}

// ReplacePeriod implements aggregate.Destination. Facts are flagged only after
// every period is written, so a period left empty by a failed insert is
// rewritten by the next run.
func (w *Warehouse) ReplacePeriod(ctx context.Context, g calendar.Granularity, periodID int64, exclusions map[string][]int64, rows []aggregate.Row) error {
	table := aggregate.TableName(w.cfg.TablePrefix, g)
	fields := w.aggregateFields()

	where := []string{"period_id = $1"}
	args := []any{periodID}
	for _, dim := range sortedKeys(exclusions) {
		vals := exclusions[dim]
		if len(vals) == 0 {
			continue
		}
		where = append(where, qb.NotIn(dim, len(args)+1, len(vals)))
		for _, v := range vals {
			args = append(args, v)
		}
	}
	del := qb.Delete{Table: table, Where: where}.SQL()
	ins := qb.Insert(table, fields)

	return w.replace(ctx,
		func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, del, args...); err != nil {
				return fmt.Errorf("delete period %d: %w", periodID, err)
			}
			return nil
		},
		func(tx *sql.Tx) error {
			if len(rows) == 0 {
				return nil
			}
			stmt, err := tx.PrepareContext(ctx, ins)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, r := range rows {
				if _, err := stmt.ExecContext(ctx, rowValues(fields, r)...); err != nil {
					return fmt.Errorf("insert period %d: %w", periodID, err)
				}
			}
			return nil
		})
}

// rowValues orders a row's values like fields: period, dimensions, measures.
// Integer measure columns get whole numbers.
func rowValues(fields qb.FieldList, r aggregate.Row) []any {
	vals := make([]any, 0, len(fields))
	vals = append(vals, r.PeriodID)
	for _, v := range r.Key.Values() {
		vals = append(vals, v)
	}
	offset := len(vals)
	for i, m := range r.Measures {
		if fields[offset+i].Type == "BIGINT" {
			vals = append(vals, int64(math.Round(m)))
		} else {
			vals = append(vals, m)
		}
	}
	return vals
}

// MarkAggregated implements aggregate.Destination.
func (w *Warehouse) MarkAggregated(ctx context.Context, g calendar.Granularity, ids *roaring64.Bitmap) (int64, error) {
	col, err := statusColumn(g)
	if err != nil {
		return 0, err
	}

	var marked int64
	err = w.tx(ctx, func(tx *sql.Tx) error {
		batch := make([]any, 0, markBatch)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE jobfact_status SET %s = TRUE WHERE job_id IN (%s)",
				col, qb.Placeholders(1, len(batch))), batch...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			marked += n
			batch = batch[:0]
			return nil
		}

		it := ids.Iterator()
		for it.HasNext() {
			batch = append(batch, int64(it.Next()))
			if len(batch) == markBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	return marked, err
}

// PurgeAggregated implements aggregate.Destination.
func (w *Warehouse) PurgeAggregated(ctx context.Context) (int64, error) {
	conds := make([]string, len(calendar.Watermarked))
	for i, g := range calendar.Watermarked {
		col, _ := statusColumn(g)
		conds[i] = col + " = TRUE"
	}
	res, err := w.db.ExecContext(ctx, qb.Delete{Table: "jobfact_status", Where: conds}.SQL())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AggregateRows reads every row of the aggregate table for g ordered by
// period then dimensions.
func (w *Warehouse) AggregateRows(ctx context.Context, g calendar.Granularity) ([]aggregate.Row, error) {
	fields := w.aggregateFields()
	query := qb.Select{
		Fields:  fields,
		From:    aggregate.TableName(w.cfg.TablePrefix, g),
		OrderBy: append([]string{"period_id"}, aggregate.DimensionNames()...),
	}.SQL()
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.Row
	for rows.Next() {
		var (
			r    aggregate.Row
			dims [8]int64
		)
		dest := []any{&r.PeriodID}
		for i := range dims {
			dest = append(dest, &dims[i])
		}
		for i := range r.Measures {
			dest = append(dest, &r.Measures[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r.Key = aggregate.GroupKey{
			Resource:        dims[0],
			Person:          dims[1],
			Account:         dims[2],
			Queue:           dims[3],
			PI:              dims[4],
			FieldOfScience:  dims[5],
			ProcessorBucket: dims[6],
			JobTime:         dims[7],
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UnaggregatedFacts counts status rows with the g flag cleared.
func (w *Warehouse) UnaggregatedFacts(ctx context.Context, g calendar.Granularity) (int64, error) {
	col, err := statusColumn(g)
	if err != nil {
		return 0, err
	}
	var n int64
	err = w.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM jobfact_status WHERE %s = FALSE", col)).Scan(&n)
	return n, err
}

// ResetAggregated clears the g flag on every status row, forcing the next
// run to re-aggregate all periods.
func (w *Warehouse) ResetAggregated(ctx context.Context, g calendar.Granularity) (int64, error) {
	col, err := statusColumn(g)
	if err != nil {
		return 0, err
	}
	res, err := w.db.ExecContext(ctx, fmt.Sprintf("UPDATE jobfact_status SET %s = FALSE", col))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
