package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

var _ buckets.Table = (*Warehouse)(nil)

func (w *Warehouse) ensureBucketTable(ctx context.Context, table string) error {
	_, err := w.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT PRIMARY KEY,
		min_value BIGINT NOT NULL,
		max_value BIGINT NOT NULL,
		description %s NOT NULL
	)`, table, w.dialect.text))
	return err
}

// ReplaceBuckets implements buckets.Table.
func (w *Warehouse) ReplaceBuckets(ctx context.Context, table string, rows []buckets.Bucket) error {
	if err := w.ensureBucketTable(ctx, table); err != nil {
		return err
	}
	return w.replace(ctx,
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			return err
		},
		func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
				"INSERT INTO %s (id, min_value, max_value, description) VALUES ($1, $2, $3, $4)", table))
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, b := range rows {
				if _, err := stmt.ExecContext(ctx, b.ID, b.Min, b.Max, b.Description); err != nil {
					return fmt.Errorf("insert bucket %d: %w", b.ID, err)
				}
			}
			return nil
		})
}

// Buckets implements aggregate.BucketSource. An unseeded table reads as empty.
func (w *Warehouse) Buckets(ctx context.Context, table string) ([]buckets.Bucket, error) {
	if err := w.ensureBucketTable(ctx, table); err != nil {
		return nil, err
	}
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, min_value, max_value, description FROM %s ORDER BY min_value", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []buckets.Bucket
	for rows.Next() {
		var b buckets.Bucket
		if err := rows.Scan(&b.ID, &b.Min, &b.Max, &b.Description); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var periodTables = map[calendar.Granularity]string{
	calendar.Day:     "days",
	calendar.Week:    "weeks",
	calendar.Month:   "months",
	calendar.Quarter: "quarters",
	calendar.Year:    "years",
}

// PeriodTable returns the dimension table holding periods of g.
func PeriodTable(g calendar.Granularity) (string, error) {
	t, ok := periodTables[g]
	if !ok {
		return "", etlerrors.InvalidGranularity(string(g))
	}
	return t, nil
}

// SeedPeriods upserts every period of g intersecting r into its dimension
// table and returns the number of periods written.
func (w *Warehouse) SeedPeriods(ctx context.Context, g calendar.Granularity, r calendar.DateRange) (int, error) {
	table, err := PeriodTable(g)
	if err != nil {
		return 0, err
	}
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT PRIMARY KEY,
		year INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		period_start TIMESTAMP NOT NULL,
		period_end TIMESTAMP NOT NULL,
		start_ts BIGINT NOT NULL,
		end_ts BIGINT NOT NULL,
		hours %s NOT NULL,
		seconds BIGINT NOT NULL
	)`, table, w.dialect.double)); err != nil {
		return 0, err
	}

	periods := calendar.Between(g, r.Start, r.End)
	err = w.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, year, ordinal, period_start, period_end, start_ts, end_ts, hours, seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range periods {
			if _, err := stmt.ExecContext(ctx, p.ID, p.Year, p.Ordinal, p.Start, p.End,
				p.StartTS, p.EndTS, p.Hours, p.Seconds); err != nil {
				return fmt.Errorf("insert period %d: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(periods), nil
}

// CountRows returns the number of rows in table.
func (w *Warehouse) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}
