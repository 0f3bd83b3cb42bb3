package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	qb "github.com/xdmod/xdmod-etl/pkg/querybuilder"
	"github.com/xdmod/xdmod-etl/pkg/reconstruct"
)

var (
	_ reconstruct.Source = (*Warehouse)(nil)
	_ reconstruct.Sink   = (*Warehouse)(nil)
)

// EnsureLayout creates the staging and interval tables of a layout.
func (w *Warehouse) EnsureLayout(ctx context.Context, l reconstruct.Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Source != "" {
		if _, err := w.db.ExecContext(ctx, w.columnsDDL(l, l.Source, l.Columns(), nil)); err != nil {
			return fmt.Errorf("create %s: %w", l.Source, err)
		}
	}
	if l.Destination != "" {
		pk := append(append([]string{}, l.KeyFields...), "start_ts")
		if _, err := w.db.ExecContext(ctx, w.columnsDDL(l, l.Destination, intervalColumns(l), pk)); err != nil {
			return fmt.Errorf("create %s: %w", l.Destination, err)
		}
	}
	return nil
}

func (w *Warehouse) columnsDDL(l reconstruct.Layout, table string, cols []string, pk []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (", table)
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		typ := l.ColumnType(c)
		if c == "start_ts" || c == "end_ts" {
			typ = "BIGINT"
		}
		fmt.Fprintf(&sb, "%s %s", c, w.dialect.typ(typ))
	}
	if len(pk) > 0 {
		fmt.Fprintf(&sb, ", PRIMARY KEY (%s)", strings.Join(pk, ", "))
	}
	sb.WriteString(")")
	return sb.String()
}

// intervalColumns lists the destination columns: key, attributes, optional
// instance id, then the inclusive bounds.
func intervalColumns(l reconstruct.Layout) []string {
	cols := append(append([]string{}, l.KeyFields...), l.AttributeFields...)
	if l.InstanceField != "" {
		cols = append(cols, l.InstanceField)
	}
	return append(cols, "start_ts", "end_ts")
}

// InsertSnapshots appends rows to the layout's staging table.
func (w *Warehouse) InsertSnapshots(ctx context.Context, l reconstruct.Layout, rows []reconstruct.Row) error {
	cols := l.Columns()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		l.Source, strings.Join(cols, ", "), qb.Placeholders(1, len(cols)))
	return w.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			args := make([]any, len(cols))
			for i, c := range cols {
				args[i] = r[c]
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshots implements reconstruct.Source: rows ordered by key fields then
// time.
func (w *Warehouse) Snapshots(ctx context.Context, l reconstruct.Layout, fn func(reconstruct.Row) error) error {
	cols := l.Columns()
	order := append(append([]string{}, l.KeyFields...), l.TimeField)
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), l.Source, strings.Join(order, ", ")))
	if err != nil {
		return err
	}
	defer rows.Close()

	// A single-connection pool cannot write intervals while the cursor is
	// open, so there the rows are buffered first.
	var buffered []reconstruct.Row
	single := w.db.Stats().MaxOpenConnections == 1

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(reconstruct.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		if single {
			buffered = append(buffered, row)
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, row := range buffered {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// ResetIntervals implements reconstruct.Sink.
func (w *Warehouse) ResetIntervals(ctx context.Context, l reconstruct.Layout) error {
	if err := w.EnsureLayout(ctx, l); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx, "DELETE FROM "+l.Destination)
	return err
}

// WriteIntervals implements reconstruct.Sink.
func (w *Warehouse) WriteIntervals(ctx context.Context, l reconstruct.Layout, intervals []reconstruct.Interval) error {
	cols := intervalColumns(l)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		l.Destination, strings.Join(cols, ", "), qb.Placeholders(1, len(cols)))
	return w.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, iv := range intervals {
			args := make([]any, 0, len(cols))
			args = append(args, iv.Key...)
			args = append(args, iv.Attributes...)
			if l.InstanceField != "" {
				args = append(args, iv.InstanceID)
			}
			args = append(args, iv.Start, iv.End)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Intervals reads back a layout's destination table ordered by key then
// start.
func (w *Warehouse) Intervals(ctx context.Context, l reconstruct.Layout) ([]reconstruct.Interval, error) {
	cols := intervalColumns(l)
	order := append(append([]string{}, l.KeyFields...), "start_ts")
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), l.Destination, strings.Join(order, ", ")))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nk, na := len(l.KeyFields), len(l.AttributeFields)
	var out []reconstruct.Interval
	for rows.Next() {
		vals := make([]any, len(cols)-2)
		dest := make([]any, 0, len(cols))
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		var iv reconstruct.Interval
		dest = append(dest, &iv.Start, &iv.End)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		iv.Key = vals[:nk]
		iv.Attributes = vals[nk : nk+na]
		if l.InstanceField != "" {
			iv.InstanceID = vals[nk+na]
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
