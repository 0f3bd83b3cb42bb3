package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
)

// DefaultTable is the name of the action state table.
const DefaultTable = "etl_action_state"

// SQLBackend stores action state in a relational table. Statements use $n
// placeholders and ON CONFLICT upserts, which DuckDB, PostgreSQL and SQLite
// all accept.
type SQLBackend struct {
	db    *sql.DB
	table string
}

// NewSQLBackend creates the backend and its table if missing.
func NewSQLBackend(ctx context.Context, db *sql.DB, table string) (*SQLBackend, error) {
	if table == "" {
		table = DefaultTable
	}
	b := &SQLBackend{db: db, table: table}
	if err := b.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate state table: %w", err)
	}
	return b, nil
}

func (b *SQLBackend) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		state_key VARCHAR(64) PRIMARY KEY,
		state_type VARCHAR(16) NOT NULL,
		creating_action VARCHAR(255) NOT NULL,
		modifying_action VARCHAR(255),
		creation_time TIMESTAMP NOT NULL,
		modified_time TIMESTAMP NOT NULL,
		state_size_bytes BIGINT NOT NULL DEFAULT 0,
		state_object TEXT NOT NULL
	)`, b.table))
	return err
}

// Load retrieves a record by key.
func (b *SQLBackend) Load(ctx context.Context, key string) (*Record, bool, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT state_key, state_type, creating_action, modifying_action,
		       creation_time, modified_time, state_size_bytes, state_object
		FROM %s WHERE state_key = $1`, b.table), key)

	var (
		rec       Record
		typ       string
		modifying sql.NullString
		payload   string
	)
	err := row.Scan(&rec.Meta.Key, &typ, &rec.Meta.CreatingAction, &modifying,
		&rec.Meta.CreationTime, &rec.Meta.ModifiedTime, &rec.Meta.SizeBytes, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.Meta.Type = actionstate.Type(typ)
	rec.Meta.ModifyingAction = modifying.String
	rec.Meta.CreationTime = rec.Meta.CreationTime.UTC()
	rec.Meta.ModifiedTime = rec.Meta.ModifiedTime.UTC()
	rec.Payload = []byte(payload)
	return &rec, true, nil
}

// Save upserts a record. The creating action and creation time of an existing
// row are preserved.
func (b *SQLBackend) Save(ctx context.Context, rec *Record) error {
	m := rec.Meta
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (state_key, state_type, creating_action, modifying_action,
		                creation_time, modified_time, state_size_bytes, state_object)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (state_key) DO UPDATE SET
			state_type = excluded.state_type,
			modifying_action = excluded.modifying_action,
			modified_time = excluded.modified_time,
			state_size_bytes = excluded.state_size_bytes,
			state_object = excluded.state_object`, b.table),
		m.Key, string(m.Type), m.CreatingAction, nullString(m.ModifyingAction),
		m.CreationTime.UTC(), m.ModifiedTime.UTC(), m.SizeBytes, string(rec.Payload))
	return err
}

// Delete removes a record by key.
func (b *SQLBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE state_key = $1`, b.table), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns metadata for every row, ordered by key.
func (b *SQLBackend) List(ctx context.Context) ([]actionstate.Metadata, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT state_key, state_type, creating_action, modifying_action,
		       creation_time, modified_time, state_size_bytes
		FROM %s ORDER BY state_key`, b.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []actionstate.Metadata
	for rows.Next() {
		var (
			m         actionstate.Metadata
			typ       string
			modifying sql.NullString
			created   time.Time
			modified  time.Time
		)
		if err := rows.Scan(&m.Key, &typ, &m.CreatingAction, &modifying, &created, &modified, &m.SizeBytes); err != nil {
			return nil, err
		}
		m.Type = actionstate.Type(typ)
		m.ModifyingAction = modifying.String
		m.CreationTime = created.UTC()
		m.ModifiedTime = modified.UTC()
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Name returns "sql".
func (b *SQLBackend) Name() string {
	return "sql"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
