// Package warehouse is the relational store behind the ETL actions. It holds
// job facts and their aggregation status, resource specifications, bucket and
// period dimension tables, the per-granularity aggregate tables, the staging
// snapshot tables read by reconstruction and the action state table.
//
// The same statements run on DuckDB (the default), PostgreSQL via pgx and
// SQLite. Placeholders are $n and are always numbered in order of appearance.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/aggregate"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/reconstruct"
	"github.com/xdmod/xdmod-etl/pkg/statestore"
)

// Supported drivers.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Config selects and tunes the database.
type Config struct {
	Driver string `yaml:"driver"`

	// DSN is the driver-specific data source. Empty means an in-memory
	// database for duckdb and sqlite3.
	DSN string `yaml:"dsn"`

	// TablePrefix names the aggregate tables.
	TablePrefix string `yaml:"table_prefix"`

	// StateTable names the action state table.
	StateTable string `yaml:"state_table"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultConfig returns an in-memory DuckDB configuration.
func DefaultConfig() Config {
	return Config{
		Driver:      DriverDuckDB,
		TablePrefix: aggregate.DefaultTablePrefix,
		StateTable:  statestore.DefaultTable,
	}
}

// dialect holds the column types that differ between engines.
type dialect struct {
	double string
	text   string
}

var dialects = map[string]dialect{
	DriverDuckDB:   {double: "DOUBLE", text: "VARCHAR"},
	DriverPostgres: {double: "DOUBLE PRECISION", text: "TEXT"},
	DriverSQLite:   {double: "REAL", text: "TEXT"},
}

// typ maps a portable column type to the engine's spelling.
func (d dialect) typ(t string) string {
	switch strings.ToUpper(t) {
	case "", "BIGINT":
		return "BIGINT"
	case "DOUBLE":
		return d.double
	case "VARCHAR", "TEXT":
		return d.text
	}
	return t
}

// Warehouse wraps the database connection.
type Warehouse struct {
	db      *sql.DB
	cfg     Config
	dialect dialect
	logger  zerolog.Logger
}

// Open connects to the database and creates missing tables.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Warehouse, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverDuckDB
	}
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, etlerrors.New(etlerrors.CodeConfiguration, "unsupported database driver").
			WithContext("driver", cfg.Driver).
			WithContext("allowed", "duckdb|pgx|sqlite3")
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = aggregate.DefaultTablePrefix
	}
	if cfg.StateTable == "" {
		cfg.StateTable = statestore.DefaultTable
	}

	dsn := cfg.DSN
	if dsn == "" && cfg.Driver == DriverSQLite {
		dsn = ":memory:"
	}
	if dsn == "" && cfg.Driver == DriverPostgres {
		return nil, etlerrors.New(etlerrors.CodeConfiguration, "postgres requires a dsn")
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeConfiguration, "failed to open database").
			WithContext("driver", cfg.Driver)
	}

	switch {
	case cfg.Driver == DriverSQLite && dsn == ":memory:":
		// Every sqlite connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	w := &Warehouse{
		db:      db,
		cfg:     cfg,
		dialect: d,
		logger:  logger.With().Str("component", "warehouse").Str("driver", cfg.Driver).Logger(),
	}

	if cfg.Driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, etlerrors.Persistence(err, "configure sqlite")
		}
	}

	if err := w.migrate(ctx); err != nil {
		db.Close()
		return nil, etlerrors.Persistence(err, "migrate schema")
	}
	w.logger.Debug().Msg("warehouse ready")
	return w, nil
}

// DB returns the underlying connection pool.
func (w *Warehouse) DB() *sql.DB { return w.db }

// Driver returns the configured driver name.
func (w *Warehouse) Driver() string { return w.cfg.Driver }

// TablePrefix returns the aggregate table prefix.
func (w *Warehouse) TablePrefix() string { return w.cfg.TablePrefix }

// Close closes the connection pool.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// StateBackend returns an action state backend stored in this database.
func (w *Warehouse) StateBackend(ctx context.Context) (*statestore.SQLBackend, error) {
	b, err := statestore.NewSQLBackend(ctx, w.db, w.cfg.StateTable)
	if err != nil {
		return nil, etlerrors.Persistence(err, "open state table").WithContext("table", w.cfg.StateTable)
	}
	return b, nil
}

func (w *Warehouse) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobfact (
			id BIGINT PRIMARY KEY,
			resource_id BIGINT NOT NULL,
			person_id BIGINT,
			account_id BIGINT,
			queue_id BIGINT,
			pi_id BIGINT,
			fos_id BIGINT,
			wallduration BIGINT,
			waitduration BIGINT,
			local_charge %[1]s,
			cpu_time %[1]s,
			node_count BIGINT,
			processor_count BIGINT,
			submit_ts BIGINT NOT NULL,
			start_ts BIGINT NOT NULL,
			end_ts BIGINT NOT NULL
		)`, w.dialect.double),
		`CREATE TABLE IF NOT EXISTS jobfact_status (
			job_id BIGINT PRIMARY KEY,
			day_aggregated BOOLEAN NOT NULL DEFAULT FALSE,
			month_aggregated BOOLEAN NOT NULL DEFAULT FALSE,
			quarter_aggregated BOOLEAN NOT NULL DEFAULT FALSE,
			year_aggregated BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, l := range reconstruct.Builtin() {
		if err := w.EnsureLayout(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// replace deletes then inserts. DuckDB rejects re-inserting a primary key
// deleted earlier in the same transaction, so there the delete commits on its
// own.
func (w *Warehouse) replace(ctx context.Context, del func(*sql.Tx) error, ins func(*sql.Tx) error) error {
	if w.cfg.Driver != DriverDuckDB {
		return w.tx(ctx, func(tx *sql.Tx) error {
			if err := del(tx); err != nil {
				return err
			}
			return ins(tx)
		})
	}
	if err := w.tx(ctx, del); err != nil {
		return err
	}
	return w.tx(ctx, ins)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tx runs fn in a transaction.
func (w *Warehouse) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
