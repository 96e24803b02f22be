package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added composite index on events(project_id, session_id)
const sqliteSchemaVersion = 1

// SQLite is the embedded single-process store.
// Uses WAL mode for concurrent read access during writes.
type SQLite struct {
	db *sql.DB
}

var _ Adapter = (*SQLite)(nil)

// OpenSQLite creates or opens a database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1) // Single writer to avoid SQLITE_BUSY errors
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Exec runs a single mutation.
func (s *SQLite) Exec(ctx context.Context, stmt Stmt) error {
	if _, err := s.db.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// ExecBatch runs all statements in one transaction.
func (s *SQLite) ExecBatch(ctx context.Context, stmts []Stmt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Query returns all matching rows.
func (s *SQLite) Query(ctx context.Context, stmt Stmt) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// QueryRow returns the first matching row, or ErrNoRows.
func (s *SQLite) QueryRow(ctx context.Context, stmt Stmt) (Row, error) {
	rows, err := s.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// JSONExtract uses sqlite's json_extract over the properties blob.
// The key has already been validated as a safe identifier.
func (s *SQLite) JSONExtract(column, key string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
}

// TimeBucket returns the grouping expression for a granularity.
// Hour buckets resolve against the raw timestamp; day, week and month
// come from the denormalized date column.
func (s *SQLite) TimeBucket(tsColumn, dateColumn, unit string) string {
	switch unit {
	case "hour":
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:00', %s/1000, 'unixepoch')", tsColumn)
	case "week":
		return fmt.Sprintf("strftime('%%Y-%%W', %s)", dateColumn)
	case "month":
		return fmt.Sprintf("substr(%s, 1, 7)", dateColumn)
	default: // day
		return dateColumn
	}
}

// Least maps to sqlite's two-argument scalar min.
func (s *SQLite) Least(a, b string) string {
	return fmt.Sprintf("min(%s, %s)", a, b)
}

// Greatest maps to sqlite's two-argument scalar max.
func (s *SQLite) Greatest(a, b string) string {
	return fmt.Sprintf("max(%s, %s)", a, b)
}

// IsMissingTable reports whether err is sqlite's missing-table error.
func (s *SQLite) IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func (s *SQLite) IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySQLiteSchema creates tables if they don't exist and runs
// migrations. Idempotent.
func applySQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runSQLiteMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runSQLiteMigrations applies incremental migrations based on user_version.
func runSQLiteMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateSQLiteToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateSQLiteToV1 adds the session lookup index for databases created
// before v1. New databases get it from schema_sqlite.sql.
func migrateSQLiteToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_project_session
		ON events(project_id, session_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
