package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the networked store. Statements are written in the shared
// "?" placeholder style and rebound to $n before execution, so callers
// are identical across both adapters.
type Postgres struct {
	db *sql.DB
}

var _ Adapter = (*Postgres)(nil)

// OpenPostgres connects to the given DSN and bootstraps the schema.
// Idempotent: the schema uses IF NOT EXISTS throughout.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close closes the database connection pool.
func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Exec runs a single mutation.
func (p *Postgres) Exec(ctx context.Context, stmt Stmt) error {
	if _, err := p.db.ExecContext(ctx, rebind(stmt.SQL), stmt.Args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// ExecBatch runs all statements in one transaction.
func (p *Postgres) ExecBatch(ctx context.Context, stmts []Stmt) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, rebind(stmt.SQL), stmt.Args...); err != nil {
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
func (p *Postgres) Query(ctx context.Context, stmt Stmt) ([]Row, error) {
	rows, err := p.db.QueryContext(ctx, rebind(stmt.SQL), stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// QueryRow returns the first matching row, or ErrNoRows.
func (p *Postgres) QueryRow(ctx context.Context, stmt Stmt) (Row, error) {
	rows, err := p.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// JSONExtract extracts a top-level key from the JSON text column.
// The key has already been validated as a safe identifier.
func (p *Postgres) JSONExtract(column, key string) string {
	return fmt.Sprintf("(%s::jsonb ->> '%s')", column, key)
}

// TimeBucket returns the grouping expression for a granularity.
func (p *Postgres) TimeBucket(tsColumn, dateColumn, unit string) string {
	switch unit {
	case "hour":
		return fmt.Sprintf("to_char(to_timestamp(%s/1000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24:00')", tsColumn)
	case "week":
		return fmt.Sprintf("to_char(to_date(%s, 'YYYY-MM-DD'), 'IYYY-IW')", dateColumn)
	case "month":
		return fmt.Sprintf("substr(%s, 1, 7)", dateColumn)
	default: // day
		return dateColumn
	}
}

// Least maps to postgres LEAST.
func (p *Postgres) Least(a, b string) string {
	return fmt.Sprintf("LEAST(%s, %s)", a, b)
}

// Greatest maps to postgres GREATEST.
func (p *Postgres) Greatest(a, b string) string {
	return fmt.Sprintf("GREATEST(%s, %s)", a, b)
}

// IsMissingTable reports whether err is SQLSTATE 42P01 (undefined table).
func (p *Postgres) IsMissingTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return false
}

// IsUniqueViolation reports whether err is SQLSTATE 23505.
func (p *Postgres) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// rebind converts "?" placeholders to the $n style lib/pq expects.
// Question marks inside single-quoted literals are left alone.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
