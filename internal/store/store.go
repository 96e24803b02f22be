// Package store abstracts the relational backing store behind four
// primitives: one mutation, a transactional batch of mutations, a
// many-row read, and a single-row read.
//
// Two implementations exist: an embedded sqlite store and a networked
// postgres store. Storage-engine specific semantics (JSON extraction,
// time bucketing, LEAST/GREATEST spelling, placeholder styles) live
// here and nowhere else; callers never branch on the active driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Stmt is one parameterized SQL statement. Values are always bound as
// arguments, never interpolated into the text.
type Stmt struct {
	SQL  string
	Args []any
}

// Row is one result row keyed by column name.
type Row map[string]any

// ErrNoRows is returned by QueryRow when the statement matches nothing.
var ErrNoRows = sql.ErrNoRows

// Adapter is the storage interface consumed by the ingestion pipeline
// and the query engine.
type Adapter interface {
	Dialect

	// Exec runs a single mutation.
	Exec(ctx context.Context, stmt Stmt) error
	// ExecBatch runs all statements in one transaction. Either every
	// statement applies or none do.
	ExecBatch(ctx context.Context, stmts []Stmt) error
	// Query returns all matching rows.
	Query(ctx context.Context, stmt Stmt) ([]Row, error)
	// QueryRow returns the first matching row, or ErrNoRows.
	QueryRow(ctx context.Context, stmt Stmt) (Row, error)

	Close() error
}

// Dialect carries the storage-engine specific SQL fragments. The inputs
// to these methods are trusted identifiers chosen by the query planner,
// never raw client text.
type Dialect interface {
	// JSONExtract returns an expression extracting a top-level key from
	// a JSON text column.
	JSONExtract(column, key string) string
	// TimeBucket returns a grouping expression for the given
	// granularity (hour, day, week, month). Hour resolves against the
	// raw epoch-millisecond timestamp column; coarser granularities use
	// the denormalized date column.
	TimeBucket(tsColumn, dateColumn, unit string) string
	// Least and Greatest return two-argument min/max expressions.
	Least(a, b string) string
	Greatest(a, b string) string
	// IsMissingTable reports whether err means a referenced table does
	// not exist.
	IsMissingTable(err error) bool
	// IsUniqueViolation reports whether err means a unique constraint
	// was violated.
	IsUniqueViolation(err error) bool
}

// collectRows drains sql.Rows into []Row, normalizing []byte values to
// string so JSON responses and tests see plain text.
func collectRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// Int64 reads an integer column from a row, tolerating the numeric types
// the drivers hand back.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Float64 reads a numeric column from a row.
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// String reads a text column from a row. NULL reads as "".
func (r Row) String(col string) string {
	if s, ok := r[col].(string); ok {
		return s
	}
	return ""
}
