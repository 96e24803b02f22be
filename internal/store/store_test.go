package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestOpenSQLite_SchemaApplied verifies all four tables exist after open.
func TestOpenSQLite_SchemaApplied(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"projects", "events", "sessions", "usage"} {
		rows, err := s.Query(ctx, Stmt{SQL: "SELECT COUNT(*) AS n FROM " + table})
		require.NoError(t, err, "table %s should exist", table)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(0), rows[0].Int64("n"))
	}
}

// TestOpenSQLite_Idempotent opens the same path twice.
func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestExecAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Exec(ctx, Stmt{
		SQL:  "INSERT INTO events (id, project_id, event, timestamp, date) VALUES (?, ?, ?, ?, ?)",
		Args: []any{"e1", "p1", "page_view", int64(1700000000000), "2023-11-14"},
	})
	require.NoError(t, err)

	rows, err := s.Query(ctx, Stmt{
		SQL:  "SELECT id, event, timestamp FROM events WHERE project_id = ?",
		Args: []any{"p1"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "e1", rows[0].String("id"))
	assert.Equal(t, "page_view", rows[0].String("event"))
	assert.Equal(t, int64(1700000000000), rows[0].Int64("timestamp"))
}

// TestExecBatch_AllOrNothing verifies a failing statement rolls back
// every statement in the batch.
func TestExecBatch_AllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.ExecBatch(ctx, []Stmt{
		{
			SQL:  "INSERT INTO events (id, project_id, event, timestamp, date) VALUES (?, ?, ?, ?, ?)",
			Args: []any{"e1", "p1", "a", int64(1), "2024-01-01"},
		},
		{
			// Duplicate primary key forces a failure.
			SQL:  "INSERT INTO events (id, project_id, event, timestamp, date) VALUES (?, ?, ?, ?, ?)",
			Args: []any{"e1", "p1", "b", int64(2), "2024-01-01"},
		},
	})
	require.Error(t, err)

	rows, err := s.Query(ctx, Stmt{SQL: "SELECT id FROM events"})
	require.NoError(t, err)
	assert.Empty(t, rows, "first insert should have been rolled back")
}

func TestQueryRow_NoRows(t *testing.T) {
	s := openTestStore(t)

	_, err := s.QueryRow(context.Background(), Stmt{
		SQL:  "SELECT event_count FROM usage WHERE project_id = ? AND date = ?",
		Args: []any{"missing", "2024-01-01"},
	})
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestSQLite_IsMissingTable(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Query(context.Background(), Stmt{SQL: "SELECT * FROM does_not_exist"})
	require.Error(t, err)
	assert.True(t, s.IsMissingTable(err))
	assert.False(t, s.IsMissingTable(nil))
}

func TestSQLite_IsUniqueViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stmt := Stmt{
		SQL: `INSERT INTO projects (id, name, project_token, api_key, created_at, updated_at)
		      VALUES (?, ?, ?, ?, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
		Args: []any{"p1", "one", "pk_same", "sk_one"},
	}
	require.NoError(t, s.Exec(ctx, stmt))

	// Same token, different id and key.
	stmt.Args = []any{"p2", "two", "pk_same", "sk_two"}
	err := s.Exec(ctx, stmt)
	require.Error(t, err)
	assert.True(t, s.IsUniqueViolation(err))
}

func TestSQLite_Dialect(t *testing.T) {
	s := &SQLite{}

	assert.Equal(t, "json_extract(e.properties, '$.plan')", s.JSONExtract("e.properties", "plan"))
	assert.Equal(t, "min(a, b)", s.Least("a", "b"))
	assert.Equal(t, "max(a, b)", s.Greatest("a", "b"))

	assert.Equal(t, "date", s.TimeBucket("timestamp", "date", "day"))
	assert.Equal(t, "date", s.TimeBucket("timestamp", "date", "bogus"))
	assert.Equal(t, "strftime('%Y-%m-%d %H:00', timestamp/1000, 'unixepoch')", s.TimeBucket("timestamp", "date", "hour"))
	assert.Equal(t, "strftime('%Y-%W', date)", s.TimeBucket("timestamp", "date", "week"))
	assert.Equal(t, "substr(date, 1, 7)", s.TimeBucket("timestamp", "date", "month"))
}

// TestCollectRows_TextNormalization verifies []byte columns come back
// as plain strings.
func TestCollectRows_TextNormalization(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Exec(ctx, Stmt{
		SQL:  "INSERT INTO events (id, project_id, event, properties, timestamp, date) VALUES (?, ?, ?, ?, ?, ?)",
		Args: []any{"e1", "p1", "signup", `{"plan":"pro"}`, int64(1), "2024-01-01"},
	}))

	row, err := s.QueryRow(ctx, Stmt{SQL: "SELECT properties FROM events WHERE id = 'e1'"})
	require.NoError(t, err)
	assert.Equal(t, `{"plan":"pro"}`, row.String("properties"))
}
