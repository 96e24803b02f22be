// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// NewStore opens a throwaway sqlite store under t.TempDir.
func NewStore(t testing.TB) *store.SQLite {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pulse_test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedProject inserts a project row directly.
func SeedProject(t testing.TB, db store.Adapter, p *model.Project) {
	t.Helper()

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt, updatedAt := now, now
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !p.UpdatedAt.IsZero() {
		updatedAt = p.UpdatedAt.UTC().Format(time.RFC3339)
	}

	err := db.Exec(context.Background(), store.Stmt{
		SQL: `
			INSERT INTO projects (id, name, owner_email, project_token, api_key, allowed_origins,
			                      tier, rate_limit_events, rate_limit_reads, data_retention_days,
			                      created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		Args: []any{
			p.ID, p.Name, p.OwnerEmail, p.ProjectToken, p.APIKey, p.AllowedOrigins,
			p.Tier, p.RateLimitEvents, p.RateLimitReads, p.DataRetentionDays,
			createdAt, updatedAt,
		},
	})
	if err != nil {
		t.Fatalf("seed project %s: %v", p.ID, err)
	}
}

// SeedEvent inserts an event row directly.
func SeedEvent(t testing.TB, db store.Adapter, ev model.Event) {
	t.Helper()

	props := "{}"
	if len(ev.Properties) > 0 {
		props = MarshalJSON(t, ev.Properties)
	}
	if ev.Date == "" {
		ev.Date = model.DateOf(ev.Timestamp)
	}

	err := db.Exec(context.Background(), store.Stmt{
		SQL: `
			INSERT INTO events (id, project_id, event, properties, user_id, session_id, timestamp, date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
		Args: []any{ev.ID, ev.ProjectID, ev.Name, props, orNil(ev.UserID), orNil(ev.SessionID), ev.Timestamp, ev.Date},
	})
	if err != nil {
		t.Fatalf("seed event %s: %v", ev.ID, err)
	}
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
