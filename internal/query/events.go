package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// EventsOptions selects raw events. Since (epoch millis) wins over
// Days. Event and SessionID are optional equality filters.
type EventsOptions struct {
	Event     string
	SessionID string
	Days      int
	Since     int64
	Limit     int
}

// Events returns raw event rows, newest first, with the properties
// blob parsed back into a structure.
func (e *Engine) Events(ctx context.Context, projectID string, opts EventsOptions) ([]model.Event, error) {
	window := e.windowForDays(opts.Days)
	if opts.Since > 0 {
		window = e.windowSince(opts.Since)
	}

	sql := `
		SELECT id, project_id, event, properties, user_id, session_id, timestamp, date
		FROM events
		WHERE project_id = ? AND date >= ? AND date <= ?
	`
	args := []any{projectID, window.From, window.To}

	if opts.Event != "" {
		sql += " AND event = ?"
		args = append(args, opts.Event)
	}
	if opts.SessionID != "" {
		sql += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}

	sql += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, clampLimit(opts.Limit))

	rows, err := e.db.Query(ctx, store.Stmt{SQL: sql, Args: args})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("list events: %w", err))
	}

	events := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		ev := model.Event{
			ID:        row.String("id"),
			ProjectID: row.String("project_id"),
			Name:      row.String("event"),
			UserID:    row.String("user_id"),
			SessionID: row.String("session_id"),
			Timestamp: row.Int64("timestamp"),
			Date:      row.String("date"),
		}
		if props := row.String("properties"); props != "" && props != "{}" {
			_ = json.Unmarshal([]byte(props), &ev.Properties)
		}
		events = append(events, ev)
	}
	return events, nil
}

// PropertySummary lists the distinct event names seen in the window and
// the union of property keys across their attribute bags.
type PropertySummary struct {
	Events       []string `json:"events"`
	PropertyKeys []string `json:"property_keys"`
}

// propertyScanCap bounds how many attribute bags one summary inspects.
const propertyScanCap = 1000

// Properties summarizes the queryable surface of a project's events.
func (e *Engine) Properties(ctx context.Context, projectID string, days int, sinceMillis int64) (*PropertySummary, error) {
	window := e.windowForDays(days)
	if sinceMillis > 0 {
		window = e.windowSince(sinceMillis)
	}

	names, err := e.db.Query(ctx, store.Stmt{
		SQL: `
			SELECT DISTINCT event
			FROM events
			WHERE project_id = ? AND date >= ? AND date <= ?
			ORDER BY event ASC
		`,
		Args: []any{projectID, window.From, window.To},
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("list event names: %w", err))
	}

	out := &PropertySummary{Events: []string{}, PropertyKeys: []string{}}
	for _, row := range names {
		out.Events = append(out.Events, row.String("event"))
	}

	bags, err := e.db.Query(ctx, store.Stmt{
		SQL: `
			SELECT properties
			FROM events
			WHERE project_id = ? AND date >= ? AND date <= ? AND properties != '{}'
			ORDER BY timestamp DESC
			LIMIT ?
		`,
		Args: []any{projectID, window.From, window.To, propertyScanCap},
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("scan properties: %w", err))
	}

	keys := map[string]struct{}{}
	for _, row := range bags {
		var bag map[string]any
		if err := json.Unmarshal([]byte(row.String("properties")), &bag); err != nil {
			continue
		}
		for k := range bag {
			keys[k] = struct{}{}
		}
	}
	for k := range keys {
		out.PropertyKeys = append(out.PropertyKeys, k)
	}
	sort.Strings(out.PropertyKeys)

	return out, nil
}
