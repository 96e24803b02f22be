package query

import (
	"context"
	"fmt"
	"math"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/store"
)

// StatsOptions selects the window and series granularity of the
// overview. Since (epoch millis) wins over Days when both are set.
// An unrecognized granularity silently falls back to day.
type StatsOptions struct {
	Days        int
	Since       int64
	Granularity string
}

// Totals are the window-wide counts.
type Totals struct {
	TotalEvents int64 `json:"total_events"`
	UniqueUsers int64 `json:"unique_users"`
}

// Bucket is one point of the time-bucketed series.
type Bucket struct {
	Bucket string `json:"bucket"`
	Count  int64  `json:"count"`
}

// TopEvent is one row of the top-events table.
type TopEvent struct {
	Event       string `json:"event"`
	Count       int64  `json:"count"`
	UniqueUsers int64  `json:"unique_users"`
}

// SessionStats are derived from the sessions table, never recomputed
// from raw events.
type SessionStats struct {
	TotalSessions   int64   `json:"total_sessions"`
	BounceRate      float64 `json:"bounce_rate"`
	AvgDuration     float64 `json:"avg_duration"`
	PagesPerSession float64 `json:"pages_per_session"`
	SessionsPerUser float64 `json:"sessions_per_user"`
}

// Stats is the fixed overview shape.
type Stats struct {
	Project     string       `json:"project"`
	Period      Period       `json:"period"`
	Granularity string       `json:"granularity"`
	Totals      Totals       `json:"totals"`
	Series      []Bucket     `json:"series"`
	TopEvents   []TopEvent   `json:"top_events"`
	Sessions    SessionStats `json:"sessions"`
}

// Stats computes the overview for a project.
func (e *Engine) Stats(ctx context.Context, projectID, projectName string, opts StatsOptions) (*Stats, error) {
	window := e.windowForDays(opts.Days)
	if opts.Since > 0 {
		window = e.windowSince(opts.Since)
	}

	granularity := normalizeGranularity(opts.Granularity)

	out := &Stats{
		Project:     projectName,
		Period:      window,
		Granularity: granularity,
		Series:      []Bucket{},
		TopEvents:   []TopEvent{},
	}

	totals, err := e.db.QueryRow(ctx, store.Stmt{
		SQL: `
			SELECT COUNT(*) AS total_events, COUNT(DISTINCT user_id) AS unique_users
			FROM events
			WHERE project_id = ? AND date >= ? AND date <= ?
		`,
		Args: []any{projectID, window.From, window.To},
	})
	if err != nil && err != store.ErrNoRows {
		return nil, apierr.Internal(fmt.Errorf("stats totals: %w", err))
	}
	if totals != nil {
		out.Totals = Totals{
			TotalEvents: totals.Int64("total_events"),
			UniqueUsers: totals.Int64("unique_users"),
		}
	}

	// Hour buckets resolve against the raw timestamp for hour-level
	// resolution; coarser buckets come from the denormalized date.
	bucket := e.db.TimeBucket("timestamp", "date", granularity)
	series, err := e.db.Query(ctx, store.Stmt{
		SQL: fmt.Sprintf(`
			SELECT %s AS bucket, COUNT(*) AS count
			FROM events
			WHERE project_id = ? AND date >= ? AND date <= ?
			GROUP BY bucket
			ORDER BY bucket ASC
		`, bucket),
		Args: []any{projectID, window.From, window.To},
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("stats series: %w", err))
	}
	for _, row := range series {
		out.Series = append(out.Series, Bucket{
			Bucket: row.String("bucket"),
			Count:  row.Int64("count"),
		})
	}

	top, err := e.db.Query(ctx, store.Stmt{
		SQL: `
			SELECT event, COUNT(*) AS count, COUNT(DISTINCT user_id) AS unique_users
			FROM events
			WHERE project_id = ? AND date >= ? AND date <= ?
			GROUP BY event
			ORDER BY count DESC
			LIMIT 20
		`,
		Args: []any{projectID, window.From, window.To},
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("stats top events: %w", err))
	}
	for _, row := range top {
		out.TopEvents = append(out.TopEvents, TopEvent{
			Event:       row.String("event"),
			Count:       row.Int64("count"),
			UniqueUsers: row.Int64("unique_users"),
		})
	}

	sessions, err := e.db.QueryRow(ctx, store.Stmt{
		SQL: `
			SELECT COUNT(*) AS total_sessions,
			       100.0 * AVG(is_bounce) AS bounce_rate,
			       AVG(duration) AS avg_duration,
			       AVG(event_count) AS pages_per_session,
			       1.0 * COUNT(*) / NULLIF(COUNT(DISTINCT user_id), 0) AS sessions_per_user
			FROM sessions
			WHERE project_id = ? AND date >= ? AND date <= ?
		`,
		Args: []any{projectID, window.From, window.To},
	})
	if err != nil && err != store.ErrNoRows {
		return nil, apierr.Internal(fmt.Errorf("stats sessions: %w", err))
	}
	if sessions != nil {
		out.Sessions = SessionStats{
			TotalSessions:   sessions.Int64("total_sessions"),
			BounceRate:      round2(sessions.Float64("bounce_rate")),
			AvgDuration:     round2(sessions.Float64("avg_duration")),
			PagesPerSession: round2(sessions.Float64("pages_per_session")),
			SessionsPerUser: round2(sessions.Float64("sessions_per_user")),
		}
	}

	return out, nil
}

func normalizeGranularity(g string) string {
	switch g {
	case "hour", "day", "week", "month":
		return g
	default:
		return "day"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
