// Package model defines the persisted records shared by the ingestion
// pipeline, the query engine, and the auth cache.
package model

import "time"

// Project is a tenant. The project token is the public write credential
// carried by the tracking snippet; the API key is the private read
// credential. Both are unique across the whole project set.
type Project struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	OwnerEmail        string    `json:"owner_email"`
	ProjectToken      string    `json:"project_token"`
	APIKey            string    `json:"api_key,omitempty"`
	AllowedOrigins    string    `json:"allowed_origins"`
	Tier              string    `json:"tier"`
	RateLimitEvents   int64     `json:"rate_limit_events"`
	RateLimitReads    int64     `json:"rate_limit_reads"`
	DataRetentionDays int       `json:"data_retention_days"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Event is one ingested analytics event. Immutable once written; events
// are only ever bulk-deleted with their project or by retention.
type Event struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	Name       string         `json:"event"`
	Properties map[string]any `json:"properties"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Date       string         `json:"date"`
}

// Session aggregates all events sharing a session_id. Rows are mutated
// incrementally by the session upsert as events arrive.
type Session struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id,omitempty"`
	ProjectID  string `json:"project_id"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	Duration   int64  `json:"duration"`
	EntryPage  string `json:"entry_page,omitempty"`
	ExitPage   string `json:"exit_page,omitempty"`
	EventCount int64  `json:"event_count"`
	IsBounce   int    `json:"is_bounce"`
	Date       string `json:"date"`
}

// Usage holds the per-project per-day counters backing rate limiting.
// Counters only ever increase; rows are created lazily on first increment.
type Usage struct {
	ProjectID  string `json:"project_id"`
	Date       string `json:"date"`
	EventCount int64  `json:"event_count"`
	ReadCount  int64  `json:"read_count"`
}

// DateOf derives the UTC calendar date for an epoch-millisecond timestamp.
// event.date is always this value for event.timestamp.
func DateOf(tsMillis int64) string {
	return time.UnixMilli(tsMillis).UTC().Format(DateLayout)
}

// DateLayout is the canonical YYYY-MM-DD form used by the date columns.
const DateLayout = "2006-01-02"
