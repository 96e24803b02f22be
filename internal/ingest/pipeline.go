// Package ingest implements the ingestion pipeline: validation, token
// authorization, daily rate limiting, durable writes with session
// correlation, and usage accounting.
//
// The pipeline returns its response value together with the pending
// persistence tasks. The transport layer decides how to run the tasks
// (background goroutine in production, inline in tests), which is what
// keeps a 200 an accepted-for-processing acknowledgement rather than a
// durability guarantee.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/authcache"
	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// MaxBatchSize caps the number of events accepted in one batch request.
const MaxBatchSize = 100

// TrackRequest is the wire shape of a single event submission. In a
// batch, Token is only consulted when the batch-level token is absent.
type TrackRequest struct {
	Token      string         `json:"token,omitempty"`
	Project    string         `json:"project"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// BatchRequest is the wire shape of a batch submission.
type BatchRequest struct {
	Token  string         `json:"token,omitempty"`
	Events []TrackRequest `json:"events"`
}

// Ack is the success response body.
type Ack struct {
	OK    bool `json:"ok"`
	Count int  `json:"count,omitempty"`
}

// Task is one deferred storage operation. Failures are logged by the
// caller, never surfaced to the client.
type Task func(ctx context.Context) error

// Pipeline validates, authorizes, rate-limits, and stages writes.
type Pipeline struct {
	db    store.Adapter
	auth  *authcache.Cache
	clock quartz.Clock
}

// New creates a pipeline.
func New(db store.Adapter, auth *authcache.Cache, clock quartz.Clock) *Pipeline {
	return &Pipeline{db: db, auth: auth, clock: clock}
}

// Track ingests one event. The returned tasks hold the event write (and
// session upsert) plus the usage increment; the ack is valid as soon as
// validation, authorization, and the rate-limit check have passed.
func (p *Pipeline) Track(ctx context.Context, req TrackRequest) (*Ack, []Task, error) {
	if err := validateEvent(req); err != nil {
		return nil, nil, err
	}

	project, err := p.auth.ResolveWriteToken(ctx, req.Token)
	if err != nil {
		return nil, nil, err
	}

	projectID := resolveProjectID(project, req.Project)
	today := model.DateOf(p.clock.Now().UnixMilli())
	if err := p.checkEventLimit(ctx, project, projectID, today); err != nil {
		return nil, nil, err
	}

	ev, err := p.buildEvent(projectID, req)
	if err != nil {
		return nil, nil, err
	}

	stmts := []store.Stmt{insertEventStmt(ev)}
	if ev.SessionID != "" {
		stmts = append(stmts, sessionUpsertStmt(p.db, contributionFor(ev, pageOf(req.Properties))))
	}

	tasks := []Task{
		func(ctx context.Context) error {
			if err := p.db.ExecBatch(ctx, stmts); err != nil {
				return fmt.Errorf("persist event %s: %w", ev.ID, err)
			}
			return nil
		},
		p.usageTask(projectID, today, 1),
	}

	return &Ack{OK: true}, tasks, nil
}

// TrackBatch ingests up to MaxBatchSize events in one unit of work.
// Validation covers every event before any authorization or storage
// work happens. Event rows are inserted in caller-supplied order.
func (p *Pipeline) TrackBatch(ctx context.Context, req BatchRequest) (*Ack, []Task, error) {
	if len(req.Events) == 0 {
		return nil, nil, apierr.Validation("events array must not be empty")
	}
	if len(req.Events) > MaxBatchSize {
		return nil, nil, apierr.Validation("batch exceeds %d events", MaxBatchSize)
	}
	for i, ev := range req.Events {
		if err := validateEvent(ev); err != nil {
			return nil, nil, apierr.Validation("events[%d]: %s", i, apierr.As(err).Message)
		}
	}

	// The batch-level token always wins; per-event tokens only matter
	// when it is absent.
	token := req.Token
	if token == "" {
		for _, ev := range req.Events {
			if ev.Token != "" {
				token = ev.Token
				break
			}
		}
	}

	project, err := p.auth.ResolveWriteToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	projectID := resolveProjectID(project, req.Events[0].Project)
	today := model.DateOf(p.clock.Now().UnixMilli())
	if err := p.checkEventLimit(ctx, project, projectID, today); err != nil {
		return nil, nil, err
	}

	var stmts []store.Stmt
	sessions := make(map[string]*contribution)
	var order []string

	for _, evReq := range req.Events {
		ev, err := p.buildEvent(resolveProjectID(project, evReq.Project), evReq)
		if err != nil {
			return nil, nil, err
		}
		stmts = append(stmts, insertEventStmt(ev))

		if ev.SessionID == "" {
			continue
		}
		page := pageOf(evReq.Properties)
		if existing, ok := sessions[ev.SessionID]; ok {
			existing.absorb(ev, page)
		} else {
			c := contributionFor(ev, page)
			sessions[ev.SessionID] = &c
			order = append(order, ev.SessionID)
		}
	}
	for _, sid := range order {
		stmts = append(stmts, sessionUpsertStmt(p.db, *sessions[sid]))
	}

	count := len(req.Events)
	tasks := []Task{
		func(ctx context.Context) error {
			if err := p.db.ExecBatch(ctx, stmts); err != nil {
				return fmt.Errorf("persist batch of %d: %w", count, err)
			}
			return nil
		},
		// One increment per event, not one bulk increment: the
		// rate-limit timing semantics depend on it.
		p.usageTask(projectID, today, count),
	}

	return &Ack{OK: true, Count: count}, tasks, nil
}

// checkEventLimit reads today's usage and compares it to the project's
// configured daily event limit. The check and the later increment are
// separate operations, so brief overage under concurrent bursts is
// accepted.
func (p *Pipeline) checkEventLimit(ctx context.Context, project *model.Project, projectID, today string) error {
	if project == nil || project.RateLimitEvents <= 0 {
		return nil
	}
	used, err := p.usageCount(ctx, projectID, today, "event_count")
	if err != nil {
		return err
	}
	if used >= project.RateLimitEvents {
		return apierr.RateLimited(project.RateLimitEvents)
	}
	return nil
}

// CheckReadLimit applies the same policy to the read counter.
func (p *Pipeline) CheckReadLimit(ctx context.Context, project *model.Project) error {
	if project == nil || project.RateLimitReads <= 0 {
		return nil
	}
	today := model.DateOf(p.clock.Now().UnixMilli())
	used, err := p.usageCount(ctx, project.ID, today, "read_count")
	if err != nil {
		return err
	}
	if used >= project.RateLimitReads {
		return apierr.RateLimited(project.RateLimitReads)
	}
	return nil
}

// ReadUsageTask returns the deferred read-counter increment for a
// project, best-effort like the event counter.
func (p *Pipeline) ReadUsageTask(projectID string) Task {
	today := model.DateOf(p.clock.Now().UnixMilli())
	return func(ctx context.Context) error {
		if err := p.db.Exec(ctx, incrementUsageStmt(projectID, today, "read_count")); err != nil {
			return fmt.Errorf("increment read usage for %s: %w", projectID, err)
		}
		return nil
	}
}

func (p *Pipeline) usageCount(ctx context.Context, projectID, date, column string) (int64, error) {
	row, err := p.db.QueryRow(ctx, store.Stmt{
		SQL:  fmt.Sprintf("SELECT %s FROM usage WHERE project_id = ? AND date = ?", column),
		Args: []any{projectID, date},
	})
	if err == store.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return row.Int64(column), nil
}

// usageTask issues n single-row event-counter increments.
func (p *Pipeline) usageTask(projectID, date string, n int) Task {
	return func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			if err := p.db.Exec(ctx, incrementUsageStmt(projectID, date, "event_count")); err != nil {
				return fmt.Errorf("increment event usage for %s: %w", projectID, err)
			}
		}
		return nil
	}
}

// buildEvent materializes the persisted record: a time-sortable UUIDv7
// id, an NFC-normalized name, the caller's timestamp (or now), and the
// derived UTC date.
func (p *Pipeline) buildEvent(projectID string, req TrackRequest) (*model.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("event id: %w", err))
	}

	ts := req.Timestamp
	if ts <= 0 {
		ts = p.clock.Now().UnixMilli()
	}

	return &model.Event{
		ID:         id.String(),
		ProjectID:  projectID,
		Name:       norm.NFC.String(req.Event),
		Properties: req.Properties,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Timestamp:  ts,
		Date:       model.DateOf(ts),
	}, nil
}

func validateEvent(req TrackRequest) error {
	if req.Project == "" {
		return apierr.Validation("project is required")
	}
	if req.Event == "" {
		return apierr.Validation("event is required")
	}
	return nil
}

// resolveProjectID prefers the resolved project record; in static
// single-tenant mode the client-supplied project name is the id.
func resolveProjectID(project *model.Project, requested string) string {
	if project != nil {
		return project.ID
	}
	return requested
}

// pageOf pulls the page value from the event's attribute bag.
func pageOf(properties map[string]any) string {
	for _, key := range []string{"path", "url"} {
		if v, ok := properties[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func insertEventStmt(ev *model.Event) store.Stmt {
	props := "{}"
	if len(ev.Properties) > 0 {
		if b, err := json.Marshal(ev.Properties); err == nil {
			props = string(b)
		}
	}
	return store.Stmt{
		SQL: `
			INSERT INTO events (id, project_id, event, properties, user_id, session_id, timestamp, date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
		Args: []any{ev.ID, ev.ProjectID, ev.Name, props, nullable(ev.UserID), nullable(ev.SessionID), ev.Timestamp, ev.Date},
	}
}

func incrementUsageStmt(projectID, date, column string) store.Stmt {
	return store.Stmt{
		SQL: fmt.Sprintf(`
			INSERT INTO usage (project_id, date, event_count, read_count)
			VALUES (?, ?, %s)
			ON CONFLICT (project_id, date) DO UPDATE SET %s = usage.%s + 1
		`, initialCounters(column), column, column),
		Args: []any{projectID, date},
	}
}

func initialCounters(column string) string {
	if column == "read_count" {
		return "0, 1"
	}
	return "1, 0"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
