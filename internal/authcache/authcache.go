// Package authcache resolves project tokens and API keys to project
// records without scanning the projects table per request.
//
// The cache holds every project keyed three ways ("token:", "key:",
// "id:") and refreshes itself once it is older than the TTL. A missing
// projects table reads as an empty cache, which keeps single-tenant
// deployments (static allowlists, no projects table) working.
package authcache

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// DefaultTTL is how long a loaded snapshot stays fresh.
const DefaultTTL = 60 * time.Second

// Cache is the process-wide authorization cache. It owns its clock so
// tests can drive staleness deterministically.
type Cache struct {
	db    store.Adapter
	clock quartz.Clock
	ttl   time.Duration

	// Static allowlists for single-tenant mode, matched in constant
	// time. Either may be empty.
	staticTokens []string
	staticKeys   []string

	mu       sync.RWMutex
	entries  map[string]*model.Project
	loadedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the refresh interval.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithStaticTokens installs a comma-separated write-token allowlist.
func WithStaticTokens(list string) Option {
	return func(c *Cache) { c.staticTokens = splitList(list) }
}

// WithStaticKeys installs a comma-separated read-key allowlist.
func WithStaticKeys(list string) Option {
	return func(c *Cache) { c.staticKeys = splitList(list) }
}

// New creates a cache over the given store.
func New(db store.Adapter, clock quartz.Clock, opts ...Option) *Cache {
	c := &Cache{
		db:    db,
		clock: clock,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invalidate forces the next lookup to reload. Project create/delete
// call this synchronously so a writer never waits out the TTL to see
// its own mutation; concurrent readers may still observe the stale
// snapshot until it expires.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// ResolveWriteToken resolves an ingestion token.
//
// A nil project with a nil error means open ingestion: either the token
// matched the static allowlist (single-tenant mode, no project record)
// or nothing is configured anywhere (the dev-mode escape hatch).
func (c *Cache) ResolveWriteToken(ctx context.Context, token string) (*model.Project, error) {
	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if token == "" {
		if c.hasWriteTokens(entries) {
			return nil, apierr.TokenMissing()
		}
		// Nothing configured anywhere: ingestion is open.
		return nil, nil
	}

	if p, ok := entries["token:"+token]; ok {
		return p, nil
	}
	if matchesList(c.staticTokens, token) {
		return nil, nil
	}
	if !c.hasWriteTokens(entries) {
		// A token was sent but none are configured; accept it the same
		// way an absent token is accepted.
		return nil, nil
	}
	return nil, apierr.TokenInvalid()
}

// ResolveReadKey resolves a read credential. Unlike ingestion there is
// no open mode: reads always require some configured key.
func (c *Cache) ResolveReadKey(ctx context.Context, key string) (*model.Project, error) {
	if key == "" {
		return nil, apierr.KeyMissing()
	}

	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if p, ok := entries["key:"+key]; ok {
		return p, nil
	}
	if matchesList(c.staticKeys, key) {
		return nil, nil
	}
	return nil, apierr.KeyInvalid()
}

// ResolveID looks up a project by id, reloading if stale.
func (c *Cache) ResolveID(ctx context.Context, id string) (*model.Project, error) {
	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := entries["id:"+id]
	if !ok {
		return nil, apierr.NotFound("project %q not found", id)
	}
	return p, nil
}

// snapshot returns the current mapping, reloading when stale. The
// reload is not deduplicated across concurrent callers: redundant
// loads are idempotent and cheaper than coordinating them.
func (c *Cache) snapshot(ctx context.Context) (map[string]*model.Project, error) {
	c.mu.RLock()
	entries, loadedAt := c.entries, c.loadedAt
	c.mu.RUnlock()

	if entries != nil && c.clock.Now().Sub(loadedAt) < c.ttl {
		return entries, nil
	}

	loaded, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries = loaded
	c.loadedAt = c.clock.Now()
	c.mu.Unlock()

	return loaded, nil
}

// load reads every project. A missing projects table is an empty cache,
// not an error.
func (c *Cache) load(ctx context.Context) (map[string]*model.Project, error) {
	rows, err := c.db.Query(ctx, store.Stmt{SQL: `
		SELECT id, name, owner_email, project_token, api_key, allowed_origins,
		       tier, rate_limit_events, rate_limit_reads, data_retention_days,
		       created_at, updated_at
		FROM projects
	`})
	if err != nil {
		if c.db.IsMissingTable(err) {
			return map[string]*model.Project{}, nil
		}
		return nil, fmt.Errorf("load projects: %w", err)
	}

	entries := make(map[string]*model.Project, len(rows)*3)
	for _, row := range rows {
		p := ProjectFromRow(row)
		entries["token:"+p.ProjectToken] = p
		entries["key:"+p.APIKey] = p
		entries["id:"+p.ID] = p
	}
	return entries, nil
}

// hasWriteTokens reports whether any write credential exists, cached or
// static.
func (c *Cache) hasWriteTokens(entries map[string]*model.Project) bool {
	if len(c.staticTokens) > 0 {
		return true
	}
	for k := range entries {
		if strings.HasPrefix(k, "token:") {
			return true
		}
	}
	return false
}

// ProjectFromRow converts a generic store row into a Project.
func ProjectFromRow(row store.Row) *model.Project {
	createdAt, _ := time.Parse(time.RFC3339, row.String("created_at"))
	updatedAt, _ := time.Parse(time.RFC3339, row.String("updated_at"))
	return &model.Project{
		ID:                row.String("id"),
		Name:              row.String("name"),
		OwnerEmail:        row.String("owner_email"),
		ProjectToken:      row.String("project_token"),
		APIKey:            row.String("api_key"),
		AllowedOrigins:    row.String("allowed_origins"),
		Tier:              row.String("tier"),
		RateLimitEvents:   row.Int64("rate_limit_events"),
		RateLimitReads:    row.Int64("rate_limit_reads"),
		DataRetentionDays: int(row.Int64("data_retention_days")),
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
}

// matchesList compares the candidate against every member in constant
// time per member, so timing reveals nothing about any secret.
func matchesList(list []string, candidate string) bool {
	matched := false
	for _, member := range list {
		if subtle.ConstantTimeCompare([]byte(member), []byte(candidate)) == 1 {
			matched = true
		}
	}
	return matched
}

func splitList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
