package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/authcache"
	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// CreateProjectRequest is the admin payload for project creation.
// Credentials are always generated server-side.
type CreateProjectRequest struct {
	Name              string `json:"name"`
	OwnerEmail        string `json:"owner_email"`
	Tier              string `json:"tier"`
	AllowedOrigins    string `json:"allowed_origins"`
	RateLimitEvents   int64  `json:"rate_limit_events"`
	RateLimitReads    int64  `json:"rate_limit_reads"`
	DataRetentionDays int    `json:"data_retention_days"`
}

// requireAdmin gates the project lifecycle routes. With no admin key
// configured the surface does not exist.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.AdminKey == "" {
		h.writeAPIError(w, "admin", apierr.NotFound("not found"))
		return false
	}
	supplied := r.Header.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.AdminKey)) != 1 {
		h.writeAPIError(w, "admin", apierr.KeyInvalid())
		return false
	}
	return true
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req CreateProjectRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		h.writeAPIError(w, "admin/projects", apierr.Validation("name is required"))
		return
	}
	if req.Tier == "" {
		req.Tier = "free"
	}

	now := time.Now().UTC()
	project := &model.Project{
		ID:                uuid.NewString(),
		Name:              req.Name,
		OwnerEmail:        req.OwnerEmail,
		ProjectToken:      "pk_" + randomHex(16),
		APIKey:            "sk_" + randomHex(24),
		AllowedOrigins:    req.AllowedOrigins,
		Tier:              req.Tier,
		RateLimitEvents:   req.RateLimitEvents,
		RateLimitReads:    req.RateLimitReads,
		DataRetentionDays: req.DataRetentionDays,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := h.DB.Exec(r.Context(), store.Stmt{
		SQL: `
			INSERT INTO projects (id, name, owner_email, project_token, api_key, allowed_origins,
			                      tier, rate_limit_events, rate_limit_reads, data_retention_days,
			                      created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		Args: []any{
			project.ID, project.Name, project.OwnerEmail, project.ProjectToken, project.APIKey,
			project.AllowedOrigins, project.Tier, project.RateLimitEvents, project.RateLimitReads,
			project.DataRetentionDays, now.Format(time.RFC3339), now.Format(time.RFC3339),
		},
	})
	if err != nil {
		if h.DB.IsUniqueViolation(err) {
			h.writeAPIError(w, "admin/projects", apierr.Validation("project token or api key already exists"))
			return
		}
		h.writeAPIError(w, "admin/projects", apierr.Internal(err))
		return
	}

	// A single writer never waits out the cache TTL to see its own
	// mutation.
	h.Auth.Invalidate()

	writeJSON(w, http.StatusCreated, project)
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	rows, err := h.DB.Query(r.Context(), store.Stmt{SQL: `
		SELECT id, name, owner_email, project_token, api_key, allowed_origins,
		       tier, rate_limit_events, rate_limit_reads, data_retention_days,
		       created_at, updated_at
		FROM projects
		ORDER BY created_at ASC
	`})
	if err != nil {
		if h.DB.IsMissingTable(err) {
			writeJSON(w, http.StatusOK, map[string]any{"projects": []any{}})
			return
		}
		h.writeAPIError(w, "admin/projects", apierr.Internal(err))
		return
	}

	projects := make([]*model.Project, 0, len(rows))
	for _, row := range rows {
		projects = append(projects, authcache.ProjectFromRow(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleDeleteProject removes a project and cascades to its events,
// sessions, and usage rows in one transaction.
func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	id := chi.URLParam(r, "id")
	row, err := h.DB.QueryRow(r.Context(), store.Stmt{
		SQL:  "SELECT id FROM projects WHERE id = ?",
		Args: []any{id},
	})
	if err == store.ErrNoRows || row == nil {
		h.writeAPIError(w, "admin/projects", apierr.NotFound("project %q not found", id))
		return
	}
	if err != nil {
		h.writeAPIError(w, "admin/projects", apierr.Internal(err))
		return
	}

	err = h.DB.ExecBatch(r.Context(), []store.Stmt{
		{SQL: "DELETE FROM events WHERE project_id = ?", Args: []any{id}},
		{SQL: "DELETE FROM sessions WHERE project_id = ?", Args: []any{id}},
		{SQL: "DELETE FROM usage WHERE project_id = ?", Args: []any{id}},
		{SQL: "DELETE FROM projects WHERE id = ?", Args: []any{id}},
	})
	if err != nil {
		h.writeAPIError(w, "admin/projects", apierr.Internal(err))
		return
	}

	h.Auth.Invalidate()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
