package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/authcache"
	"github.com/pulsemetrics/pulse/internal/ingest"
	"github.com/pulsemetrics/pulse/internal/query"
	"github.com/pulsemetrics/pulse/internal/store"
)

// taskTimeout bounds one deferred persistence run.
const taskTimeout = 30 * time.Second

// Handler owns the route implementations.
type Handler struct {
	Log      *slog.Logger
	DB       store.Adapter
	Auth     *authcache.Cache
	Pipeline *ingest.Pipeline
	Query    *query.Engine
	AdminKey string

	// RunTasks executes deferred persistence work after the response is
	// written. Production uses the fire-and-forget default; tests swap
	// in a synchronous runner.
	RunTasks func(route string, tasks []ingest.Task)
}

// NewHandler wires a handler with the asynchronous task runner.
func NewHandler(log *slog.Logger, db store.Adapter, auth *authcache.Cache, pipeline *ingest.Pipeline, engine *query.Engine, adminKey string) *Handler {
	h := &Handler{
		Log:      log,
		DB:       db,
		Auth:     auth,
		Pipeline: pipeline,
		Query:    engine,
		AdminKey: adminKey,
	}
	h.RunTasks = h.runAsync
	return h
}

// runAsync completes deferred tasks on a background goroutine. A 200
// has already been written by the time these run: failures are logged
// and the client is never informed.
func (h *Handler) runAsync(route string, tasks []ingest.Task) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		for _, task := range tasks {
			if err := task(ctx); err != nil {
				h.Log.Error("deferred write failed", "route", route, "error", err)
			}
		}
	}()
}

// writeAPIError maps the taxonomy onto a response. Unexpected errors
// get a generic message and a log line.
func (h *Handler) writeAPIError(w http.ResponseWriter, route string, err error) {
	e := apierr.As(err)
	if e.Code == apierr.CodeInternal {
		logError(h.Log, route, e)
	}
	writeJSON(w, e.HTTPStatus(), ErrorResponse{
		Error:   e.Message,
		Allowed: e.Allowed,
		Limit:   e.Limit,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req ingest.TrackRequest
	if !readJSON(w, r, &req) {
		return
	}

	ack, tasks, err := h.Pipeline.Track(r.Context(), req)
	if err != nil {
		h.writeAPIError(w, "track", err)
		return
	}

	writeJSON(w, http.StatusOK, ack)
	h.RunTasks("track", tasks)
}

func (h *Handler) handleTrackBatch(w http.ResponseWriter, r *http.Request) {
	var req ingest.BatchRequest
	if !readJSON(w, r, &req) {
		return
	}

	ack, tasks, err := h.Pipeline.TrackBatch(r.Context(), req)
	if err != nil {
		h.writeAPIError(w, "track/batch", err)
		return
	}

	writeJSON(w, http.StatusOK, ack)
	h.RunTasks("track/batch", tasks)
}

// authorizeRead resolves the read credential and the project the
// request addresses. A key bound to a project record may only read
// that project's data; a static-allowlist key reads whichever project
// the request names. The read counter increment is deferred like every
// other write.
func (h *Handler) authorizeRead(w http.ResponseWriter, r *http.Request, route, projectParam string) (string, bool) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}

	project, err := h.Auth.ResolveReadKey(r.Context(), key)
	if err != nil {
		h.writeAPIError(w, route, err)
		return "", false
	}

	if projectParam == "" {
		h.writeAPIError(w, route, apierr.Validation("project is required"))
		return "", false
	}

	projectID := projectParam
	if project != nil {
		if projectParam != project.ID && projectParam != project.Name {
			h.writeAPIError(w, route, apierr.KeyInvalid())
			return "", false
		}
		projectID = project.ID
	}

	if err := h.Pipeline.CheckReadLimit(r.Context(), project); err != nil {
		h.writeAPIError(w, route, err)
		return "", false
	}

	h.RunTasks(route, []ingest.Task{h.Pipeline.ReadUsageTask(projectID)})
	return projectID, true
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectParam := q.Get("project")

	projectID, ok := h.authorizeRead(w, r, "stats", projectParam)
	if !ok {
		return
	}

	stats, err := h.Query.Stats(r.Context(), projectID, projectParam, query.StatsOptions{
		Days:        intParam(q.Get("days")),
		Since:       int64Param(q.Get("since")),
		Granularity: q.Get("groupBy"),
	})
	if err != nil {
		h.writeAPIError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectParam := q.Get("project")

	projectID, ok := h.authorizeRead(w, r, "events", projectParam)
	if !ok {
		return
	}

	events, err := h.Query.Events(r.Context(), projectID, query.EventsOptions{
		Event:     q.Get("event"),
		SessionID: q.Get("session_id"),
		Days:      intParam(q.Get("days")),
		Since:     int64Param(q.Get("since")),
		Limit:     intParam(q.Get("limit")),
	})
	if err != nil {
		h.writeAPIError(w, "events", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"project": projectParam,
		"events":  events,
	})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !readJSON(w, r, &req) {
		return
	}

	projectID, ok := h.authorizeRead(w, r, "query", req.Project)
	if !ok {
		return
	}

	resp, err := h.Query.Run(r.Context(), projectID, req)
	if err != nil {
		h.writeAPIError(w, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleProperties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectParam := q.Get("project")

	projectID, ok := h.authorizeRead(w, r, "properties", projectParam)
	if !ok {
		return
	}

	summary, err := h.Query.Properties(r.Context(), projectID, intParam(q.Get("days")), int64Param(q.Get("since")))
	if err != nil {
		h.writeAPIError(w, "properties", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func intParam(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func int64Param(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
