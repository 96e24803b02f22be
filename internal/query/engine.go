// Package query compiles client-declared query shapes into safe,
// bounded aggregate SQL and produces the fixed stats overview.
//
// The allowlists are structurally enforced: metric, group-by, and
// order fragments come from fixed tables keyed by the validated name,
// filter values are always bound as parameters, and the only
// client-controlled text that ever reaches the query string is a
// property key validated against a safe identifier pattern.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/text/unicode/norm"

	"github.com/pulsemetrics/pulse/internal/apierr"
	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// Limit bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Metrics allowed in a query request, in their canonical order.
var AllowedMetrics = []string{"event_count", "unique_users", "session_count", "bounce_rate", "avg_duration"}

// Grouping keys allowed in a query request.
var AllowedGroupBy = []string{"event", "date", "user_id", "session_id"}

// Filter operators allowed in a query request.
var AllowedOperators = []string{"eq", "neq", "gt", "lt", "gte", "lte"}

// Plain filter fields; any other field must be a "properties.<key>" path.
var AllowedFilterFields = []string{"event", "user_id", "date"}

// Columns an explicit order_by may name.
var AllowedOrderBy = []string{"event_count", "unique_users", "date", "event"}

var (
	metricExprs = map[string]string{
		"event_count":   "COUNT(*)",
		"unique_users":  "COUNT(DISTINCT e.user_id)",
		"session_count": "COUNT(DISTINCT e.session_id)",
		"bounce_rate":   "100.0 * COUNT(DISTINCT CASE WHEN s.is_bounce = 1 THEN e.session_id END) / NULLIF(COUNT(DISTINCT e.session_id), 0)",
		"avg_duration":  "AVG(s.duration)",
	}
	groupExprs = map[string]string{
		"event":      "e.event",
		"date":       "e.date",
		"user_id":    "e.user_id",
		"session_id": "e.session_id",
	}
	operatorSQL = map[string]string{
		"eq": "=", "neq": "!=", "gt": ">", "lt": "<", "gte": ">=", "lte": "<=",
	}
	// Metrics that need the sessions join.
	sessionMetrics = map[string]bool{"bounce_rate": true, "avg_duration": true}

	propertyKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Filter is one client-supplied predicate. Value is always bound as a
// parameter.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Request is the client-declared query shape.
type Request struct {
	Project  string   `json:"project"`
	Metrics  []string `json:"metrics,omitempty"`
	GroupBy  []string `json:"group_by,omitempty"`
	Filters  []Filter `json:"filters,omitempty"`
	DateFrom string   `json:"date_from,omitempty"`
	DateTo   string   `json:"date_to,omitempty"`
	OrderBy  string   `json:"order_by,omitempty"`
	Order    string   `json:"order,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Period is the resolved date window of a response.
type Period struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Response is the query result. Count is the number of rows actually
// returned after the limit, not the total number of matching groups.
type Response struct {
	Project string      `json:"project"`
	Period  Period      `json:"period"`
	Metrics []string    `json:"metrics"`
	GroupBy []string    `json:"group_by"`
	Rows    []store.Row `json:"rows"`
	Count   int         `json:"count"`
}

// Engine executes compiled plans through the storage adapter.
type Engine struct {
	db    store.Adapter
	clock quartz.Clock
}

// New creates an engine.
func New(db store.Adapter, clock quartz.Clock) *Engine {
	return &Engine{db: db, clock: clock}
}

// Run compiles and executes a query request against a project.
func (e *Engine) Run(ctx context.Context, projectID string, req Request) (*Response, error) {
	window, err := e.resolveWindow(req.DateFrom, req.DateTo)
	if err != nil {
		return nil, err
	}

	p, err := compile(e.db, projectID, req, window)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.Query(ctx, store.Stmt{SQL: p.sql, Args: p.args})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("run query: %w", err))
	}

	return &Response{
		Project: req.Project,
		Period:  window,
		Metrics: p.metrics,
		GroupBy: p.groupBy,
		Rows:    rows,
		Count:   len(rows),
	}, nil
}

// plan is a fully compiled query: enum-keyed fragments assembled into
// SQL with every value parameter-bound.
type plan struct {
	sql     string
	args    []any
	metrics []string
	groupBy []string
}

func compile(d store.Dialect, projectID string, req Request, window Period) (*plan, error) {
	metrics := req.Metrics
	if len(metrics) == 0 {
		metrics = []string{"event_count"}
	}
	for _, m := range metrics {
		if _, ok := metricExprs[m]; !ok {
			return nil, apierr.Query("metric", m, AllowedMetrics)
		}
	}
	for _, g := range req.GroupBy {
		if _, ok := groupExprs[g]; !ok {
			return nil, apierr.Query("group_by", g, AllowedGroupBy)
		}
	}

	var selects []string
	for _, g := range req.GroupBy {
		selects = append(selects, fmt.Sprintf("%s AS %s", groupExprs[g], g))
	}
	for _, m := range metrics {
		selects = append(selects, fmt.Sprintf("%s AS %s", metricExprs[m], m))
	}

	from := "events e"
	if needsSessions(metrics) {
		from += " LEFT JOIN sessions s ON s.session_id = e.session_id AND s.project_id = e.project_id"
	}

	where := []string{"e.project_id = ?", "e.date >= ?", "e.date <= ?"}
	args := []any{projectID, window.From, window.To}

	for _, f := range req.Filters {
		column, err := filterColumn(d, f.Field)
		if err != nil {
			return nil, err
		}
		op, ok := operatorSQL[f.Op]
		if !ok {
			return nil, apierr.Query("filter operator", f.Op, AllowedOperators)
		}
		where = append(where, fmt.Sprintf("%s %s ?", column, op))
		args = append(args, f.Value)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s",
		strings.Join(selects, ", "), from, strings.Join(where, " AND "))

	if len(req.GroupBy) > 0 {
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(req.GroupBy, ", "))
	}

	orderBy, direction := resolveOrder(req, metrics)
	fmt.Fprintf(&b, " ORDER BY %s %s", orderBy, direction)

	b.WriteString(" LIMIT ?")
	args = append(args, clampLimit(req.Limit))

	return &plan{
		sql:     b.String(),
		args:    args,
		metrics: metrics,
		groupBy: append([]string{}, req.GroupBy...),
	}, nil
}

// filterColumn maps a filter field to its column expression. Property
// paths compile to a JSON extraction scoped to the validated key; the
// key name is the only client text that reaches the query string.
func filterColumn(d store.Dialect, field string) (string, error) {
	switch field {
	case "event":
		return "e.event", nil
	case "user_id":
		return "e.user_id", nil
	case "date":
		return "e.date", nil
	}
	if key, ok := strings.CutPrefix(field, "properties."); ok {
		key = norm.NFC.String(key)
		if !propertyKeyPattern.MatchString(key) {
			return "", apierr.Query("filter field", field, append(append([]string{}, AllowedFilterFields...), "properties.<key>"))
		}
		return d.JSONExtract("e.properties", key), nil
	}
	return "", apierr.Query("filter field", field, append(append([]string{}, AllowedFilterFields...), "properties.<key>"))
}

// resolveOrder picks the ORDER BY column and direction. An explicit
// order_by is honored only when it is allowlisted and part of the
// projection; otherwise date when grouping by date, else the primary
// metric. Direction defaults to descending.
func resolveOrder(req Request, metrics []string) (string, string) {
	direction := "DESC"
	if req.Order == "asc" {
		direction = "ASC"
	}

	if req.OrderBy != "" && contains(AllowedOrderBy, req.OrderBy) && inProjection(req, metrics, req.OrderBy) {
		return req.OrderBy, direction
	}
	if contains(req.GroupBy, "date") {
		return "date", direction
	}
	return metrics[0], direction
}

func inProjection(req Request, metrics []string, name string) bool {
	return contains(metrics, name) || contains(req.GroupBy, name)
}

func needsSessions(metrics []string) bool {
	for _, m := range metrics {
		if sessionMetrics[m] {
			return true
		}
	}
	return false
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// resolveWindow applies the default last-7-days-through-today window
// and validates explicit bounds.
func (e *Engine) resolveWindow(from, to string) (Period, error) {
	today := e.clock.Now().UTC()
	window := Period{
		From: today.AddDate(0, 0, -6).Format(model.DateLayout),
		To:   today.Format(model.DateLayout),
	}
	if from != "" {
		if _, err := time.Parse(model.DateLayout, from); err != nil {
			return Period{}, apierr.Validation("date_from must be YYYY-MM-DD")
		}
		window.From = from
	}
	if to != "" {
		if _, err := time.Parse(model.DateLayout, to); err != nil {
			return Period{}, apierr.Validation("date_to must be YYYY-MM-DD")
		}
		window.To = to
	}
	return window, nil
}

// windowForDays converts a trailing day count into a date window ending
// today. days <= 0 means the default 7.
func (e *Engine) windowForDays(days int) Period {
	if days <= 0 {
		days = 7
	}
	today := e.clock.Now().UTC()
	return Period{
		From: today.AddDate(0, 0, -(days - 1)).Format(model.DateLayout),
		To:   today.Format(model.DateLayout),
	}
}

// windowSince converts an epoch-millisecond lower bound into a date
// window ending today.
func (e *Engine) windowSince(sinceMillis int64) Period {
	return Period{
		From: model.DateOf(sinceMillis),
		To:   e.clock.Now().UTC().Format(model.DateLayout),
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
