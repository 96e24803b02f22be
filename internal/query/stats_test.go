package query

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
	"github.com/pulsemetrics/pulse/internal/testutil"
)

func statsEngine(t *testing.T) (*Engine, store.Adapter) {
	t.Helper()

	db := testutil.NewStore(t)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
	return New(db, clock), db
}

func seedDay(t *testing.T, db store.Adapter, idPrefix, name, user, date string, n int) {
	t.Helper()

	ts, err := time.Parse(model.DateLayout, date)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		testutil.SeedEvent(t, db, model.Event{
			ID:        idPrefix + "-" + date + "-" + string(rune('a'+i)),
			ProjectID: "p1",
			Name:      name,
			UserID:    user,
			Timestamp: ts.Add(time.Duration(i) * time.Minute).UnixMilli(),
		})
	}
}

func TestStats_TotalsAndSeries(t *testing.T) {
	engine, db := statsEngine(t)

	seedDay(t, db, "pv", "pageview", "u1", "2025-01-05", 2)
	seedDay(t, db, "pv2", "pageview", "u2", "2025-01-06", 1)
	seedDay(t, db, "su", "signup", "u1", "2025-01-06", 1)
	seedDay(t, db, "old", "pageview", "u3", "2024-11-01", 3) // outside the window

	stats, err := engine.Stats(context.Background(), "p1", "site", StatsOptions{})
	require.NoError(t, err)

	assert.Equal(t, "site", stats.Project)
	assert.Equal(t, Period{From: "2025-01-01", To: "2025-01-07"}, stats.Period)
	assert.Equal(t, "day", stats.Granularity)
	assert.EqualValues(t, 4, stats.Totals.TotalEvents)
	assert.EqualValues(t, 2, stats.Totals.UniqueUsers)

	require.Len(t, stats.Series, 2)
	assert.Equal(t, Bucket{Bucket: "2025-01-05", Count: 2}, stats.Series[0])
	assert.Equal(t, Bucket{Bucket: "2025-01-06", Count: 2}, stats.Series[1])

	require.Len(t, stats.TopEvents, 2)
	assert.Equal(t, "pageview", stats.TopEvents[0].Event)
	assert.EqualValues(t, 3, stats.TopEvents[0].Count)
	assert.EqualValues(t, 2, stats.TopEvents[0].UniqueUsers)
	assert.Equal(t, "signup", stats.TopEvents[1].Event)
}

// TestStats_GranularityFallback accepts any junk granularity and
// serves day buckets.
func TestStats_GranularityFallback(t *testing.T) {
	engine, db := statsEngine(t)
	seedDay(t, db, "pv", "pageview", "u1", "2025-01-06", 1)

	stats, err := engine.Stats(context.Background(), "p1", "site", StatsOptions{Granularity: "fortnight"})
	require.NoError(t, err)
	assert.Equal(t, "day", stats.Granularity)
	require.Len(t, stats.Series, 1)
	assert.Equal(t, "2025-01-06", stats.Series[0].Bucket)
}

func TestStats_MonthBuckets(t *testing.T) {
	engine, db := statsEngine(t)
	seedDay(t, db, "a", "pageview", "u1", "2024-12-30", 1)
	seedDay(t, db, "b", "pageview", "u1", "2025-01-02", 2)

	stats, err := engine.Stats(context.Background(), "p1", "site", StatsOptions{Days: 30, Granularity: "month"})
	require.NoError(t, err)
	assert.Equal(t, "month", stats.Granularity)
	require.Len(t, stats.Series, 2)
	assert.Equal(t, Bucket{Bucket: "2024-12", Count: 1}, stats.Series[0])
	assert.Equal(t, Bucket{Bucket: "2025-01", Count: 2}, stats.Series[1])
}

// TestStats_SessionAggregates reads session figures from the sessions
// table, so they reflect the merged rows rather than raw events.
func TestStats_SessionAggregates(t *testing.T) {
	engine, db := statsEngine(t)

	insert := func(sid, user string, duration, eventCount, isBounce int64) {
		err := db.Exec(context.Background(), store.Stmt{
			SQL: `
				INSERT INTO sessions (session_id, user_id, project_id, start_time, end_time, duration,
				                      event_count, is_bounce, date)
				VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)
			`,
			Args: []any{sid, user, "p1", duration, duration, eventCount, isBounce, "2025-01-06"},
		})
		require.NoError(t, err)
	}
	insert("s1", "u1", 30_000, 3, 0)
	insert("s2", "u1", 0, 1, 1)

	stats, err := engine.Stats(context.Background(), "p1", "site", StatsOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.Sessions.TotalSessions)
	assert.InDelta(t, 50.0, stats.Sessions.BounceRate, 0.001)
	assert.InDelta(t, 15_000.0, stats.Sessions.AvgDuration, 0.001)
	assert.InDelta(t, 2.0, stats.Sessions.PagesPerSession, 0.001)
	assert.InDelta(t, 2.0, stats.Sessions.SessionsPerUser, 0.001)
}

func TestStats_EmptyProject(t *testing.T) {
	engine, _ := statsEngine(t)

	stats, err := engine.Stats(context.Background(), "ghost", "ghost", StatsOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Totals.TotalEvents)
	assert.NotNil(t, stats.Series, "empty series marshals as [], not null")
	assert.NotNil(t, stats.TopEvents)
	assert.EqualValues(t, 0, stats.Sessions.TotalSessions)
}

func TestEvents_FilterAndOrder(t *testing.T) {
	engine, db := statsEngine(t)

	base := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC).UnixMilli()
	testutil.SeedEvent(t, db, model.Event{
		ID: "e1", ProjectID: "p1", Name: "pageview", SessionID: "s1",
		Timestamp: base, Properties: map[string]any{"path": "/home"},
	})
	testutil.SeedEvent(t, db, model.Event{
		ID: "e2", ProjectID: "p1", Name: "click", SessionID: "s1",
		Timestamp: base + 1_000,
	})
	testutil.SeedEvent(t, db, model.Event{
		ID: "e3", ProjectID: "p1", Name: "pageview", SessionID: "s2",
		Timestamp: base + 2_000,
	})

	events, err := engine.Events(context.Background(), "p1", EventsOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e3", events[0].ID, "newest first")
	assert.Equal(t, "e1", events[2].ID)
	assert.Equal(t, map[string]any{"path": "/home"}, events[2].Properties)

	events, err = engine.Events(context.Background(), "p1", EventsOptions{Event: "pageview"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = engine.Events(context.Background(), "p1", EventsOptions{SessionID: "s1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

func TestProperties_Summary(t *testing.T) {
	engine, db := statsEngine(t)

	base := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC).UnixMilli()
	testutil.SeedEvent(t, db, model.Event{
		ID: "e1", ProjectID: "p1", Name: "signup", Timestamp: base,
		Properties: map[string]any{"plan": "pro", "source": "ad"},
	})
	testutil.SeedEvent(t, db, model.Event{
		ID: "e2", ProjectID: "p1", Name: "pageview", Timestamp: base,
		Properties: map[string]any{"path": "/home"},
	})
	testutil.SeedEvent(t, db, model.Event{
		ID: "e3", ProjectID: "p1", Name: "pageview", Timestamp: base,
	})

	summary, err := engine.Properties(context.Background(), "p1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pageview", "signup"}, summary.Events)
	assert.Equal(t, []string{"path", "plan", "source"}, summary.PropertyKeys)
}
