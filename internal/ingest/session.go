package ingest

import (
	"fmt"

	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// contribution is one session's aggregated share of a request: the
// earliest and latest timestamps, the pages seen at each end, and how
// many events contributed. For a single event start == end and both
// pages are the event's page.
type contribution struct {
	sessionID string
	userID    string
	projectID string
	start     int64
	end       int64
	entryPage string
	exitPage  string
	count     int64
	date      string
}

func contributionFor(ev *model.Event, page string) contribution {
	return contribution{
		sessionID: ev.SessionID,
		userID:    ev.UserID,
		projectID: ev.ProjectID,
		start:     ev.Timestamp,
		end:       ev.Timestamp,
		entryPage: page,
		exitPage:  page,
		count:     1,
		date:      ev.Date,
	}
}

// absorb folds another same-session event into the contribution,
// keeping the entry page with the earliest timestamp and the exit page
// with the latest.
func (c *contribution) absorb(ev *model.Event, page string) {
	if ev.Timestamp < c.start {
		c.start = ev.Timestamp
		if page != "" {
			c.entryPage = page
		}
	}
	if ev.Timestamp >= c.end {
		c.end = ev.Timestamp
		if page != "" {
			c.exitPage = page
		}
	}
	if c.userID == "" {
		c.userID = ev.UserID
	}
	c.count++
}

// sessionUpsertStmt builds the single atomic merge for a session. Two
// events for the same session arriving concurrently both contribute
// correctly regardless of interleaving; a read-then-write would lose
// updates.
func sessionUpsertStmt(d store.Dialect, c contribution) store.Stmt {
	isBounce := 1
	if c.count > 1 {
		isBounce = 0
	}

	minStart := d.Least("sessions.start_time", "excluded.start_time")
	maxEnd := d.Greatest("sessions.end_time", "excluded.end_time")

	sql := fmt.Sprintf(`
		INSERT INTO sessions (session_id, user_id, project_id, start_time, end_time, duration,
		                      entry_page, exit_page, event_count, is_bounce, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			start_time  = %s,
			end_time    = %s,
			duration    = %s - %s,
			entry_page  = CASE WHEN excluded.start_time < sessions.start_time
			                   THEN excluded.entry_page ELSE sessions.entry_page END,
			exit_page   = CASE WHEN excluded.end_time >= sessions.end_time
			                   THEN excluded.exit_page ELSE sessions.exit_page END,
			event_count = sessions.event_count + excluded.event_count,
			is_bounce   = CASE WHEN sessions.event_count + excluded.event_count > 1 THEN 0 ELSE 1 END
	`, minStart, maxEnd, maxEnd, minStart)

	return store.Stmt{
		SQL: sql,
		Args: []any{
			c.sessionID, nullable(c.userID), c.projectID,
			c.start, c.end, c.end - c.start,
			nullable(c.entryPage), nullable(c.exitPage),
			c.count, isBounce, c.date,
		},
	}
}
