// Package retention deletes events and sessions that have aged past
// each project's data_retention_days window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/pulsemetrics/pulse/internal/model"
	"github.com/pulsemetrics/pulse/internal/store"
)

// Sweeper runs periodic retention sweeps. Projects with a retention of
// zero keep data forever.
type Sweeper struct {
	db       store.Adapter
	clock    quartz.Clock
	interval time.Duration
	log      *slog.Logger
}

// New creates a sweeper.
func New(db store.Adapter, clock quartz.Clock, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{db: db, clock: clock, interval: interval, log: log}
}

// Run sweeps on the configured interval until ctx is cancelled. An
// interval of zero disables sweeping.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes expired rows for every project with a retention
// window, one transaction per project.
func (s *Sweeper) Sweep(ctx context.Context) error {
	rows, err := s.db.Query(ctx, store.Stmt{SQL: `
		SELECT id, data_retention_days FROM projects WHERE data_retention_days > 0
	`})
	if err != nil {
		if s.db.IsMissingTable(err) {
			return nil
		}
		return fmt.Errorf("list retention projects: %w", err)
	}

	today := s.clock.Now().UTC()
	for _, row := range rows {
		projectID := row.String("id")
		days := int(row.Int64("data_retention_days"))
		cutoff := today.AddDate(0, 0, -days).Format(model.DateLayout)

		err := s.db.ExecBatch(ctx, []store.Stmt{
			{SQL: "DELETE FROM events WHERE project_id = ? AND date < ?", Args: []any{projectID, cutoff}},
			{SQL: "DELETE FROM sessions WHERE project_id = ? AND date < ?", Args: []any{projectID, cutoff}},
		})
		if err != nil {
			return fmt.Errorf("sweep project %s: %w", projectID, err)
		}
		s.log.Debug("retention sweep", "project_id", projectID, "cutoff", cutoff)
	}
	return nil
}
