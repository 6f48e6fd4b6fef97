package stream

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// StartSchedulePollerJob runs a background loop that periodically resolves
// the active session and ensures its scenario is scheduled. This makes
// scripted comments fire on time even when no viewer has connected yet; the
// per-connection trigger alone would delay the scenario until the first
// subscriber arrives.
func StartSchedulePollerJob(ctx context.Context, db *sql.DB, sched *Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("schedule poller starting", slog.Duration("interval", interval))

	// Run immediately on start
	pollOnce(ctx, db, sched)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("schedule poller stopped")
			return
		case <-ticker.C:
			pollOnce(ctx, db, sched)
		}
	}
}

// pollOnce performs a single resolve-and-schedule cycle.
func pollOnce(ctx context.Context, db *sql.DB, sched *Scheduler) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sess, err := ResolveActive(rctx, db)
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			slog.Debug("schedule poller: no active session")
			return
		}
		slog.Warn("schedule poller: resolve failed", slog.Any("err", err))
		return
	}

	if err := sched.EnsureScheduled(rctx, sess); err != nil {
		slog.Warn("schedule poller: scheduling failed", slog.Int64("session", sess.ID), slog.Any("err", err))
	}
}
