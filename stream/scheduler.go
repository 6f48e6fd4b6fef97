package stream

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veldra/stagelive/chat"
	"github.com/veldra/stagelive/telemetry"
)

// Chat scheduling states persisted on the streams row. A session moves
// idle → scheduled when a scheduling pass claims it; it returns to idle when
// its start time changes (new claim) or the process restarts.
const (
	ChatStateIdle      = "idle"
	ChatStateScheduled = "scheduled"
)

// Scheduler converts a session's scenario into timer-driven injection jobs.
// Claiming is a compare-and-swap on the persisted streams row, done BEFORE
// any job is registered: under concurrent triggers exactly one caller wins
// the claim and registers, everyone else observes the claim and skips.
// Registering before marking would let two racing callers double-fire.
type Scheduler struct {
	db    *sql.DB
	store *chat.Store
	hub   *chat.Hub
	arch  *Archiver
	now   func() time.Time
	log   *slog.Logger

	// passMu serializes whole scheduling passes so a pass for one start time
	// cannot interleave with a pass for an edited start time.
	passMu sync.Mutex

	mu   sync.Mutex
	jobs map[string]*job
}

// job is one pending timer, dedup-keyed by (session, start time, entry).
type job struct {
	key     string
	session int64
	start   time.Time
	timer   *time.Timer
}

func NewScheduler(db *sql.DB, store *chat.Store, hub *chat.Hub, arch *Archiver) *Scheduler {
	telemetry.Init()
	return &Scheduler{
		db:    db,
		store: store,
		hub:   hub,
		arch:  arch,
		now:   time.Now,
		log:   slog.Default().With(slog.String("component", "chat_scheduler")),
		jobs:  make(map[string]*job),
	}
}

// EnsureScheduled makes sure the session's scenario is registered for its
// current start time. Safe to call from every subscriber connection and from
// the background poller; only the claim winner does any work.
func (s *Scheduler) EnsureScheduled(ctx context.Context, sess *Session) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	// Jobs registered against a superseded start time would inject comments
	// at obsolete instants. Cancelled on every trigger, not only inside a
	// winning claim: when two racing callers carry different start times the
	// claim winner may run before the loser registers its jobs, and no later
	// caller for the current start wins the claim again to clean up.
	s.cancelStale(sess.ID, sess.StartDate)

	claimed, err := s.claim(ctx, sess)
	if err != nil {
		return fmt.Errorf("claim session %d: %w", sess.ID, err)
	}
	if !claimed {
		return nil
	}

	s.log.Info("scheduling scenario",
		slog.Int64("session", sess.ID),
		slog.Time("start", sess.StartDate),
		slog.Int64("scenario", sess.ScenarioID))

	entries, err := LoadScenario(ctx, s.db, sess.ScenarioID)
	if err != nil {
		// Give the claim back so a later trigger can retry the load.
		s.release(ctx, sess)
		return fmt.Errorf("load scenario for session %d: %w", sess.ID, err)
	}

	s.registerEntries(sess, entries)
	s.registerTerminal(sess)

	// Another process may have claimed an edited start between our claim and
	// the registrations above; it cannot see this registry, so check the row
	// and withdraw our jobs if the claim no longer stands.
	var current sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT chat_scheduled_start FROM streams WHERE id=$1`, sess.ID).Scan(&current); err == nil {
		if !current.Valid || !current.Time.Equal(sess.StartDate) {
			s.log.Info("claim superseded during registration, withdrawing jobs",
				slog.Int64("session", sess.ID), slog.Time("start", sess.StartDate))
			s.cancelFor(sess.ID, sess.StartDate)
			return nil
		}
	}

	telemetry.SchedulingPasses.Inc()
	return nil
}

// claim atomically marks the session as scheduled for its current start
// time. Reports true only for the caller that transitioned the row, which is
// the one allowed to register jobs.
func (s *Scheduler) claim(ctx context.Context, sess *Session) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET chat_state=$3, chat_scheduled_start=$2, updated_at=NOW()
		WHERE id=$1 AND chat_scheduled_start IS DISTINCT FROM $2`,
		sess.ID, sess.StartDate, ChatStateScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// release undoes our own claim (and only ours) after a failed scheduling pass.
func (s *Scheduler) release(ctx context.Context, sess *Session) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET chat_state=$3, chat_scheduled_start=NULL, updated_at=NOW()
		WHERE id=$1 AND chat_scheduled_start=$2`,
		sess.ID, sess.StartDate, ChatStateIdle)
	if err != nil {
		s.log.Warn("failed to release scheduling claim", slog.Int64("session", sess.ID), slog.Any("err", err))
	}
}

// ResetSchedulingState clears persisted claims at process start. Timers live
// in this process, so a claim from a previous incarnation has no jobs behind
// it; resetting lets the first trigger after boot re-register. Replayed
// firings cannot duplicate messages because scripted ids are deterministic.
func (s *Scheduler) ResetSchedulingState(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams SET chat_state=$1, chat_scheduled_start=NULL, updated_at=NOW()
		WHERE chat_scheduled_start IS NOT NULL`, ChatStateIdle)
	if err != nil {
		return fmt.Errorf("reset scheduling state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("reset persisted scheduling state", slog.Int64("sessions", n))
	}

	// Bookkeeping for /status: when this process last cleared claims.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ('scheduler_last_reset', $1, NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		s.now().UTC().Format(time.RFC3339)); err != nil {
		s.log.Warn("failed to record reset timestamp", slog.Any("err", err))
	}
	return nil
}

// registerEntries converts scenario entries into timer jobs. An entry whose
// fire time has already passed is dropped, matching how the original system
// discarded past-dated jobs; late joiners see only what actually fired.
func (s *Scheduler) registerEntries(sess *Session, entries []Entry) {
	now := s.now()
	registered, dropped := 0, 0
	for idx, e := range entries {
		fireAt := sess.StartDate.Add(time.Duration(e.ShowAt) * time.Second)
		if fireAt.Before(now) {
			dropped++
			telemetry.ScriptedDropped.Inc()
			continue
		}
		entry := e
		i := idx
		if s.register(jobKey(sess.ID, sess.StartDate, fmt.Sprint(i)), sess, fireAt, func() {
			s.fireEntry(sess, entry, i, fireAt)
		}) {
			registered++
		}
	}
	s.log.Info("scenario registered",
		slog.Int64("session", sess.ID),
		slog.Int("jobs", registered),
		slog.Int("dropped_past_due", dropped))
}

// registerTerminal schedules the end-of-stream job at start+duration. Unlike
// scenario entries it fires immediately when already past due, so archival
// still happens for a process that comes up after the stream ended.
func (s *Scheduler) registerTerminal(sess *Session) {
	fireAt := sess.EndTime()
	s.register(jobKey(sess.ID, sess.StartDate, "terminal"), sess, fireAt, func() {
		s.fireTerminal(sess)
	})
}

// register adds a timer job unless one already exists under the same dedup
// key. Returns whether a new job was created.
func (s *Scheduler) register(key string, sess *Session, at time.Time, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[key]; exists {
		return false
	}
	j := &job{key: key, session: sess.ID, start: sess.StartDate}
	j.timer = time.AfterFunc(at.Sub(s.now()), func() {
		s.consume(key)
		fn()
	})
	s.jobs[key] = j
	telemetry.SetPendingJobs(len(s.jobs))
	return true
}

// consume removes a fired job from the registry.
func (s *Scheduler) consume(key string) {
	s.mu.Lock()
	delete(s.jobs, key)
	telemetry.SetPendingJobs(len(s.jobs))
	s.mu.Unlock()
}

// cancelStale stops pending jobs for the session that were registered
// against a different start time.
func (s *Scheduler) cancelStale(sessionID int64, start time.Time) {
	if n := s.cancelWhere(sessionID, func(j *job) bool { return !j.start.Equal(start) }); n > 0 {
		s.log.Info("cancelled stale jobs", slog.Int64("session", sessionID), slog.Int("count", n))
	}
}

// cancelFor stops pending jobs registered against exactly the given start
// time. Used to withdraw a registration whose claim was superseded.
func (s *Scheduler) cancelFor(sessionID int64, start time.Time) {
	s.cancelWhere(sessionID, func(j *job) bool { return j.start.Equal(start) })
}

func (s *Scheduler) cancelWhere(sessionID int64, match func(*job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for key, j := range s.jobs {
		if j.session == sessionID && match(j) {
			j.timer.Stop()
			delete(s.jobs, key)
			cancelled++
		}
	}
	if cancelled > 0 {
		telemetry.SetPendingJobs(len(s.jobs))
	}
	return cancelled
}

// Stop cancels every pending job. Used on shutdown and in tests.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, key)
	}
	telemetry.SetPendingJobs(0)
}

// PendingJobs returns the number of registered, unfired jobs.
func (s *Scheduler) PendingJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// fireEntry runs when a scenario entry's instant arrives: persist the
// scripted message, then fan it out. A store failure is logged and the job
// is consumed, not retried; a retry after a partial failure could inject the
// comment twice.
func (s *Scheduler) fireEntry(sess *Session, e Entry, idx int, scheduledAt time.Time) {
	now := s.now()
	id := scriptedMessageID(sess.StartDate, idx)
	m, err := chat.NewScriptedMessage(id, e.Sender, e.Text, e.Pinned, now)
	if err != nil {
		s.log.Error("invalid scripted message", slog.Int64("session", sess.ID), slog.Int("entry", idx), slog.Any("err", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inserted, err := s.store.AppendScripted(ctx, m)
	if err != nil {
		s.log.Error("scripted message write failed, job consumed",
			slog.Int64("session", sess.ID), slog.Int("entry", idx), slog.Any("err", err))
		return
	}
	if !inserted {
		// Already injected by a previous incarnation replaying this entry.
		telemetry.ScriptedSkipped.Inc()
		s.log.Debug("scripted message already present", slog.Int64("id", m.ID))
		return
	}

	telemetry.ScriptedFired.Inc()
	telemetry.ObserveFiringSkew(scheduledAt, now)
	s.hub.PublishMessages([]chat.Message{m}, "")
	s.log.Debug("scripted message injected",
		slog.Int64("session", sess.ID), slog.Int("entry", idx), slog.String("sender", e.Sender))
}

// fireTerminal archives the message log at end of stream and schedules the
// retention purge.
func (s *Scheduler) fireTerminal(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.arch.Archive(ctx, sess); err != nil {
		s.log.Error("archive failed", slog.Int64("session", sess.ID), slog.Any("err", err))
		// Fall through: the purge is still scheduled so the live log does
		// not grow without bound, and the archive insert is idempotent if
		// a later trigger re-runs it.
	}

	s.register(jobKey(sess.ID, sess.StartDate, "purge"), sess, s.now().Add(s.arch.Retention), func() {
		pctx, pcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer pcancel()
		if err := s.arch.Purge(pctx); err != nil {
			s.log.Error("purge failed", slog.Int64("session", sess.ID), slog.Any("err", err))
		}
	})
}

// jobKey is the dedup key: stable for the same (session, start, entry) so
// re-entrant registration attempts collide instead of double-registering.
func jobKey(sessionID int64, start time.Time, suffix string) string {
	return fmt.Sprintf("%d:%d:%s", sessionID, start.Unix(), suffix)
}

// scriptedMessageID derives the deterministic id for a scenario entry's
// message. Deterministic per (start, entry) so replaying a firing collides
// with the row it already wrote.
func scriptedMessageID(start time.Time, idx int) int64 {
	return start.UnixMilli() + int64(idx)
}
