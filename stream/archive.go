package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/veldra/stagelive/chat"
	"github.com/veldra/stagelive/telemetry"
)

// Archiver snapshots the chat log into chat_archives at end of stream and
// purges the live table once the retention window has elapsed.
type Archiver struct {
	db        *sql.DB
	store     *chat.Store
	Retention time.Duration
	log       *slog.Logger
}

func NewArchiver(db *sql.DB, store *chat.Store, retention time.Duration) *Archiver {
	return &Archiver{
		db:        db,
		store:     store,
		Retention: retention,
		log:       slog.Default().With(slog.String("component", "chat_archiver")),
	}
}

// Archive writes the full ordered message log for the session as a JSON
// document. Idempotent per session: a second archive attempt is a no-op and
// the first snapshot is kept.
func (a *Archiver) Archive(ctx context.Context, sess *Session) error {
	msgs, err := a.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load messages for archive: %w", err)
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	res, err := a.db.ExecContext(ctx, `
		INSERT INTO chat_archives (stream_id, messages, message_count, archived_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream_id) DO NOTHING`,
		sess.ID, payload, len(msgs))
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		a.log.Debug("archive already exists", slog.Int64("session", sess.ID))
		return nil
	}

	telemetry.ArchivesWritten.Inc()
	a.log.Info("chat archived", slog.Int64("session", sess.ID), slog.Int("messages", len(msgs)))
	return nil
}

// Purge clears the live message table.
func (a *Archiver) Purge(ctx context.Context) error {
	n, err := a.store.Purge(ctx)
	if err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	telemetry.PurgesRun.Inc()
	a.log.Info("chat log purged", slog.Int64("messages", n))
	return nil
}

// LoadArchive fetches a previously written archive for a session.
func (a *Archiver) LoadArchive(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT messages FROM chat_archives WHERE stream_id=$1`, sessionID).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load archive for session %d: %w", sessionID, err)
	}
	var msgs []chat.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("decode archive for session %d: %w", sessionID, err)
	}
	return msgs, nil
}
