package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateID is returned by Append when the message id already exists.
// The earlier row is left untouched; the caller decides how to surface it.
var ErrDuplicateID = errors.New("message id already exists")

// ErrMessageNotFound is returned by SetPinned for an unknown message id.
var ErrMessageNotFound = errors.New("message not found")

// defaultStoreTimeout bounds every datastore call so a stuck query can never
// stall the scheduler or a fan-out.
const defaultStoreTimeout = 5 * time.Second

// Store is the durable, ordered chat message log.
type Store struct {
	DB *sql.DB
	// Timeout overrides the per-call deadline; zero means the default.
	Timeout time.Duration
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	t := s.Timeout
	if t <= 0 {
		t = defaultStoreTimeout
	}
	return context.WithTimeout(ctx, t)
}

// Append inserts a live message. A colliding id fails with ErrDuplicateID
// rather than overwriting the earlier message.
func (s *Store) Append(ctx context.Context, m Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (id, sender, text, sending_time, pinned, origin) VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.Sender, m.Text, m.SendingTime, m.Pinned, string(m.Origin))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("append message %d: %w", m.ID, ErrDuplicateID)
		}
		return fmt.Errorf("append message %d: %w", m.ID, err)
	}
	return nil
}

// AppendBatch inserts a batch of live messages in one transaction: the whole
// batch commits or none of it does. A colliding id rolls everything back and
// fails with ErrDuplicateID.
func (s *Store) AppendBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, sender, text, sending_time, pinned, origin) VALUES ($1,$2,$3,$4,$5,$6)`,
			m.ID, m.Sender, m.Text, m.SendingTime, m.Pinned, string(m.Origin))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("append batch message %d: %w", m.ID, ErrDuplicateID)
			}
			return fmt.Errorf("append batch message %d: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

// AppendScripted inserts a scheduler-injected message. Scripted ids are
// deterministic per scenario entry, so a conflict means the entry already
// fired (e.g. a replay after restart); it reports inserted=false instead of
// an error.
func (s *Store) AppendScripted(ctx context.Context, m Message) (inserted bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (id, sender, text, sending_time, pinned, origin) VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Sender, m.Text, m.SendingTime, m.Pinned, string(m.Origin))
	if err != nil {
		return false, fmt.Errorf("append scripted message %d: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append scripted message %d: %w", m.ID, err)
	}
	return n == 1, nil
}

// SetPinned toggles the pinned flag. Setting the flag to its current value is
// a no-op update that still succeeds, so pin/unpin stays idempotent.
func (s *Store) SetPinned(ctx context.Context, id int64, pinned bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.DB.ExecContext(ctx, `UPDATE messages SET pinned=$1 WHERE id=$2`, pinned, id)
	if err != nil {
		return fmt.Errorf("set pinned %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set pinned %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set pinned %d: %w", id, ErrMessageNotFound)
	}
	return nil
}

// LoadAll returns every message in display order (ascending send time, id as
// tiebreaker). Used for the snapshot on connect and for reconnect history.
func (s *Store) LoadAll(ctx context.Context) ([]Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, sender, text, sending_time, pinned, origin FROM messages ORDER BY sending_time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var origin string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &m.SendingTime, &m.Pinned, &origin); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Origin = Origin(origin)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return out, nil
}

// Purge clears the live message log. Deleting from an already-empty table is
// fine, which keeps the retention job idempotent.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.DB.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return n, nil
}
