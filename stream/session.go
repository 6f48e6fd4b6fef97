// Package stream resolves the active broadcast session, schedules its
// scripted chat scenario, and handles end-of-stream archival.
package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoActiveSession is returned when no broadcast has been scheduled yet.
// Callers surface it as "nothing live", not as a failure.
var ErrNoActiveSession = errors.New("no active session")

// Session is one broadcast instance. The active session is the row with the
// latest start_date; callers detect a session change by comparing StartDate
// with their last-observed value.
type Session struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	StartDate     time.Time  `json:"start_date"`
	ScenarioID    int64      `json:"scenario_id"`
	VideoID       string     `json:"video_id"`
	VideoDuration int        `json:"video_duration"`
	UsersCount    int        `json:"users_count"`
	ChatState     string     `json:"-"`
	ScheduledFor  *time.Time `json:"-"`
}

// EndTime is when the video finishes playing.
func (s *Session) EndTime() time.Time {
	return s.StartDate.Add(time.Duration(s.VideoDuration) * time.Second)
}

// ResolveActive returns the session currently airing: the one with the
// latest start timestamp.
func ResolveActive(ctx context.Context, db *sql.DB) (*Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, COALESCE(name,''), start_date, COALESCE(scenario_id,0), COALESCE(video_id,''),
		       COALESCE(video_duration,0), COALESCE(users_count,0), chat_state, chat_scheduled_start
		FROM streams
		ORDER BY start_date DESC
		LIMIT 1`)

	var s Session
	var scheduledFor sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.StartDate, &s.ScenarioID, &s.VideoID,
		&s.VideoDuration, &s.UsersCount, &s.ChatState, &scheduledFor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("resolve active session: %w", err)
	}
	if scheduledFor.Valid {
		t := scheduledFor.Time
		s.ScheduledFor = &t
	}
	return &s, nil
}
