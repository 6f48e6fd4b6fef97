package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Entry is one scripted comment: inject Text as Sender at ShowAt seconds
// after the session start. Entries are immutable once loaded.
type Entry struct {
	ShowAt int    `json:"showAt"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Pinned bool   `json:"pinned"`
}

// ParseScenario decodes a scenario document into ordered entries. An empty or
// malformed document yields an empty list: a broken script means "no scripted
// content" and must never take down a subscriber connection. Entries with no
// text or a negative offset are skipped for the same reason.
func ParseScenario(doc []byte) []Entry {
	if len(doc) == 0 {
		return []Entry{}
	}
	var entries []Entry
	if err := json.Unmarshal(doc, &entries); err != nil {
		slog.Warn("scenario document malformed, treating as empty",
			slog.Any("err", err), slog.String("component", "scenario"))
		return []Entry{}
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Text == "" || e.Sender == "" || e.ShowAt < 0 {
			slog.Warn("skipping invalid scenario entry",
				slog.Int("show_at", e.ShowAt), slog.String("sender", e.Sender), slog.String("component", "scenario"))
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ShowAt < out[j].ShowAt })
	return out
}

// LoadScenario fetches and parses the scenario document for a session.
// A missing scenario row behaves like an empty one.
func LoadScenario(ctx context.Context, db *sql.DB, scenarioID int64) ([]Entry, error) {
	if scenarioID == 0 {
		return []Entry{}, nil
	}
	var doc []byte
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(scenario_text, '[]'::jsonb) FROM scenarios WHERE id=$1`, scenarioID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Warn("scenario not found, treating as empty",
			slog.Int64("scenario_id", scenarioID), slog.String("component", "scenario"))
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scenario %d: %w", scenarioID, err)
	}
	return ParseScenario(doc), nil
}
