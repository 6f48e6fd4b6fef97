package stream_test

import (
	"context"
	"testing"

	"github.com/veldra/stagelive/stream"
	"github.com/veldra/stagelive/testutil"
)

func TestParseScenarioSortsByShowAt(t *testing.T) {
	doc := []byte(`[
		{"showAt": 30, "text": "late", "sender": "bob"},
		{"showAt": 5, "text": "early", "sender": "alice", "pinned": true},
		{"showAt": 30, "text": "late too", "sender": "carol"}
	]`)
	entries := stream.ParseScenario(doc)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Text != "early" || !entries[0].Pinned {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	// Equal offsets keep document order.
	if entries[1].Text != "late" || entries[2].Text != "late too" {
		t.Fatalf("unstable order for equal offsets: %+v", entries[1:])
	}
}

func TestParseScenarioToleratesMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"empty":       nil,
		"not json":    []byte(`{{{`),
		"wrong shape": []byte(`{"showAt": 1}`),
		"empty list":  []byte(`[]`),
	}
	for name, doc := range cases {
		if got := stream.ParseScenario(doc); len(got) != 0 {
			t.Errorf("%s: expected empty scenario, got %d entries", name, len(got))
		}
	}
}

func TestParseScenarioSkipsInvalidEntries(t *testing.T) {
	doc := []byte(`[
		{"showAt": -4, "text": "negative offset", "sender": "x"},
		{"showAt": 10, "text": "", "sender": "x"},
		{"showAt": 10, "text": "ok", "sender": "host"}
	]`)
	entries := stream.ParseScenario(doc)
	if len(entries) != 1 || entries[0].Text != "ok" {
		t.Fatalf("expected only the valid entry, got %+v", entries)
	}
}

func TestLoadScenario(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	ctx := context.Background()

	var id int64
	err := database.QueryRowContext(ctx, `
		INSERT INTO scenarios (name, scenario_text)
		VALUES ('opening', '[{"showAt": 3, "text": "welcome", "sender": "host"}]')
		RETURNING id`).Scan(&id)
	if err != nil {
		t.Fatalf("insert scenario: %v", err)
	}

	entries, err := stream.LoadScenario(ctx, database, id)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	if len(entries) != 1 || entries[0].Sender != "host" || entries[0].ShowAt != 3 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLoadScenarioMissingIsEmpty(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	ctx := context.Background()

	for _, id := range []int64{0, 99999} {
		entries, err := stream.LoadScenario(ctx, database, id)
		if err != nil {
			t.Fatalf("load scenario %d: %v", id, err)
		}
		if len(entries) != 0 {
			t.Fatalf("scenario %d: expected empty, got %+v", id, entries)
		}
	}
}
