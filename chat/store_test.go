package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veldra/stagelive/chat"
	"github.com/veldra/stagelive/testutil"
)

func TestStoreAppendAndLoadOrdering(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	store := chat.NewStore(database)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	// Insert out of order; LoadAll must return ascending send time.
	msgs := []chat.Message{
		{ID: 3, Sender: "u3", Text: "third", SendingTime: base.Add(2 * time.Second), Origin: chat.OriginLive},
		{ID: 1, Sender: "bot", Text: "first", SendingTime: base, Origin: chat.OriginScripted},
		{ID: 2, Sender: "u2", Text: "second", SendingTime: base.Add(time.Second), Origin: chat.OriginLive},
	}
	for _, m := range msgs {
		if err := store.Append(ctx, m); err != nil {
			t.Fatalf("append %d: %v", m.ID, err)
		}
	}

	got, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, want := range []int64{1, 2, 3} {
		if got[i].ID != want {
			t.Errorf("position %d: id %d, want %d", i, got[i].ID, want)
		}
	}
	if got[0].Origin != chat.OriginScripted {
		t.Errorf("origin not round-tripped: %q", got[0].Origin)
	}
}

func TestStoreDuplicateIDFailsExplicitly(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	store := chat.NewStore(database)
	ctx := context.Background()

	m := chat.Message{ID: 10, Sender: "u1", Text: "original", SendingTime: time.Now().UTC(), Origin: chat.OriginLive}
	if err := store.Append(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}

	dup := m
	dup.Text = "impostor"
	err := store.Append(ctx, dup)
	if !errors.Is(err, chat.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// The earlier row must be intact.
	got, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].Text != "original" {
		t.Fatalf("earlier message corrupted: %+v", got)
	}
}

func TestStoreAppendScriptedIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	store := chat.NewStore(database)
	ctx := context.Background()

	m := chat.Message{ID: 20, Sender: "bot", Text: "scripted", SendingTime: time.Now().UTC(), Origin: chat.OriginScripted}
	inserted, err := store.AppendScripted(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("first AppendScripted: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.AppendScripted(ctx, m)
	if err != nil {
		t.Fatalf("second AppendScripted: %v", err)
	}
	if inserted {
		t.Fatal("replayed scripted insert must report inserted=false")
	}

	got, _ := store.LoadAll(ctx)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
}

func TestStoreSetPinned(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	store := chat.NewStore(database)
	ctx := context.Background()

	m := chat.Message{ID: 30, Sender: "u1", Text: "pin me", SendingTime: time.Now().UTC(), Origin: chat.OriginLive}
	if err := store.Append(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.SetPinned(ctx, 30, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	// Unpinning twice is idempotent.
	if err := store.SetPinned(ctx, 30, false); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if err := store.SetPinned(ctx, 30, false); err != nil {
		t.Fatalf("second unpin: %v", err)
	}

	got, _ := store.LoadAll(ctx)
	if len(got) != 1 || got[0].Pinned {
		t.Fatalf("unexpected pin state: %+v", got)
	}

	if err := store.SetPinned(ctx, 999, true); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestStorePurgeIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	store := chat.NewStore(database)
	ctx := context.Background()

	if err := store.Append(ctx, chat.Message{ID: 40, Sender: "u1", Text: "bye", SendingTime: time.Now().UTC(), Origin: chat.OriginLive}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n, err := store.Purge(ctx); err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if n, err := store.Purge(ctx); err != nil || n != 0 {
		t.Fatalf("purge of empty store: n=%d err=%v", n, err)
	}
	got, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("store not empty after purge: %d rows", len(got))
	}
}
