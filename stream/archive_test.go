package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/veldra/stagelive/chat"
	"github.com/veldra/stagelive/stream"
	"github.com/veldra/stagelive/testutil"
)

func TestArchiveKeepsFirstSnapshot(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	ctx := context.Background()

	store := chat.NewStore(database)
	arch := stream.NewArchiver(database, store, time.Hour)
	sess := &stream.Session{ID: insertStream(t, database, "show", time.Now().UTC(), 0, 3600)}

	if err := store.Append(ctx, chat.Message{
		ID: 1, Sender: "viewer", Text: "hello", SendingTime: time.Now().UTC(), Origin: chat.OriginLive,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := arch.Archive(ctx, sess); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// A message arriving after archival must not change the snapshot.
	if err := store.Append(ctx, chat.Message{
		ID: 2, Sender: "viewer", Text: "late", SendingTime: time.Now().UTC(), Origin: chat.OriginLive,
	}); err != nil {
		t.Fatalf("append late: %v", err)
	}
	if err := arch.Archive(ctx, sess); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	got, err := arch.LoadArchive(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 || got[0].Text != "hello" {
		t.Fatalf("snapshot changed on re-archive: %+v", got)
	}
}

func TestArchiveEmptyLog(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	ctx := context.Background()

	store := chat.NewStore(database)
	arch := stream.NewArchiver(database, store, time.Hour)
	sess := &stream.Session{ID: insertStream(t, database, "quiet", time.Now().UTC(), 0, 3600)}

	if err := arch.Archive(ctx, sess); err != nil {
		t.Fatalf("archive: %v", err)
	}
	var n int
	if err := database.QueryRowContext(ctx,
		`SELECT message_count FROM chat_archives WHERE stream_id=$1`, sess.ID).Scan(&n); err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty archive, got %d messages", n)
	}
}
