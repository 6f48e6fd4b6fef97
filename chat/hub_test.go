package chat

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func drain(c *Conn) {
	for {
		select {
		case <-c.Events():
		default:
			return
		}
	}
}

func TestHubSubscribeAnnouncesCount(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("alice")
	defer h.Unsubscribe(a)

	b := h.Subscribe("bob")
	defer h.Unsubscribe(b)

	// a must learn about b joining via a count delta.
	ev := recvEvent(t, a)
	if ev.ConnectionCount == nil || *ev.ConnectionCount != 2 {
		t.Fatalf("expected count delta 2, got %+v", ev)
	}
	if len(ev.Messages) != 0 {
		t.Fatalf("join delta should carry no messages, got %d", len(ev.Messages))
	}
	if h.ConnectionCount() != 2 {
		t.Fatalf("ConnectionCount = %d, want 2", h.ConnectionCount())
	}
}

func TestHubUnsubscribeAnnouncesCount(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("alice")
	b := h.Subscribe("bob")
	drain(a)

	h.Unsubscribe(b)
	ev := recvEvent(t, a)
	if ev.ConnectionCount == nil || *ev.ConnectionCount != 1 {
		t.Fatalf("expected count delta 1 after leave, got %+v", ev)
	}

	select {
	case <-b.Closed():
	case <-time.After(time.Second):
		t.Fatal("unsubscribed connection not closed")
	}

	// Double removal must be a no-op.
	h.Unsubscribe(b)
	if h.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", h.ConnectionCount())
	}
}

func TestHubPublishMessagesWithExclusion(t *testing.T) {
	h := NewHub()
	alice := h.Subscribe("alice")
	bob := h.Subscribe("bob")
	viewer := h.Subscribe("")
	drain(alice)
	drain(bob)
	drain(viewer)

	msg := Message{ID: 1, Sender: "alice", Text: "hi", SendingTime: time.Now(), Origin: OriginLive}
	h.PublishMessages([]Message{msg}, "alice")

	ev := recvEvent(t, bob)
	if len(ev.Messages) != 1 || ev.Messages[0].Text != "hi" {
		t.Fatalf("bob expected message delta, got %+v", ev)
	}
	if ev.ConnectionCount == nil || *ev.ConnectionCount != 3 {
		t.Fatalf("delta should carry connection count 3, got %+v", ev)
	}
	ev = recvEvent(t, viewer)
	if len(ev.Messages) != 1 {
		t.Fatalf("anonymous viewer expected message delta, got %+v", ev)
	}

	select {
	case ev := <-alice.Events():
		t.Fatalf("alice should have been excluded, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Without exclusion everyone receives it.
	h.PublishMessages([]Message{msg}, "")
	if ev := recvEvent(t, alice); len(ev.Messages) != 1 {
		t.Fatalf("alice expected message without exclusion, got %+v", ev)
	}
}

func TestHubPublishPinState(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("alice")
	drain(a)

	h.PublishPinState(42, true)
	ev := recvEvent(t, a)
	if ev.MessageID == nil || *ev.MessageID != 42 || ev.Pinned == nil || !*ev.Pinned {
		t.Fatalf("expected pin delta for 42/true, got %+v", ev)
	}

	// Unpin of an unpinned message still broadcasts.
	h.PublishPinState(42, false)
	ev = recvEvent(t, a)
	if ev.Pinned == nil || *ev.Pinned {
		t.Fatalf("expected unpin delta, got %+v", ev)
	}
}

func TestHubSlowSubscriberIsReapedWithoutBlockingOthers(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := h.Subscribe("slow")
	fast := h.Subscribe("fast")
	drain(fast)

	// Never drain slow: overflow its buffer so the hub reaps it.
	msg := Message{ID: 1, Sender: "x", Text: "spam", SendingTime: time.Now(), Origin: OriginLive}
	for i := 0; i < connBuffer+8; i++ {
		h.PublishMessages([]Message{msg}, "")
	}

	select {
	case <-slow.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not reaped")
	}

	// fast keeps receiving after the reap.
	drain(fast)
	h.PublishMessages([]Message{msg}, "")
	if ev := recvEvent(t, fast); len(ev.Messages) != 1 {
		t.Fatalf("fast subscriber broken after reap, got %+v", ev)
	}

	deadline := time.Now().Add(time.Second)
	for h.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.ConnectionCount(); n != 1 {
		t.Fatalf("ConnectionCount = %d after reap, want 1", n)
	}
}

func TestHubSnapshot(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("alice")
	defer h.Unsubscribe(a)

	snap := h.Snapshot(nil)
	if snap.Messages == nil {
		t.Fatal("snapshot messages must be non-nil for JSON shape")
	}
	if snap.ConnectionCount == nil || *snap.ConnectionCount != 1 {
		t.Fatalf("snapshot count = %+v, want 1", snap.ConnectionCount)
	}
}

func TestHubRunShutdownClosesConnections(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	a := h.Subscribe("alice")
	cancel()
	<-done

	select {
	case <-a.Closed():
	case <-time.After(time.Second):
		t.Fatal("connection not closed on shutdown")
	}
	if h.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount = %d after shutdown", h.ConnectionCount())
	}
}
