package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/veldra/stagelive/chat"
	"github.com/veldra/stagelive/stream"
	"github.com/veldra/stagelive/telemetry"
)

// HandleChatStream subscribes the caller to the live chat feed over
// Server-Sent Events. The first frame is a full snapshot of the message log
// with the current connection count; every later frame is a delta. Opening a
// stream also triggers scenario scheduling for the active session, so the
// first viewer to arrive starts the scripted track.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_sse"))

	sender := r.URL.Query().Get("sender")
	if sender == "" {
		sender = identityFromContext(ctx)
	}

	sess, err := stream.ResolveActive(ctx, h.db)
	if err != nil {
		if errors.Is(err, stream.ErrNoActiveSession) {
			http.Error(w, "no active stream", http.StatusNotFound)
			return
		}
		log.Error("resolve active session", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Scheduling failure must not break the viewer's connection; the poller
	// or the next subscriber will retry.
	if err := h.sched.EnsureScheduled(ctx, sess); err != nil {
		log.Warn("scenario scheduling failed", slog.Int64("session", sess.ID), slog.Any("err", err))
	}

	// Register before loading the snapshot so no delta published in between
	// is missed; overlap is filtered below by message id.
	conn := h.hub.Subscribe(sender)
	defer h.hub.Unsubscribe(conn)

	history, err := h.store.LoadAll(ctx)
	if err != nil {
		log.Error("load chat history", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	seen := make(map[int64]struct{}, len(history))
	for _, m := range history {
		seen[m.ID] = struct{}{}
	}
	if !writeSSE(w, h.hub.Snapshot(history)) {
		return
	}
	flusher.Flush()

	log.Debug("subscriber connected",
		slog.String("sender", sender), slog.Int64("session", sess.ID), slog.String("conn", conn.ID.String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Closed():
			return
		case ev := <-conn.Events():
			if len(ev.Messages) > 0 {
				// Drop messages the snapshot already delivered.
				fresh := make([]chat.Message, 0, len(ev.Messages))
				for _, m := range ev.Messages {
					if _, dup := seen[m.ID]; dup {
						continue
					}
					seen[m.ID] = struct{}{}
					fresh = append(fresh, m)
				}
				if len(fresh) == 0 && ev.ConnectionCount == nil {
					continue
				}
				ev.Messages = fresh
			}
			if !writeSSE(w, ev) {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one event frame. Reports false when the client is gone.
func writeSSE(w http.ResponseWriter, ev chat.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode SSE event", slog.Any("err", err))
		return true
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	return true
}

// incomingMessage is the wire shape of one posted chat message.
type incomingMessage struct {
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Pinned bool   `json:"pinned"`
}

// chatPostRequest carries either a batch of new messages or a pin-state
// change, mirroring the two delta shapes on the SSE feed.
type chatPostRequest struct {
	NewMessages     []incomingMessage `json:"newMessages"`
	Sender          string            `json:"sender"`
	PinnedMessageID *int64            `json:"pinnedMessageId"`
	Pinned          *bool             `json:"pinned"`
}

// HandleChatMessages accepts live messages and moderator pin changes.
func (h *Handlers) HandleChatMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatPostRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch {
	case req.PinnedMessageID != nil:
		h.handlePinChange(w, r, *req.PinnedMessageID, req.Pinned == nil || *req.Pinned)
	case len(req.NewMessages) > 0:
		h.handleNewMessages(w, r, req)
	default:
		http.Error(w, "empty request", http.StatusBadRequest)
	}
}

func (h *Handlers) handleNewMessages(w http.ResponseWriter, r *http.Request, req chatPostRequest) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_post"))

	// Validate the whole batch before touching the store: a malformed entry
	// rejects the request with nothing persisted and nothing broadcast.
	now := time.Now()
	batch := make([]chat.Message, 0, len(req.NewMessages))
	ids := make(map[int64]struct{}, len(req.NewMessages))
	for i, in := range req.NewMessages {
		sender := in.Sender
		if sender == "" {
			sender = req.Sender
		}
		if len(in.Text) > h.MaxMessageLength {
			http.Error(w, "message too long", http.StatusBadRequest)
			return
		}
		id := in.ID
		if id == 0 {
			// Distinct per entry; two id-less messages in one batch must
			// not share the same millisecond timestamp.
			id = now.UnixMilli() + int64(i)
		}
		m, err := chat.NewLiveMessage(id, sender, in.Text, in.Pinned, now)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, dup := ids[m.ID]; dup {
			http.Error(w, "duplicate message id in batch", http.StatusBadRequest)
			return
		}
		ids[m.ID] = struct{}{}
		batch = append(batch, m)
	}

	// One transaction: a conflict with an existing id rolls the whole batch
	// back, so a 409 never leaves part of the request applied.
	if err := h.store.AppendBatch(ctx, batch); err != nil {
		if errors.Is(err, chat.ErrDuplicateID) {
			http.Error(w, "duplicate message id", http.StatusConflict)
			return
		}
		log.Error("append live messages", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for range batch {
		telemetry.LiveMessages.Inc()
	}

	// Fan out to everyone except the sender's own connections; the sender
	// already rendered the message optimistically.
	h.hub.PublishMessages(batch, req.Sender)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": batch})
}

func (h *Handlers) handlePinChange(w http.ResponseWriter, r *http.Request, messageID int64, pinned bool) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_post"))

	if !isModerator(ctx) {
		http.Error(w, "moderator role required", http.StatusForbidden)
		return
	}

	if err := h.store.SetPinned(ctx, messageID, pinned); err != nil {
		if errors.Is(err, chat.ErrMessageNotFound) {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}
		log.Error("set pin state", slog.Int64("id", messageID), slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	telemetry.PinToggles.Inc()
	h.hub.PublishPinState(messageID, pinned)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messageId": messageID, "pinned": pinned})
}
