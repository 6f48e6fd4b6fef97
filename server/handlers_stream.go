package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/veldra/stagelive/stream"
	"github.com/veldra/stagelive/telemetry"
)

// HandleActiveStream returns the currently airing session so the player can
// position the video: start time, video id and duration, and connection count.
func (h *Handlers) HandleActiveStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, err := stream.ResolveActive(ctx, h.db)
	if err != nil {
		if errors.Is(err, stream.ErrNoActiveSession) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no active stream"})
			return
		}
		telemetry.LoggerWithCorr(ctx).Error("resolve active session", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"stream":          sess,
		"ended":           sess.EndTime().Before(time.Now()),
		"connectionCount": h.hub.ConnectionCount(),
	})
}
