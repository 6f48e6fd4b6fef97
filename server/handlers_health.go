package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veldra/stagelive/stream"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var n int
			return h.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM messages").Scan(&n)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: message counts by
// origin, connection count, pending scheduler jobs, and the active session.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var total, scripted, live, pinned int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE origin='scripted'`).Scan(&scripted)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE origin='live'`).Scan(&live)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE pinned`).Scan(&pinned)
	resp["messages"] = map[string]int{
		"total":    total,
		"scripted": scripted,
		"live":     live,
		"pinned":   pinned,
	}

	resp["connections"] = h.hub.ConnectionCount()
	resp["pending_jobs"] = h.sched.PendingJobs()

	sess, err := stream.ResolveActive(ctx, h.db)
	switch {
	case err == nil:
		resp["active_stream"] = map[string]any{
			"id":         sess.ID,
			"name":       sess.Name,
			"start_date": sess.StartDate,
			"chat_state": sess.ChatState,
		}
	case errors.Is(err, stream.ErrNoActiveSession):
		resp["active_stream"] = nil
	default:
		resp["active_stream_error"] = err.Error()
	}

	var archives int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_archives`).Scan(&archives)
	resp["archives"] = archives

	var lastReset string
	if err := h.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key='scheduler_last_reset'`).Scan(&lastReset); err == nil {
		resp["scheduler_last_reset"] = lastReset
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
