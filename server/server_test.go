package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/veldra/stagelive/testutil"
)

func TestMuxCorrelationAndStatusPaths(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetChatTables(t, database)
	h := newTestHandlers(t, database)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mux := NewMux(ctx, h)

	// Success path: /status answers 200 and the middleware stamps a
	// correlation id on the response.
	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("status: missing correlation id header")
	}

	// Error path: no sessions exist, so the active-stream lookup is a 404
	// and the middleware still stamps the correlation id.
	req = httptest.NewRequest("GET", "/streams/active", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("active: expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("active: missing correlation id header")
	}

	// A caller-supplied correlation id is reused, not replaced.
	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-fixed")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-fixed" {
		t.Fatalf("healthz: correlation id not propagated, got %q", got)
	}
}
