// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"

	"github.com/veldra/stagelive/chat"
	"github.com/veldra/stagelive/stream"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	ctx   context.Context
	store *chat.Store
	hub   *chat.Hub
	sched *stream.Scheduler

	// MaxMessageLength bounds incoming live message text. Defaults to the
	// store-level limit; deployments may configure a tighter one.
	MaxMessageLength int
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, store *chat.Store, hub *chat.Hub, sched *stream.Scheduler) *Handlers {
	return &Handlers{
		db:               db,
		ctx:              ctx,
		store:            store,
		hub:              hub,
		sched:            sched,
		MaxMessageLength: chat.MaxTextLength,
	}
}
