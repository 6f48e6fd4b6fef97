package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veldra/stagelive/telemetry"
)

// Event is one frame pushed to subscribers. Exactly one of the two shapes is
// populated: a message delta ({messages, connectionCount}) or a pin-state
// change ({messageId, pinned}). The snapshot sent on connect uses the delta
// shape with the full history.
type Event struct {
	Messages        []Message `json:"messages,omitempty"`
	ConnectionCount *int      `json:"connectionCount,omitempty"`
	MessageID       *int64    `json:"messageId,omitempty"`
	Pinned          *bool     `json:"pinned,omitempty"`
}

// connBuffer is the per-connection event buffer. A subscriber that falls this
// far behind is treated as dead and reaped.
const connBuffer = 64

// Conn is one open subscriber connection. Owned by the Hub; the transport
// layer drains Events and watches Closed.
type Conn struct {
	ID     uuid.UUID
	Sender string

	events chan Event
	closed chan struct{}
	once   sync.Once
}

// Events delivers deltas in publish order.
func (c *Conn) Events() <-chan Event { return c.events }

// Closed is closed when the hub removes the connection.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Hub owns the set of open subscriber connections and fans events out to
// them. Delivery is best effort per connection: a subscriber that cannot be
// written to is handed to the reaper and removed without affecting the rest.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	dropped chan *Conn
	log     *slog.Logger
}

func NewHub() *Hub {
	telemetry.Init()
	return &Hub{
		conns:   make(map[*Conn]struct{}),
		dropped: make(chan *Conn, 128),
		log:     slog.Default().With(slog.String("component", "chat_hub")),
	}
}

// Run consumes disconnect events until ctx is cancelled. Failed or closed
// connections are funneled here instead of being torn down inside the
// publish path, so fan-out never blocks on cleanup.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				delete(h.conns, c)
				c.once.Do(func() { close(c.closed) })
			}
			h.mu.Unlock()
			telemetry.SetConnections(0)
			return
		case c := <-h.dropped:
			if h.remove(c) {
				telemetry.DeliveryFailures.Inc()
				h.log.Debug("subscriber reaped", slog.String("conn", c.ID.String()), slog.String("sender", c.Sender))
				h.broadcastCount()
			}
		}
	}
}

// Subscribe registers a new connection. The caller sends the snapshot as the
// first frame, then drains Events. The join is announced to everyone else as
// a connection-count delta.
func (h *Hub) Subscribe(sender string) *Conn {
	c := &Conn{
		ID:     uuid.New(),
		Sender: sender,
		events: make(chan Event, connBuffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	telemetry.SetConnections(n)
	h.log.Debug("subscriber joined", slog.String("conn", c.ID.String()), slog.String("sender", sender), slog.Int("connections", n))
	h.publish(Event{Messages: []Message{}, ConnectionCount: &n}, "", c)
	return c
}

// Unsubscribe removes a connection and announces the new count.
func (h *Hub) Unsubscribe(c *Conn) {
	if h.remove(c) {
		h.log.Debug("subscriber left", slog.String("conn", c.ID.String()), slog.String("sender", c.Sender))
		h.broadcastCount()
	}
}

// remove deletes the connection from the registry. Reports whether it was
// still registered, so double removal (reaper + handler defer) is a no-op.
func (h *Hub) remove(c *Conn) bool {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
	}
	n := len(h.conns)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.closed) })
		telemetry.SetConnections(n)
	}
	return ok
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Snapshot builds the frame a new subscriber receives before any delta.
func (h *Hub) Snapshot(msgs []Message) Event {
	n := h.ConnectionCount()
	if msgs == nil {
		msgs = []Message{}
	}
	return Event{Messages: msgs, ConnectionCount: &n}
}

// PublishMessages fans a message delta out to every open connection. A
// connection whose Sender equals excludeSender is skipped for this delta
// only (echo suppression for optimistic senders).
func (h *Hub) PublishMessages(msgs []Message, excludeSender string) {
	n := h.ConnectionCount()
	h.publish(Event{Messages: msgs, ConnectionCount: &n}, excludeSender, nil)
}

// PublishPinState fans out a pin-state change.
func (h *Hub) PublishPinState(messageID int64, pinned bool) {
	h.publish(Event{MessageID: &messageID, Pinned: &pinned}, "", nil)
}

// broadcastCount announces the current connection count as a bare delta.
func (h *Hub) broadcastCount() {
	n := h.ConnectionCount()
	h.publish(Event{Messages: []Message{}, ConnectionCount: &n}, "", nil)
}

// publish delivers ev to every registered connection except skip and those
// matching excludeSender. Sends never block: a connection with a full buffer
// is queued for the reaper and loses the event, the same way the original
// write-error path drops a broken pipe.
func (h *Hub) publish(ev Event, excludeSender string, skip *Conn) {
	telemetry.BroadcastsTotal.Inc()
	telemetry.TimeFunc(telemetry.FanoutDuration, func() {
		h.mu.RLock()
		targets := make([]*Conn, 0, len(h.conns))
		for c := range h.conns {
			if c == skip {
				continue
			}
			if excludeSender != "" && c.Sender == excludeSender {
				continue
			}
			targets = append(targets, c)
		}
		h.mu.RUnlock()

		for _, c := range targets {
			select {
			case c.events <- ev:
			default:
				h.drop(c)
			}
		}
	})
}

// drop hands a connection to the reaper. If the reaper queue is full the
// removal happens on a fresh goroutine rather than blocking the fan-out.
func (h *Hub) drop(c *Conn) {
	select {
	case h.dropped <- c:
	default:
		go func() {
			if h.remove(c) {
				telemetry.DeliveryFailures.Inc()
				h.broadcastCount()
			}
		}()
	}
}
