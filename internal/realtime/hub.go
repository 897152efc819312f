// Package realtime pushes order status updates to WebSocket subscribers. It
// consumes the same lifecycle events every other consumer group sees, so a
// browser tab and the orchestrator observe the identical stream.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"caravel/internal/events"

	"github.com/gorilla/websocket"
)

// ConsumerGroup is the hub's consumer group on the event bus.
const ConsumerGroup = "realtime"

// StatusUpdate is the frame pushed to subscribers.
type StatusUpdate struct {
	OrderID    string    `json:"order_id"`
	State      string    `json:"state"`
	Seq        int64     `json:"seq"`
	OccurredAt time.Time `json:"occurred_at"`
}

type registration struct {
	conn    *websocket.Conn
	orderID string
}

// Hub fans status updates out to connected WebSocket clients. A client may
// subscribe to a single order id or, with no filter, to all of them.
type Hub struct {
	mu         sync.Mutex
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	updates    chan StatusUpdate
	upgrader   websocket.Upgrader
	logf       func(format string, args ...any)
}

// NewHub constructs a Hub.
func NewHub(logf func(format string, args ...any)) *Hub {
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		updates:    make(chan StatusUpdate, 64),
		logf:       logf,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = reg.orderID
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		case update := <-h.updates:
			h.broadcast(update)
		}
	}
}

func (h *Hub) broadcast(update StatusUpdate) {
	frame, err := json.Marshal(update)
	if err != nil {
		h.logf("realtime: encode update: %v", err)
		return
	}

	h.mu.Lock()
	for conn, filter := range h.clients {
		if filter != "" && filter != update.OrderID {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	h.mu.Unlock()
}

// HandleEvent adapts bus deliveries into status frames. It never fails:
// realtime push is best effort and must not hold the consumer group back.
func (h *Hub) HandleEvent(_ context.Context, evt events.Envelope) error {
	update := StatusUpdate{
		OrderID:    evt.OrderID,
		State:      evt.State,
		Seq:        evt.Seq,
		OccurredAt: evt.OccurredAt,
	}
	select {
	case h.updates <- update:
	default:
		h.logf("realtime: dropping update for order %s, hub backlogged", evt.OrderID)
	}
	return nil
}

// ServeWS upgrades the request and registers the connection. The order_id
// query parameter restricts the subscription to one order.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("realtime: upgrade: %v", err)
		return
	}

	h.register <- registration{conn: conn, orderID: r.URL.Query().Get("order_id")}

	// Read pump: the protocol is push-only, but reading surfaces closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
