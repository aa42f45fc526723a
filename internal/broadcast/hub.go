package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is the envelope for every message pushed to live dashboards.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub fans detection and occupancy events out to connected websocket
// clients. Slow or broken clients are dropped, never waited on.
type Hub struct {
	upgrader websocket.Upgrader

	writeMx sync.Mutex // gorilla allows one concurrent writer per conn

	mx    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the peer
// goes away. Inbound messages are discarded; the stream is push-only.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	h.mx.Lock()
	h.conns[conn] = struct{}{}
	h.mx.Unlock()

	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish sends one event to every connected client.
func (h *Hub) Publish(ctx context.Context, event string, payload any) {
	raw, err := json.Marshal(Event{Event: event, Payload: payload})
	if err != nil {
		slog.ErrorContext(ctx, "encoding broadcast event", "event", event, "error", err)
		return
	}

	h.mx.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mx.Unlock()

	h.writeMx.Lock()
	defer h.writeMx.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.drop(conn)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mx.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	clear(h.conns)
	h.mx.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mx.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mx.Unlock()
	if ok {
		_ = conn.Close()
	}
}
