// Package streamhub broadcasts StreamBody lifecycle events to connected
// websocket observers, the Go-native analog of spec.md §9's note that an
// operator watching a session "stream live" needs something richer than
// a final access-log line.
//
// Hub shape (register/unregister/broadcast channels drained by one Run
// goroutine, guarded by a client-set mutex) is grounded directly on
// internal/websocket/dag_streamer.go's DAGStreamer.
package streamhub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one lifecycle notification for a request's StreamBody phase.
type Event struct {
	Type      string                 `json:"type"` // "fetch_begin", "first_byte", "chunk", "fetch_done", "deliver_done", "error"
	XID       uint64                 `json:"xid"`
	Director  string                 `json:"director"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Hub manages websocket subscribers watching StreamBody progress.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

func New() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drains the hub's channels until stop is closed. Call it once in its
// own goroutine before ServeHTTP starts accepting subscribers.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if err := client.WriteJSON(ev); err != nil {
					slog.Debug("streamhub: write failed, dropping client", "error", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client disconnects or sends anything (this hub is publish-only).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("streamhub: upgrade failed", "error", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish enqueues an event for broadcast, dropping it if the queue is
// saturated rather than blocking a worker mid-fetch.
func (h *Hub) Publish(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case h.broadcast <- ev:
	default:
		slog.Debug("streamhub: broadcast queue full, dropping event", "type", ev.Type, "xid", ev.XID)
	}
}

func (h *Hub) FetchBegin(xid uint64, director string) {
	h.Publish(Event{Type: "fetch_begin", XID: xid, Director: director})
}

func (h *Hub) FirstByte(xid uint64, director string, status int) {
	h.Publish(Event{Type: "first_byte", XID: xid, Director: director, Data: map[string]interface{}{"status": status}})
}

func (h *Hub) Chunk(xid uint64, director string, bytes int) {
	h.Publish(Event{Type: "chunk", XID: xid, Director: director, Data: map[string]interface{}{"bytes": bytes}})
}

func (h *Hub) FetchDone(xid uint64, director string, totalBytes int64) {
	h.Publish(Event{Type: "fetch_done", XID: xid, Director: director, Data: map[string]interface{}{"total_bytes": totalBytes}})
}

func (h *Hub) DeliverDone(xid uint64) {
	h.Publish(Event{Type: "deliver_done", XID: xid})
}

func (h *Hub) Error(xid uint64, reason string) {
	h.Publish(Event{Type: "error", XID: xid, Data: map[string]interface{}{"reason": reason}})
}

// Stats reports subscriber and queue depth for the admin surface.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"broadcast_queue":   len(h.broadcast),
	}
}
