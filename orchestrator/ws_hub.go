package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftline/crawlplane/orchestrator/observability"
)

const maxWSConnections = 200

// MetricsHub broadcasts the status snapshot to every connected client once
// per second. A single broadcaster avoids one ticker per connection.
type MetricsHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	api        *API
}

func NewMetricsHub(api *API) *MetricsHub {
	return &MetricsHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		api:        api,
	}
}

// Run drives registration and the broadcast ticker until ctx ends.
func (h *MetricsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("ws: connection rejected, cap of %d reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			log.Printf("ws: client registered, total %d", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			log.Printf("ws: client unregistered, total %d", n)

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

// broadcastAll sends one snapshot to every client. Slow or dead connections
// hit the write deadline and are queued for unregistration.
func (h *MetricsHub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	snapshot, err := h.api.statusSnapshot(ctx)
	if err != nil {
		log.Printf("ws: collecting snapshot: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("ws: write: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *MetricsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("ws: shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.WSClients.Set(0)
}

func (h *MetricsHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

func (h *MetricsHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *MetricsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
