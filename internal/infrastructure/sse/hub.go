package sse

import (
	"encoding/json"
	"sync"

	"github.com/qahub/qahub/internal/state"
)

const clientBuffer = 64

// Client is one connected event-stream consumer. SessionID "" subscribes to
// every session.
type Client struct {
	ID        string
	SessionID string
	Messages  chan []byte
}

func NewClient(id, sessionID string) *Client {
	return &Client{ID: id, SessionID: sessionID, Messages: make(chan []byte, clientBuffer)}
}

// Hub fans domain events out to connected SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: map[string]*Client{}}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Messages)
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers one domain event to every client watching its session.
// Slow clients drop events rather than blocking the fanout.
func (h *Hub) Broadcast(ev state.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.SessionID != "" && c.SessionID != ev.SessionID {
			continue
		}
		select {
		case c.Messages <- data:
		default:
		}
	}
}

// Run consumes an event channel until it closes, broadcasting each event.
func (h *Hub) Run(events <-chan state.Event) {
	for ev := range events {
		h.Broadcast(ev)
	}
}

// Stop disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Messages)
		delete(h.clients, id)
	}
}
