package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"birdwatch/internal/observation"
)

const writeWait = 10 * time.Second

// client is one WebSocket connection. gorilla/websocket allows a single
// concurrent writer, so every write goes through mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub manages the WebSocket connections receiving observation events.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[WS] Client registered (total: %d)", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		log.Printf("[WS] Client unregistered")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a text message to every client. Clients that fail are
// dropped.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			log.Printf("[WS] Error sending to client: %v", err)
			h.unregister(c)
			c.conn.Close()
		}
	}
}

// NotifyObservation broadcasts ev to all connected clients.
func (h *Hub) NotifyObservation(_ context.Context, ev *observation.Event) error {
	if h.ClientCount() == 0 {
		return nil
	}
	data, err := json.Marshal(NewObservationMessage(ev))
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}
