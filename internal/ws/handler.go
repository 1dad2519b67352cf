package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	goahttp "goa.design/goa/v3/http"

	"birdwatch/internal/stream"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024, // whole JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the WebSocket endpoints.
type Handler struct {
	hub         *Hub
	broadcaster *stream.Broadcaster
	session     stream.SessionConfig
}

// NewHandler creates a handler. broadcaster may be nil, in which case the
// relay viewer endpoint is not mounted.
func NewHandler(hub *Hub, broadcaster *stream.Broadcaster, session stream.SessionConfig) *Handler {
	return &Handler{hub: hub, broadcaster: broadcaster, session: session}
}

// Mount registers the WebSocket routes.
func (h *Handler) Mount(mux goahttp.Muxer) {
	mux.Handle("GET", "/ws/observations", h.Observations)
	if h.broadcaster != nil {
		mux.Handle("GET", "/ws/stream/relay", h.RelayViewer)
	}
}

// Observations upgrades the connection and subscribes it to observation
// events until the client disconnects.
func (h *Handler) Observations(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	log.Printf("[WS] Observation feed connected from %s", r.RemoteAddr)

	c := &client{conn: conn}
	h.hub.register(c)
	go func() {
		readPump(c, nil)
		h.hub.unregister(c)
		conn.Close()
	}()
}

// RelayViewer streams relayed frames as binary messages, one JPEG per
// message.
func (h *Handler) RelayViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// The request context is not canceled when a hijacked connection drops,
	// so the read pump cancels the session instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{conn: conn}
	go readPump(c, cancel)

	result := stream.NewViewerSession(h.broadcaster, frameSink{c}, h.session, "ws "+r.RemoteAddr).Run(ctx)
	if result.Err != nil && ctx.Err() == nil {
		c.mu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
	}
}

type frameSink struct{ c *client }

func (s frameSink) WriteFrame(frame *stream.Frame) error {
	return s.c.write(websocket.BinaryMessage, frame.Data)
}

// readPump keeps the connection alive with pings and returns once the
// client goes away. Incoming messages are discarded.
func readPump(c *client, onClose context.CancelFunc) {
	if onClose != nil {
		defer onClose()
	}

	conn := c.conn
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
	}
}
