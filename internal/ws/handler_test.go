package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	goahttp "goa.design/goa/v3/http"

	"birdwatch/internal/observation"
	"birdwatch/internal/stream"
)

func newServer(t *testing.T, hub *Hub, b *stream.Broadcaster) *httptest.Server {
	t.Helper()
	mux := goahttp.NewMuxer()
	NewHandler(hub, b, stream.SessionConfig{QueueCapacity: 4, FrameTimeout: 2 * time.Second}).Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObservationFeed(t *testing.T) {
	hub := NewHub()
	srv := newServer(t, hub, nil)
	conn := dial(t, srv, "/ws/observations")
	waitUntil(t, "registration", func() bool { return hub.ClientCount() == 1 })

	conf := 0.91
	ev := &observation.Event{ID: "obs-1", Species: "robin", Confidence: &conf, CreatedAt: time.Now(), Frame: []byte{0xFF, 0xD8}}
	if err := hub.NotifyObservation(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var msg ObservationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "observation" || msg.ID != "obs-1" || msg.Species != "robin" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.FrameURL != "/api/observations/obs-1/frame" || msg.ThumbnailURL != "" {
		t.Errorf("urls = %q, %q", msg.FrameURL, msg.ThumbnailURL)
	}

	conn.Close()
	waitUntil(t, "unregistration", func() bool { return hub.ClientCount() == 0 })
}

func TestNotifyWithoutClients(t *testing.T) {
	if err := NewHub().NotifyObservation(context.Background(), &observation.Event{ID: "x"}); err != nil {
		t.Fatal(err)
	}
}

func TestRelayViewerStreamsBinaryFrames(t *testing.T) {
	b := stream.NewBroadcaster(4)
	srv := newServer(t, NewHub(), b)
	conn := dial(t, srv, "/ws/stream/relay")
	waitUntil(t, "viewer registration", func() bool { return b.Len() == 1 })

	frame := stream.NewFrame([]byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}, 1, time.Now())
	b.Publish(frame)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage || !bytes.Equal(data, frame.Data) {
		t.Errorf("got type %d, %x", kind, data)
	}

	conn.Close()
	waitUntil(t, "viewer cleanup", func() bool { return b.Len() == 0 })
}

func TestRelayViewerClosedWithBroadcaster(t *testing.T) {
	b := stream.NewBroadcaster(4)
	srv := newServer(t, NewHub(), b)
	conn := dial(t, srv, "/ws/stream/relay")
	waitUntil(t, "viewer registration", func() bool { return b.Len() == 1 })

	b.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("err = %v, want going-away close", err)
	}
}
