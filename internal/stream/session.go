package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

const (
	// Boundary is the multipart boundary used for every downstream stream.
	Boundary = "frame"

	DefaultFrameTimeout = 10 * time.Second
)

// FrameSink delivers frames to one downstream client.
type FrameSink interface {
	WriteFrame(frame *Frame) error
}

// MultipartWriter writes frames as multipart/x-mixed-replace parts:
//
//	--frame\r\n
//	Content-Type: image/jpeg\r\n
//	Content-Length: <n>\r\n
//	\r\n
//	<jpeg>\r\n
type MultipartWriter struct {
	w        io.Writer
	flusher  http.Flusher
	boundary string
	header   []byte
}

// NewMultipartWriter wraps w. If w implements http.Flusher, every part is
// flushed as soon as it is written.
func NewMultipartWriter(w io.Writer, boundary string) *MultipartWriter {
	mw := &MultipartWriter{w: w, boundary: boundary}
	if f, ok := w.(http.Flusher); ok {
		mw.flusher = f
	}
	return mw
}

// ContentType returns the response content type matching the writer's
// boundary.
func (m *MultipartWriter) ContentType() string {
	return "multipart/x-mixed-replace; boundary=" + m.boundary
}

// WriteFrame writes one part and flushes it.
func (m *MultipartWriter) WriteFrame(frame *Frame) error {
	m.header = m.header[:0]
	m.header = append(m.header, "--"...)
	m.header = append(m.header, m.boundary...)
	m.header = append(m.header, "\r\nContent-Type: image/jpeg\r\nContent-Length: "...)
	m.header = strconv.AppendInt(m.header, int64(frame.Size()), 10)
	m.header = append(m.header, "\r\n\r\n"...)

	if _, err := m.w.Write(m.header); err != nil {
		return err
	}
	if _, err := m.w.Write(frame.Data); err != nil {
		return err
	}
	if _, err := io.WriteString(m.w, "\r\n"); err != nil {
		return err
	}
	if m.flusher != nil {
		m.flusher.Flush()
	}
	return nil
}

// SetStreamHeaders prepares w for an unbounded multipart stream that clients
// and proxies must not cache or buffer.
func SetStreamHeaders(w http.ResponseWriter, contentType string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SessionConfig controls a viewer session.
type SessionConfig struct {
	QueueCapacity int
	FrameTimeout  time.Duration
}

// SessionResult summarizes a finished viewer session.
type SessionResult struct {
	ViewerID string
	Sent     uint64
	Dropped  uint64
	Duration time.Duration
	Err      error
}

// ViewerSession ties one client to a broadcaster queue for the lifetime of
// its connection.
type ViewerSession struct {
	broadcaster *Broadcaster
	sink        FrameSink
	cfg         SessionConfig
	label       string
}

// NewViewerSession creates a session writing to sink. label identifies the
// client in logs.
func NewViewerSession(broadcaster *Broadcaster, sink FrameSink, cfg SessionConfig, label string) *ViewerSession {
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	return &ViewerSession{
		broadcaster: broadcaster,
		sink:        sink,
		cfg:         cfg,
		label:       label,
	}
}

// Run registers a queue and forwards frames to the sink until the client
// goes away, no frame arrives within the frame timeout, or the broadcaster
// closes. The queue is always unregistered before Run returns.
func (s *ViewerSession) Run(ctx context.Context) SessionResult {
	start := time.Now()

	q, err := s.broadcaster.Register(s.cfg.QueueCapacity)
	if err != nil {
		return SessionResult{Err: err}
	}
	defer s.broadcaster.Unregister(q)

	log.Printf("[Viewer] %s connected as %s (viewers: %d)", s.label, q.ID(), s.broadcaster.Len())

	var sent uint64
	for {
		frame, err := q.Next(ctx, s.cfg.FrameTimeout)
		if err == nil {
			if werr := s.sink.WriteFrame(frame); werr != nil {
				err = &TransportError{Op: "write frame", Err: werr}
			} else {
				sent++
				continue
			}
		}

		result := SessionResult{
			ViewerID: q.ID(),
			Sent:     sent,
			Dropped:  q.Dropped(),
			Duration: time.Since(start),
			Err:      err,
		}
		log.Printf("[Viewer] %s disconnected: %s", s.label, describeExit(result))
		return result
	}
}

func describeExit(r SessionResult) string {
	reason := "client gone"
	switch {
	case errors.Is(r.Err, ErrViewerTimeout):
		reason = "frame timeout"
	case errors.Is(r.Err, ErrBroadcasterClosed):
		reason = "relay shut down"
	case errors.Is(r.Err, context.Canceled):
		reason = "client gone"
	case r.Err != nil:
		reason = r.Err.Error()
	}
	return fmt.Sprintf("%s after %s (sent %d, dropped %d)", reason, r.Duration.Round(time.Millisecond), r.Sent, r.Dropped)
}
