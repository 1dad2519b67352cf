package stream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval  = 150 * time.Millisecond
	DefaultFPSWindow     = 5 * time.Second
	DefaultMaxFrameBytes = 4 << 20
)

// HandlerConfig configures the stream HTTP endpoints.
type HandlerConfig struct {
	PollInterval  time.Duration
	FPSWindow     time.Duration
	MaxFrameBytes int64
	// IngestMaxFPS bounds accepted pushes per second. Zero disables the limit.
	IngestMaxFPS float64
	Session      SessionConfig
}

// Handler serves the push-path, relay-path, snapshot and status endpoints.
type Handler struct {
	push        *FrameBuffer
	relayBuffer *FrameBuffer
	broadcaster *Broadcaster
	relay       *Relay
	limiter     *rate.Limiter
	cfg         HandlerConfig
}

// NewHandler wires the endpoints to their collaborators. relay and
// relayBuffer may be nil when no upstream camera is configured.
func NewHandler(push *FrameBuffer, broadcaster *Broadcaster, relay *Relay, relayBuffer *FrameBuffer, cfg HandlerConfig) *Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FPSWindow <= 0 {
		cfg.FPSWindow = DefaultFPSWindow
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}

	h := &Handler{
		push:        push,
		relayBuffer: relayBuffer,
		broadcaster: broadcaster,
		relay:       relay,
		cfg:         cfg,
	}
	if cfg.IngestMaxFPS > 0 {
		burst := int(cfg.IngestMaxFPS)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.IngestMaxFPS), burst)
	}
	return h
}

// Mount registers the stream routes on mux.
func (h *Handler) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, "/api/stream/frame", h.Ingest)
	mux.Handle(http.MethodGet, "/api/stream/live", h.Live)
	mux.Handle(http.MethodGet, "/api/stream/relay", h.RelayStream)
	mux.Handle(http.MethodGet, "/api/stream/snapshot", h.Snapshot)
	mux.Handle(http.MethodGet, "/api/stream/status", h.Status)
}

// IngestResponse acknowledges a pushed frame.
type IngestResponse struct {
	Status string `json:"status"`
	Bytes  int    `json:"bytes"`
}

// Ingest accepts one JPEG per request, either as the raw body or as the
// "frame" (or "file") field of a multipart form.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "frame pushed too soon")
		return
	}

	data, err := h.readFrame(w, r)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusBadRequest, "validation_error", verr.Reason)
			return
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("frame exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := ValidateJPEG(data); err != nil {
		var verr *ValidationError
		errors.As(err, &verr)
		writeError(w, r, http.StatusBadRequest, "validation_error", verr.Reason)
		return
	}

	h.push.Update(data)
	writeJSON(w, r, http.StatusOK, IngestResponse{Status: "ok", Bytes: len(data)})
}

func (h *Handler) readFrame(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFrameBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(h.cfg.MaxFrameBytes); err != nil {
		return nil, err
	}
	for _, field := range []string{"frame", "file"} {
		file, _, err := r.FormFile(field)
		if err != nil {
			continue
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return nil, &ValidationError{Reason: "multipart form has no frame field", Err: ErrNotJPEG}
}

// Live streams the push-path buffer, emitting whatever frame is latest at
// every poll interval.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	mw := NewMultipartWriter(w, Boundary)
	SetStreamHeaders(w, mw.ContentType())
	clearReadDeadline(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Printf("[Live] Client %s connected", r.RemoteAddr)
	err := h.push.Poll(r.Context(), h.cfg.PollInterval, mw.WriteFrame)
	log.Printf("[Live] Client %s disconnected: %v", r.RemoteAddr, err)
}

// RelayStream streams frames published by the relay, in publish order with
// gaps when the client falls behind.
func (h *Handler) RelayStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	mw := NewMultipartWriter(w, Boundary)
	SetStreamHeaders(w, mw.ContentType())
	clearReadDeadline(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	session := NewViewerSession(h.broadcaster, mw, h.cfg.Session, r.RemoteAddr)
	session.Run(r.Context())
}

// Snapshot returns the latest frame as a single JPEG. ?source=relay selects
// the relay buffer instead of the push buffer.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	buf := h.push
	if r.URL.Query().Get("source") == "relay" {
		buf = h.relayBuffer
	}
	if buf == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no_frame", "No frame available")
		return
	}

	frame, ok := buf.Get()
	if !ok {
		writeError(w, r, http.StatusServiceUnavailable, "no_frame", "No frame available")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(frame.Size()))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame.Data); err != nil {
		log.Printf("[Stream] Failed to write snapshot to %s: %v", r.RemoteAddr, err)
	}
}

// RelayStatus is the relay part of the status response.
type RelayStatus struct {
	RelayStats
	FPS       float64 `json:"fps"`
	Viewers   int     `json:"viewers"`
	Published uint64  `json:"published"`
	Dropped   uint64  `json:"dropped"`
}

// StatusResponse reports stream liveness.
type StatusResponse struct {
	FPS           float64      `json:"fps"`
	WindowSeconds float64      `json:"window_seconds"`
	HasFrame      bool         `json:"has_frame"`
	LastFrameAt   *time.Time   `json:"last_frame_at,omitempty"`
	LastFrameSize int          `json:"last_frame_size,omitempty"`
	Relay         *RelayStatus `json:"relay,omitempty"`
}

// CurrentStatus builds the status snapshot served by Status.
func (h *Handler) CurrentStatus() StatusResponse {
	resp := StatusResponse{
		FPS:           h.push.FPS(h.cfg.FPSWindow),
		WindowSeconds: h.cfg.FPSWindow.Seconds(),
	}
	if frame, ok := h.push.Get(); ok {
		at := frame.ReceivedAt
		resp.HasFrame = true
		resp.LastFrameAt = &at
		resp.LastFrameSize = frame.Size()
	}

	if h.relay != nil {
		bstats := h.broadcaster.Stats()
		rs := &RelayStatus{
			RelayStats: h.relay.Stats(),
			Viewers:    len(bstats.Viewers),
			Published:  bstats.Published,
		}
		for _, v := range bstats.Viewers {
			rs.Dropped += v.Dropped
		}
		if h.relayBuffer != nil {
			rs.FPS = h.relayBuffer.FPS(h.cfg.FPSWindow)
		}
		resp.Relay = rs
	}
	return resp
}

// Status returns the push-path FPS estimate and relay counters.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.CurrentStatus())
}

// clearReadDeadline lifts the server read timeout for a long-lived response.
// Otherwise the connection's background read times out and cancels the
// request context mid-stream.
func clearReadDeadline(w http.ResponseWriter) {
	http.NewResponseController(w).SetReadDeadline(time.Time{})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Printf("[Stream] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, errorBody{Error: code, Message: message})
}
