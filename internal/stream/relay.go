package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 5 * time.Second
	DefaultReconnectDelay = 2 * time.Second
)

// RelayState is the lifecycle state of the upstream relay.
type RelayState int32

const (
	StateStopped RelayState = iota
	StateConnecting
	StateStreaming
)

func (s RelayState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "stopped"
	}
}

// RelayConfig configures the upstream connection.
type RelayConfig struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	MaxPartSize    int
}

func (c *RelayConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxPartSize <= 0 {
		c.MaxPartSize = defaultMaxBufferSize
	}
}

// RelayStats is a snapshot of relay counters.
type RelayStats struct {
	State       string    `json:"state"`
	URL         string    `json:"url"`
	Connects    uint64    `json:"connects"`
	Failures    uint64    `json:"failures"`
	Frames      uint64    `json:"frames"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Relay reads the upstream camera's MJPEG stream and publishes every frame to
// a Broadcaster, reconnecting after a fixed delay whenever the connection
// fails. Only one run loop may be active at a time.
type Relay struct {
	cfg         RelayConfig
	client      *http.Client
	broadcaster *Broadcaster
	buffer      *FrameBuffer

	mu         sync.Mutex
	url        string
	cancel     context.CancelFunc
	done       chan struct{}
	connCancel context.CancelFunc
	redial     atomic.Bool
	// redialCh cuts a pending reconnect delay short.
	redialCh chan struct{}

	state    atomic.Int32
	connects atomic.Uint64
	failures atomic.Uint64
	frames   atomic.Uint64
	seq      atomic.Uint64

	errMu       sync.RWMutex
	lastErr     error
	lastErrorAt time.Time
}

// NewRelay creates a stopped relay. buffer may be nil; when set every relayed
// frame is also stored there for snapshots and rate estimation.
func NewRelay(cfg RelayConfig, broadcaster *Broadcaster, buffer *FrameBuffer) *Relay {
	cfg.applyDefaults()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		MaxIdleConns:          1,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Relay{
		cfg:         cfg,
		url:         cfg.URL,
		client:      &http.Client{Transport: transport},
		broadcaster: broadcaster,
		buffer:      buffer,
		redialCh:    make(chan struct{}, 1),
	}
}

// URL returns the current upstream URL.
func (r *Relay) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// SetURL changes the upstream URL. A running relay picks it up on its next
// connection attempt.
func (r *Relay) SetURL(url string) {
	r.mu.Lock()
	r.url = url
	r.mu.Unlock()
}

// Reconnect makes the run loop dial again at once, typically after SetURL.
// It drops the current connection, or skips the rest of a reconnect delay.
func (r *Relay) Reconnect() {
	r.mu.Lock()
	cancel := r.connCancel
	r.mu.Unlock()
	if cancel != nil {
		r.redial.Store(true)
		cancel()
		return
	}
	select {
	case r.redialCh <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() RelayState {
	return RelayState(r.state.Load())
}

func (r *Relay) setState(s RelayState) {
	r.state.Store(int32(s))
}

// Running reports whether the run loop is active.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Start launches the run loop. It returns ErrRelayRunning if the relay is
// already running. The loop ends when ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return ErrRelayRunning
	}

	select {
	case <-r.redialCh:
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		r.run(ctx)

		r.mu.Lock()
		if r.done == done {
			r.done = nil
			r.cancel = nil
		}
		r.mu.Unlock()
		cancel()
	}()
	return nil
}

// Stop cancels the run loop and waits for it to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the run loop exits.
func (r *Relay) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Relay) run(ctx context.Context) {
	defer r.setState(StateStopped)

	log.Printf("[Relay] Starting upstream relay for %s", r.URL())
	for {
		r.setState(StateConnecting)
		err := r.stream(ctx)
		if ctx.Err() != nil {
			log.Printf("[Relay] Stopped")
			return
		}
		if r.redial.Swap(false) {
			log.Printf("[Relay] Reconnecting to %s", r.URL())
			continue
		}

		r.failures.Add(1)
		r.recordError(err)
		log.Printf("[Relay] Upstream %s failed: %v (retrying in %s)", r.URL(), err, r.cfg.ReconnectDelay)

		timer := time.NewTimer(r.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("[Relay] Stopped")
			return
		case <-r.redialCh:
			timer.Stop()
			log.Printf("[Relay] Reconnecting to %s", r.URL())
		case <-timer.C:
		}
	}
}

// stream holds one upstream connection until it fails.
func (r *Relay) stream(ctx context.Context) error {
	url := r.URL()
	if url == "" {
		return &TransportError{Op: "connect", Err: errors.New("no upstream URL configured")}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.connCancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.connCancel = nil
		r.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "build request", Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "connect", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	boundary, err := BoundaryFromContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	r.setState(StateStreaming)
	r.connects.Add(1)
	log.Printf("[Relay] Connected to %s (boundary %q)", url, boundary)

	body := newIdleReader(resp.Body, r.cfg.ReadTimeout, cancel)
	defer body.stop()

	parser := NewParser(body, boundary, WithMaxBufferSize(r.cfg.MaxPartSize))
	for {
		data, err := parser.Next()
		if err != nil {
			if body.expired() {
				return &TransportError{Op: "read", Err: fmt.Errorf("no data for %s", r.cfg.ReadTimeout)}
			}
			if errors.Is(err, io.EOF) {
				return &TransportError{Op: "read", Err: ErrUpstreamClosed}
			}
			return err
		}

		frame := NewFrame(data, r.seq.Add(1), time.Now())
		r.frames.Add(1)
		if r.buffer != nil {
			r.buffer.Store(frame)
		}
		r.broadcaster.Publish(frame)
	}
}

func (r *Relay) recordError(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.lastErr = err
	r.lastErrorAt = time.Now()
}

// Stats returns the relay counters and its last connection error.
func (r *Relay) Stats() RelayStats {
	stats := RelayStats{
		State:    r.State().String(),
		URL:      r.URL(),
		Connects: r.connects.Load(),
		Failures: r.failures.Load(),
		Frames:   r.frames.Load(),
	}

	r.errMu.RLock()
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
		stats.LastErrorAt = r.lastErrorAt
	}
	r.errMu.RUnlock()
	return stats
}

// idleReader cancels the connection when no read completes within timeout.
type idleReader struct {
	r        io.Reader
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.timedOut.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) expired() bool {
	return ir.timedOut.Load()
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}
