package stream

import (
	"context"
	"sync"
	"time"
)

// DefaultWindowSize is the number of recent frame samples kept for FPS
// estimation when no size is configured.
const DefaultWindowSize = 300

type frameSample struct {
	at   time.Time
	size int
}

// FrameBuffer holds the most recent frame and a fixed-size ring of recent
// arrival samples used to estimate the frame rate.
type FrameBuffer struct {
	mu      sync.RWMutex
	latest  *Frame
	seq     uint64
	samples []frameSample
	head    int // index of the oldest sample
	count   int
	now     func() time.Time
}

// NewFrameBuffer creates a buffer whose rate window holds windowSize samples.
func NewFrameBuffer(windowSize int) *FrameBuffer {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &FrameBuffer{
		samples: make([]frameSample, windowSize),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *FrameBuffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Update stores data as the latest frame and records its arrival.
// The buffer takes ownership of data.
func (b *FrameBuffer) Update(data []byte) *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	frame := NewFrame(data, b.seq, b.now())
	b.store(frame)
	return frame
}

// Store records an already built frame, such as one published by the relay.
// The rate sample is stamped with the frame's arrival time.
func (b *FrameBuffer) Store(frame *Frame) {
	if frame == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if frame.Seq > b.seq {
		b.seq = frame.Seq
	}
	b.store(frame)
}

func (b *FrameBuffer) store(frame *Frame) {
	b.latest = frame

	sample := frameSample{at: frame.ReceivedAt, size: frame.Size()}
	capacity := len(b.samples)
	if b.count < capacity {
		b.samples[(b.head+b.count)%capacity] = sample
		b.count++
		return
	}
	// Full: overwrite the oldest sample.
	b.samples[b.head] = sample
	b.head = (b.head + 1) % capacity
}

// Get returns the latest frame, or false if none was stored yet.
func (b *FrameBuffer) Get() (*Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.latest != nil
}

// FPS estimates frames per second over the trailing window. It returns 0 for
// a non-positive window.
func (b *FrameBuffer) FPS(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := b.now().Add(-window)
	capacity := len(b.samples)
	n := 0
	for i := 0; i < b.count; i++ {
		if !b.samples[(b.head+i)%capacity].at.Before(cutoff) {
			n++
		}
	}
	return float64(n) / window.Seconds()
}

// Window returns the number of samples currently held and the fixed capacity.
func (b *FrameBuffer) Window() (held, capacity int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count, len(b.samples)
}

// Reset clears the latest frame and every rate sample.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = nil
	b.seq = 0
	b.head = 0
	b.count = 0
	for i := range b.samples {
		b.samples[i] = frameSample{}
	}
}

// Poll emits the current latest frame every interval until ctx is done or
// emit fails. The same frame is emitted again when nothing new arrived, and
// frames that came and went between two ticks are never seen. Ticks are
// skipped while the buffer is empty.
func (b *FrameBuffer) Poll(ctx context.Context, interval time.Duration, emit func(*Frame) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if frame, ok := b.Get(); ok {
			if err := emit(frame); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
