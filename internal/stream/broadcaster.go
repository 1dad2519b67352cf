package stream

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultQueueCapacity is the per-viewer queue size used when Register is
// called with a non-positive capacity.
const DefaultQueueCapacity = 20

// ViewerQueue is the bounded frame queue of one viewer. The broadcaster only
// holds a registration reference; the owning session reads from it.
type ViewerQueue struct {
	id          string
	frames      chan *Frame
	done        chan struct{}
	closeOnce   sync.Once
	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	connectedAt time.Time
}

func newViewerQueue(capacity int) *ViewerQueue {
	return &ViewerQueue{
		id:          uuid.NewString(),
		frames:      make(chan *Frame, capacity),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// ID returns the viewer identifier assigned at registration.
func (q *ViewerQueue) ID() string { return q.id }

// Len returns the number of frames waiting for delivery.
func (q *ViewerQueue) Len() int { return len(q.frames) }

// Cap returns the queue capacity.
func (q *ViewerQueue) Cap() int { return cap(q.frames) }

// Enqueued returns how many frames were accepted into the queue.
func (q *ViewerQueue) Enqueued() uint64 { return q.enqueued.Load() }

// Dropped returns how many frames were discarded because the queue was full.
func (q *ViewerQueue) Dropped() uint64 { return q.dropped.Load() }

// Done is closed once the queue is unregistered.
func (q *ViewerQueue) Done() <-chan struct{} { return q.done }

// offer performs a non-blocking enqueue. A full queue drops the frame.
func (q *ViewerQueue) offer(frame *Frame) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.frames <- frame:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Next waits up to timeout for the next queued frame. It returns
// ErrViewerTimeout when nothing arrived, ErrBroadcasterClosed once the queue
// was unregistered, or the context error.
func (q *ViewerQueue) Next(ctx context.Context, timeout time.Duration) (*Frame, error) {
	// Frames already queued win over every other signal.
	select {
	case frame := <-q.frames:
		return frame, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-q.frames:
		return frame, nil
	case <-q.done:
		return nil, ErrBroadcasterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrViewerTimeout
	}
}

func (q *ViewerQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// ViewerStats describes one registered viewer.
type ViewerStats struct {
	ID          string    `json:"id"`
	Queued      int       `json:"queued"`
	Capacity    int       `json:"capacity"`
	Enqueued    uint64    `json:"enqueued"`
	Dropped     uint64    `json:"dropped"`
	ConnectedAt time.Time `json:"connected_at"`
}

// BroadcastStats is a snapshot of broadcaster counters.
type BroadcastStats struct {
	Published uint64        `json:"published"`
	Viewers   []ViewerStats `json:"viewers"`
}

// Broadcaster fans published frames out to every registered viewer queue.
// Publish never blocks: a viewer whose queue is full loses the frame and
// nobody else is affected.
type Broadcaster struct {
	mu       sync.Mutex
	queues   map[*ViewerQueue]struct{}
	closed   bool
	capacity int

	published atomic.Uint64
	dropLog   rate.Sometimes
}

// NewBroadcaster creates a broadcaster whose queues default to capacity.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Broadcaster{
		queues:   make(map[*ViewerQueue]struct{}),
		capacity: capacity,
		dropLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Register adds a new viewer queue. A non-positive capacity selects the
// broadcaster default.
func (b *Broadcaster) Register(capacity int) (*ViewerQueue, error) {
	if capacity <= 0 {
		capacity = b.capacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	q := newViewerQueue(capacity)
	b.queues[q] = struct{}{}
	return q, nil
}

// Unregister removes q. It is safe to call more than once and concurrently
// with Publish.
func (b *Broadcaster) Unregister(q *ViewerQueue) {
	if q == nil {
		return
	}
	b.mu.Lock()
	delete(b.queues, q)
	b.mu.Unlock()
	q.close()
}

// Publish offers frame to every viewer registered at the time of the call and
// returns how many accepted it.
func (b *Broadcaster) Publish(frame *Frame) int {
	if frame == nil {
		return 0
	}
	b.published.Add(1)

	queues := b.snapshot()
	accepted := 0
	for _, q := range queues {
		if q.offer(frame) {
			accepted++
		}
	}

	if dropped := len(queues) - accepted; dropped > 0 {
		b.dropLog.Do(func() {
			log.Printf("[Broadcaster] frame %d dropped for %d of %d viewers", frame.Seq, dropped, len(queues))
		})
	}
	return accepted
}

func (b *Broadcaster) snapshot() []*ViewerQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	queues := make([]*ViewerQueue, 0, len(b.queues))
	for q := range b.queues {
		queues = append(queues, q)
	}
	return queues
}

// Len returns the number of registered viewers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Stats returns counters for the broadcaster and each registered viewer.
func (b *Broadcaster) Stats() BroadcastStats {
	queues := b.snapshot()
	stats := BroadcastStats{
		Published: b.published.Load(),
		Viewers:   make([]ViewerStats, 0, len(queues)),
	}
	for _, q := range queues {
		stats.Viewers = append(stats.Viewers, ViewerStats{
			ID:          q.id,
			Queued:      q.Len(),
			Capacity:    q.Cap(),
			Enqueued:    q.Enqueued(),
			Dropped:     q.Dropped(),
			ConnectedAt: q.connectedAt,
		})
	}
	return stats
}

// Close unregisters every viewer and rejects further registrations.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	queues := b.queues
	b.queues = make(map[*ViewerQueue]struct{})
	b.mu.Unlock()

	for q := range queues {
		q.close()
	}
}

// Reset drops all viewers and counters and reopens a closed broadcaster.
func (b *Broadcaster) Reset() {
	b.Close()

	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
	b.published.Store(0)
}
