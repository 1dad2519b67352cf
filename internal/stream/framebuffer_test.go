package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFrameBufferGetReturnsLastUpdate(t *testing.T) {
	buf := NewFrameBuffer(10)
	if _, ok := buf.Get(); ok {
		t.Fatal("empty buffer returned a frame")
	}

	first := testJPEG(1)
	buf.Update(first)
	got, ok := buf.Get()
	if !ok || !bytes.Equal(got.Data, first) {
		t.Fatalf("Get after first Update returned %v, %v", got, ok)
	}
	// Repeated reads return the same frame until the next update.
	again, _ := buf.Get()
	if again != got {
		t.Error("second Get returned a different frame")
	}

	second := testJPEG(2)
	buf.Update(second)
	got, _ = buf.Get()
	if !bytes.Equal(got.Data, second) {
		t.Error("Get did not return the newest frame")
	}
	if got.Seq != 2 {
		t.Errorf("Seq = %d, want 2", got.Seq)
	}
}

func TestFrameBufferFPS(t *testing.T) {
	clock := newFakeClock()
	buf := NewFrameBuffer(100)
	buf.SetClock(clock.Now)

	if fps := buf.FPS(time.Second); fps != 0 {
		t.Fatalf("FPS with no frames = %v, want 0", fps)
	}

	// Five frames within the last two seconds.
	for i := 0; i < 5; i++ {
		buf.Update(testJPEG(i))
		clock.Advance(300 * time.Millisecond)
	}
	if fps := buf.FPS(2 * time.Second); fps != 2.5 {
		t.Errorf("FPS(2s) = %v, want 2.5", fps)
	}

	clock.Advance(10 * time.Second)
	if fps := buf.FPS(2 * time.Second); fps != 0 {
		t.Errorf("FPS after idle = %v, want 0", fps)
	}

	for _, w := range []time.Duration{0, -time.Second} {
		if fps := buf.FPS(w); fps != 0 {
			t.Errorf("FPS(%v) = %v, want 0", w, fps)
		}
	}
}

func TestFrameBufferWindowIsBounded(t *testing.T) {
	clock := newFakeClock()
	buf := NewFrameBuffer(4)
	buf.SetClock(clock.Now)

	for i := 0; i < 10; i++ {
		buf.Update(testJPEG(i))
	}
	held, capacity := buf.Window()
	if held != 4 || capacity != 4 {
		t.Fatalf("Window() = %d/%d, want 4/4", held, capacity)
	}
	// All retained samples share the current instant.
	if fps := buf.FPS(time.Second); fps != 4 {
		t.Errorf("FPS = %v, want 4 (capped by window size)", fps)
	}
}

func TestFrameBufferOldestSamplesEvicted(t *testing.T) {
	clock := newFakeClock()
	buf := NewFrameBuffer(3)
	buf.SetClock(clock.Now)

	buf.Update(testJPEG(0)) // evicted below
	clock.Advance(5 * time.Second)
	for i := 0; i < 3; i++ {
		buf.Update(testJPEG(i))
	}
	// The window spans the old sample, but it is no longer held.
	if fps := buf.FPS(10 * time.Second); fps != 0.3 {
		t.Errorf("FPS = %v, want 0.3", fps)
	}
}

func TestFrameBufferReset(t *testing.T) {
	buf := NewFrameBuffer(5)
	buf.Update(testJPEG(0))
	buf.Reset()

	if _, ok := buf.Get(); ok {
		t.Error("Get after Reset returned a frame")
	}
	if held, _ := buf.Window(); held != 0 {
		t.Errorf("Window after Reset holds %d samples", held)
	}
}

func TestFrameBufferConcurrentUpdates(t *testing.T) {
	buf := NewFrameBuffer(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Update(testJPEG(g))
				if f, ok := buf.Get(); ok && !IsJPEG(f.Data) {
					t.Error("observed a non-JPEG frame")
				}
				buf.FPS(time.Second)
			}
		}(g)
	}
	wg.Wait()

	if held, capacity := buf.Window(); held != capacity {
		t.Errorf("window holds %d of %d samples", held, capacity)
	}
}

func TestFrameBufferPoll(t *testing.T) {
	buf := NewFrameBuffer(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []uint64
	done := make(chan error, 1)
	go func() {
		done <- buf.Poll(ctx, 5*time.Millisecond, func(f *Frame) error {
			mu.Lock()
			seen = append(seen, f.Seq)
			n := len(seen)
			mu.Unlock()
			if n >= 6 {
				cancel()
			}
			return nil
		})
	}()

	// Nothing is emitted while the buffer is empty.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(seen) != 0 {
		t.Errorf("emitted %d frames before any update", len(seen))
	}
	mu.Unlock()

	buf.Update(testJPEG(1))

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Poll returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, seq := range seen {
		if seq != 1 {
			t.Errorf("emitted seq %d, want repeats of 1", seq)
		}
	}
}

func TestFrameBufferPollStopsOnEmitError(t *testing.T) {
	buf := NewFrameBuffer(10)
	buf.Update(testJPEG(1))

	boom := errors.New("client gone")
	err := buf.Poll(context.Background(), time.Millisecond, func(*Frame) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Poll returned %v, want %v", err, boom)
	}
}

func TestFrameBufferStoreUsesArrivalTime(t *testing.T) {
	clock := newFakeClock()
	buf := NewFrameBuffer(10)
	buf.SetClock(clock.Now)

	// Relayed frames arrive stamped; they are stored a little later.
	old := clock.Now().Add(-3 * time.Second)
	buf.Store(NewFrame(testJPEG(0), 1, old))
	buf.Store(NewFrame(testJPEG(1), 2, old.Add(100*time.Millisecond)))
	if fps := buf.FPS(time.Second); fps != 0 {
		t.Errorf("FPS = %v for frames older than the window, want 0", fps)
	}

	buf.Store(NewFrame(testJPEG(2), 3, clock.Now().Add(-200*time.Millisecond)))
	if fps := buf.FPS(time.Second); fps != 1 {
		t.Errorf("FPS = %v, want 1", fps)
	}
	if latest, _ := buf.Get(); latest.Seq != 3 {
		t.Errorf("latest seq = %d, want 3", latest.Seq)
	}
}
