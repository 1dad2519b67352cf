package observation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"strings"
	"sync"
	"testing"

	"birdwatch/internal/database"
	"birdwatch/internal/detection"
)

type memStore struct {
	mu      sync.Mutex
	records []*database.ObservationRecord
	err     error
}

func (m *memStore) CreateObservation(_ context.Context, obs *database.ObservationRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.records = append(m.records, obs)
	m.mu.Unlock()
	return nil
}

type fakeClassifier struct {
	result *detection.Result
	err    error
	seen   []byte
}

func (f *fakeClassifier) Name() string                   { return "fake" }
func (f *fakeClassifier) IsHealthy(context.Context) bool { return true }

func (f *fakeClassifier) DetectAndClassify(_ context.Context, path string) (*detection.Result, error) {
	f.seen, _ = os.ReadFile(path)
	return f.result, f.err
}

func frameJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 640, 360)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestProcessUploadStoresObservation(t *testing.T) {
	store := &memStore{}
	classifier := &fakeClassifier{result: &detection.Result{Species: "Blue Jay", Confidence: 0.8, Frame: frameJPEG(t)}}

	var mu sync.Mutex
	var notified []*Event
	notifier := NotifierFunc(func(_ context.Context, ev *Event) error {
		mu.Lock()
		notified = append(notified, ev)
		mu.Unlock()
		return nil
	})

	svc := NewService(store, classifier, notifier, Config{MediaDir: t.TempDir(), ThumbnailWidth: 160})
	ev, err := svc.ProcessUpload(context.Background(), "../../clip 01.mp4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	svc.Wait()

	if ev == nil || ev.Species != "blue_jay" || *ev.Confidence != 0.8 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if string(classifier.seen) != "video-bytes" {
		t.Errorf("classifier saw %q", classifier.seen)
	}
	if len(store.records) != 1 {
		t.Fatalf("stored %d records", len(store.records))
	}
	rec := store.records[0]
	if rec.FrameImage == nil || rec.Thumbnail == nil {
		t.Error("frame or thumbnail missing")
	}
	if !strings.HasPrefix(rec.VideoPath, svc.VideoDir()) || strings.Contains(rec.VideoPath, "..") {
		t.Errorf("video stored at %q", rec.VideoPath)
	}
	if _, err := os.Stat(rec.VideoPath); err != nil {
		t.Errorf("video not kept: %v", err)
	}
	if len(notified) != 1 || notified[0].ID != ev.ID {
		t.Errorf("notifier received %v", notified)
	}
}

func TestProcessUploadNoBird(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, &fakeClassifier{}, nil, Config{MediaDir: t.TempDir()})

	ev, err := svc.ProcessUpload(context.Background(), "empty.mp4", strings.NewReader("video"))
	if ev != nil || err != nil {
		t.Fatalf("got %+v, %v; want nil, nil", ev, err)
	}
	entries, _ := os.ReadDir(svc.VideoDir())
	if len(entries) != 0 {
		t.Errorf("%d videos left behind", len(entries))
	}
	if len(store.records) != 0 {
		t.Error("observation stored without detection")
	}
}

func TestProcessUploadErrors(t *testing.T) {
	boom := errors.New("model crashed")
	svc := NewService(&memStore{}, &fakeClassifier{err: boom}, nil, Config{MediaDir: t.TempDir()})
	if _, err := svc.ProcessUpload(context.Background(), "a.mp4", strings.NewReader("v")); !errors.Is(err, boom) {
		t.Errorf("classifier error = %v", err)
	}
	if _, err := svc.ProcessUpload(context.Background(), "a.mp4", strings.NewReader("")); !errors.Is(err, ErrEmptyUpload) {
		t.Errorf("empty upload error = %v", err)
	}
}

func TestProcessUploadDropsNonJPEGFrame(t *testing.T) {
	store := &memStore{}
	classifier := &fakeClassifier{result: &detection.Result{Species: "crow", Confidence: 0.6, Frame: []byte("png?")}}
	svc := NewService(store, classifier, nil, Config{MediaDir: t.TempDir()})

	if _, err := svc.ProcessUpload(context.Background(), "a.mp4", strings.NewReader("v")); err != nil {
		t.Fatal(err)
	}
	if rec := store.records[0]; rec.FrameImage != nil || rec.Thumbnail != nil {
		t.Error("non-JPEG frame was stored")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var calls int
	ok := NotifierFunc(func(context.Context, *Event) error { calls++; return nil })
	bad := NotifierFunc(func(context.Context, *Event) error { calls++; return errors.New("offline") })

	err := Fanout{bad, nil, ok}.NotifyObservation(context.Background(), &Event{ID: "x"})
	if err == nil || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
