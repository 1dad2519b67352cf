// Package observation turns uploaded feeder videos into stored observations.
package observation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"birdwatch/internal/database"
	"birdwatch/internal/detection"
	"birdwatch/internal/imaging"
	"birdwatch/internal/stream"
)

// ErrEmptyUpload is returned for an upload without content.
var ErrEmptyUpload = errors.New("empty upload")

// Event describes a newly stored observation.
type Event struct {
	ID         string    `json:"id"`
	Species    string    `json:"species"`
	Confidence *float64  `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	VideoPath  string    `json:"-"`
	Frame      []byte    `json:"-"`
	Thumbnail  []byte    `json:"-"`
}

// Store persists observations.
type Store interface {
	CreateObservation(ctx context.Context, obs *database.ObservationRecord) error
}

// Config configures the upload pipeline.
type Config struct {
	MediaDir       string
	ThumbnailWidth int
	// NotifyTimeout bounds the delivery of one event to all notifiers.
	NotifyTimeout time.Duration
}

// Service stores uploaded videos, classifies them and records detections.
type Service struct {
	store      Store
	classifier detection.Classifier
	notifier   Notifier
	cfg        Config
	now        func() time.Time

	wg sync.WaitGroup
}

// NewService creates the pipeline. notifier may be nil.
func NewService(store Store, classifier detection.Classifier, notifier Notifier, cfg Config) *Service {
	if cfg.ThumbnailWidth <= 0 {
		cfg.ThumbnailWidth = imaging.DefaultWidth
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = Fanout{}
	}
	return &Service{
		store:      store,
		classifier: classifier,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
	}
}

// VideoDir returns the directory uploaded videos are kept in.
func (s *Service) VideoDir() string {
	return filepath.Join(s.cfg.MediaDir, "videos")
}

// ProcessUpload saves the video read from r, classifies it and stores an
// observation when a bird is found. It returns nil, nil when nothing was
// detected; the video is then discarded.
func (s *Service) ProcessUpload(ctx context.Context, filename string, r io.Reader) (*Event, error) {
	id := uuid.NewString()

	path, size, err := s.saveVideo(id, filename, r)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		os.Remove(path)
		return nil, ErrEmptyUpload
	}

	result, err := s.classifier.DetectAndClassify(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	if result == nil {
		os.Remove(path)
		log.Printf("[Observation] No bird in %s (%d bytes)", filename, size)
		return nil, nil
	}

	confidence := result.Confidence
	rec := &database.ObservationRecord{
		ID:         id,
		CreatedAt:  s.now().UTC(),
		Species:    detection.NormalizeSpecies(result.Species),
		Confidence: &confidence,
		VideoPath:  path,
	}

	if stream.IsJPEG(result.Frame) {
		rec.FrameImage = result.Frame
		thumb, err := imaging.Thumbnail(result.Frame, s.cfg.ThumbnailWidth, imaging.Label(rec.Species, rec.Confidence))
		if err != nil {
			log.Printf("[Observation] Thumbnail for %s failed: %v", id, err)
		} else {
			rec.Thumbnail = thumb
		}
	} else if len(result.Frame) > 0 {
		log.Printf("[Observation] Classifier frame for %s is not a JPEG, dropping it", id)
	}

	if err := s.store.CreateObservation(ctx, rec); err != nil {
		os.Remove(path)
		return nil, err
	}

	ev := &Event{
		ID:         rec.ID,
		Species:    rec.Species,
		Confidence: rec.Confidence,
		CreatedAt:  rec.CreatedAt,
		VideoPath:  rec.VideoPath,
		Frame:      rec.FrameImage,
		Thumbnail:  rec.Thumbnail,
	}
	log.Printf("[Observation] %s: %s (%.0f%%)", ev.ID, ev.Species, confidence*100)

	s.notify(ctx, ev)
	return ev, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (s *Service) saveVideo(id, filename string, r io.Reader) (string, int64, error) {
	dir := s.VideoDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create video directory: %w", err)
	}

	name := unsafeChars.ReplaceAllString(filepath.Base(filename), "_")
	if name == "" || name == "." || name == "_" {
		name = "upload.bin"
	}
	path := filepath.Join(dir, id+"_"+name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create video file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to store video: %w", err)
	}
	return path, n, nil
}

// notify delivers ev in the background so slow notifiers never delay the
// upload response.
func (s *Service) notify(ctx context.Context, ev *Event) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyObservation(ctx, ev); err != nil {
			log.Printf("[Observation] Notification for %s failed: %v", ev.ID, err)
		}
	}()
}

// Wait blocks until every pending notification was delivered.
func (s *Service) Wait() {
	s.wg.Wait()
}
