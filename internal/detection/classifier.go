package detection

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// SpeciesLabels lists the species the classifier models are trained on.
var SpeciesLabels = []string{
	"cardinal",
	"sparrow",
	"blue_jay",
	"goldfinch",
	"chickadee",
	"hummingbird",
	"woodpecker",
	"crow",
	"robin",
	"unknown",
}

// Unknown is the label used when a bird is detected but not recognized.
const Unknown = "unknown"

// Result is a detection of a bird in a video.
type Result struct {
	Species    string
	Confidence float64
	// Frame is the JPEG of the best-scoring frame, if the backend returned one.
	Frame []byte
}

// Classifier finds and classifies a bird in a recorded video. A nil result
// with a nil error means no bird was detected.
type Classifier interface {
	DetectAndClassify(ctx context.Context, videoPath string) (*Result, error)
	IsHealthy(ctx context.Context) bool
	Name() string
}

// NormalizeSpecies maps a backend label onto SpeciesLabels. Unrecognized
// labels become Unknown.
func NormalizeSpecies(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.ReplaceAll(l, " ", "_")
	l = strings.ReplaceAll(l, "-", "_")
	for _, s := range SpeciesLabels {
		if s == l {
			return s
		}
	}
	return Unknown
}

// Config selects and configures a Classifier.
type Config struct {
	// Kind is "http", "grpc" or "none".
	Kind     string
	Endpoint string
	Timeout  time.Duration
}

// New returns the classifier selected by cfg.Kind.
func New(cfg Config) (Classifier, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPClassifier(HTTPConfig{Endpoint: cfg.Endpoint, Timeout: cfg.Timeout}), nil
	case "grpc":
		c, err := NewGRPCClassifier(GRPCConfig{Endpoint: cfg.Endpoint, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "", "none":
		return NopClassifier{}, nil
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", cfg.Kind)
	}
}

// NopClassifier reports every video that contains a JPEG frame as an unknown
// bird at confidence 0.5. It stands in when no model service is deployed.
type NopClassifier struct{}

func (NopClassifier) Name() string { return "none" }

func (NopClassifier) IsHealthy(context.Context) bool { return true }

func (NopClassifier) DetectAndClassify(ctx context.Context, videoPath string) (*Result, error) {
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read video: %w", err)
	}
	frame := firstJPEG(data)
	if frame == nil {
		return nil, nil
	}
	return &Result{Species: Unknown, Confidence: 0.5, Frame: frame}, nil
}

// firstJPEG returns a copy of the first complete JPEG embedded in data, as
// found in MJPEG AVI recordings.
func firstJPEG(data []byte) []byte {
	start := bytes.Index(data, []byte{0xFF, 0xD8, 0xFF})
	if start < 0 {
		return nil
	}
	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		return nil
	}
	end += start + 4
	return bytes.Clone(data[start:end])
}
