package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HTTPConfig configures an HTTPClassifier.
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// HTTPClassifier posts videos to a model service speaking JSON over HTTP.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client

	mu          sync.RWMutex
	healthCheck time.Time
}

type httpDetectResponse struct {
	Detected   bool    `json:"detected"`
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
	// Frame is the base64 JPEG of the best frame.
	Frame []byte `json:"frame"`
}

type httpHealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPClassifier creates a classifier for the service at cfg.Endpoint.
func NewHTTPClassifier(cfg HTTPConfig) *HTTPClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPClassifier{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPClassifier) Name() string { return "http" }

// IsHealthy checks the service health endpoint. A healthy answer is cached
// for 30 seconds.
func (c *HTTPClassifier) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	if time.Since(c.healthCheck) < 30*time.Second {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[Classifier] Health check failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	var health httpHealthResponse
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&health) != nil || !health.ModelLoaded {
		return false
	}

	c.mu.Lock()
	c.healthCheck = time.Now()
	c.mu.Unlock()
	return true
}

// DetectAndClassify uploads the video as the "file" field of a multipart
// POST to <endpoint>/detect.
func (c *HTTPClassifier) DetectAndClassify(ctx context.Context, videoPath string) (*Result, error) {
	f, err := os.Open(videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", filepath.Base(videoPath))
		if err == nil {
			_, err = io.Copy(fw, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		c.invalidateHealth()
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out httpDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	if !out.Detected {
		return nil, nil
	}
	return &Result{
		Species:    NormalizeSpecies(out.Species),
		Confidence: out.Confidence,
		Frame:      out.Frame,
	}, nil
}

func (c *HTTPClassifier) invalidateHealth() {
	c.mu.Lock()
	c.healthCheck = time.Time{}
	c.mu.Unlock()
}
