package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

var sampleJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 'j', 'p', 'g', 0xFF, 0xD9}

func writeVideo(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNormalizeSpecies(t *testing.T) {
	tests := map[string]string{
		"cardinal":    "cardinal",
		"Blue Jay":    "blue_jay",
		" ROBIN ":     "robin",
		"blue-jay":    "blue_jay",
		"pterodactyl": Unknown,
		"":            Unknown,
	}
	for in, want := range tests {
		if got := NormalizeSpecies(in); got != want {
			t.Errorf("NormalizeSpecies(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNopClassifier(t *testing.T) {
	video := append([]byte("RIFF....AVI LIST"), sampleJPEG...)
	video = append(video, 0xFF, 0xD8, 0xFF, 'x', 0xFF, 0xD9)

	res, err := NopClassifier{}.DetectAndClassify(context.Background(), writeVideo(t, video))
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Species != Unknown || res.Confidence != 0.5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !bytes.Equal(res.Frame, sampleJPEG) {
		t.Errorf("Frame = %x, want the first JPEG", res.Frame)
	}

	res, err = NopClassifier{}.DetectAndClassify(context.Background(), writeVideo(t, []byte("no frames here")))
	if err != nil || res != nil {
		t.Fatalf("video without frames = %+v, %v; want nil, nil", res, err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	for kind, name := range map[string]string{"": "none", "none": "none", "http": "http", "grpc": "grpc"} {
		c, err := New(Config{Kind: kind, Endpoint: "localhost:50051"})
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if c.Name() != name {
			t.Errorf("New(%q).Name() = %q", kind, c.Name())
		}
	}
	if _, err := New(Config{Kind: "onnx"}); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}

func TestHTTPClassifier(t *testing.T) {
	video := []byte("fake video bytes")
	var received []byte

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpHealthResponse{Status: "healthy", ModelLoaded: true})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received, _ = io.ReadAll(file)
		json.NewEncoder(w).Encode(httpDetectResponse{
			Detected:   true,
			Species:    "Blue Jay",
			Confidence: 0.83,
			Frame:      sampleJPEG,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL + "/"})
	if !c.IsHealthy(context.Background()) {
		t.Fatal("classifier reported unhealthy")
	}

	res, err := c.DetectAndClassify(context.Background(), writeVideo(t, video))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received, video) {
		t.Errorf("service received %q", received)
	}
	if res.Species != "blue_jay" || res.Confidence != 0.83 || !bytes.Equal(res.Frame, sampleJPEG) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHTTPClassifierNoBird(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detected":false}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL}).DetectAndClassify(context.Background(), writeVideo(t, []byte("v")))
	if err != nil || res != nil {
		t.Fatalf("got %+v, %v; want nil, nil", res, err)
	}
}

func TestHTTPClassifierServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL})
	if _, err := c.DetectAndClassify(context.Background(), writeVideo(t, []byte("v"))); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if c.IsHealthy(context.Background()) {
		t.Error("classifier reported healthy for a failing service")
	}
}
