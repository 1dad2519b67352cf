package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goahttp "goa.design/goa/v3/http"

	"birdwatch/internal/auth"
	"birdwatch/internal/database"
	"birdwatch/internal/detection"
	"birdwatch/internal/observation"
)

type stubClassifier struct{ result *detection.Result }

func (c *stubClassifier) Name() string                   { return "stub" }
func (c *stubClassifier) IsHealthy(context.Context) bool { return true }
func (c *stubClassifier) DetectAndClassify(context.Context, string) (*detection.Result, error) {
	return c.result, nil
}

type stubRelay struct {
	url         string
	reconnected int
}

func (r *stubRelay) URL() string     { return r.url }
func (r *stubRelay) SetURL(u string) { r.url = u }
func (r *stubRelay) Reconnect()      { r.reconnected++ }

type fixture struct {
	db         *database.Database
	classifier *stubClassifier
	service    *observation.Service
	relay      *stubRelay
	mux        goahttp.Muxer
}

func newFixture(t *testing.T, authCfg auth.Config) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	a, err := auth.NewAuthenticator(authCfg)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{db: db, classifier: &stubClassifier{}, relay: &stubRelay{url: "http://cam.local/stream"}}
	f.service = observation.NewService(db, f.classifier, nil, observation.Config{MediaDir: t.TempDir()})
	f.mux = goahttp.NewMuxer()
	NewServer(db, f.service, a, f.relay, Config{}).Mount(f.mux)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("device", "feeder-1")
	fw, err := mw.CreateFormFile(field, "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func seed(t *testing.T, db *database.Database) {
	t.Helper()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	conf := 0.9
	for i, species := range []string{"robin", "crow", "robin"} {
		rec := &database.ObservationRecord{
			ID:         species + string(rune('a'+i)),
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
			Species:    species,
			Confidence: &conf,
			FrameImage: []byte{0xFF, 0xD8, 0xFF, 0xD9},
		}
		if err := db.CreateObservation(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUploadCreatesObservation(t *testing.T) {
	f := newFixture(t, auth.Config{})
	f.classifier.result = &detection.Result{Species: "Robin", Confidence: 0.93, Frame: jpegFrame(t)}

	rec := f.do(uploadRequest(t, "video_file", []byte("mp4-bytes")))
	f.service.Wait()
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp UploadResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Observation == nil || resp.Observation.Species != "robin" || resp.Observation.ThumbnailURL == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	thumb := f.do(httptest.NewRequest(http.MethodGet, resp.Observation.ThumbnailURL, nil))
	if thumb.Code != http.StatusOK || thumb.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("thumbnail status %d type %q", thumb.Code, thumb.Header().Get("Content-Type"))
	}
}

func TestUploadNoBird(t *testing.T) {
	f := newFixture(t, auth.Config{})

	rec := f.do(uploadRequest(t, "video_file", []byte("mp4-bytes")))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "no bird detected") {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, auth.Config{})

	if rec := f.do(uploadRequest(t, "other", []byte("x"))); rec.Code != http.StatusBadRequest {
		t.Errorf("missing field: status %d", rec.Code)
	}
	if rec := f.do(uploadRequest(t, "video_file", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("empty file: status %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("raw"))
	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("non-multipart: status %d", rec.Code)
	}
}

func TestListAndGetObservations(t *testing.T) {
	f := newFixture(t, auth.Config{})
	seed(t, f.db)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/observations?species=robin&limit=1", nil))
	var list ListResponse
	json.NewDecoder(rec.Body).Decode(&list)
	if rec.Code != http.StatusOK || list.Count != 1 || list.Observations[0].ID != "robinc" {
		t.Fatalf("status %d, list %+v", rec.Code, list)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/observations?limit=zero", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/observations/crowb", nil))
	var obs ObservationResponse
	json.NewDecoder(rec.Body).Decode(&obs)
	if rec.Code != http.StatusOK || obs.Species != "crow" || obs.FrameURL != "/api/observations/crowb/frame" {
		t.Errorf("status %d, observation %+v", rec.Code, obs)
	}

	frame := f.do(httptest.NewRequest(http.MethodGet, "/api/observations/crowb/frame", nil))
	if frame.Code != http.StatusOK || !bytes.Equal(frame.Body.Bytes(), []byte{0xFF, 0xD8, 0xFF, 0xD9}) {
		t.Errorf("frame: status %d, body % x", frame.Code, frame.Body.Bytes())
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/observations/missing", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/observations/crowb/thumbnail", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("absent thumbnail: status %d", rec.Code)
	}
}

func TestGallery(t *testing.T) {
	f := newFixture(t, auth.Config{})
	seed(t, f.db)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/gallery?per=1&page=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var page struct {
		Groups     []GalleryGroup `json:"groups"`
		Total      int            `json:"total"`
		TotalPages int            `json:"total_pages"`
		HasPrev    bool           `json:"has_prev"`
	}
	json.NewDecoder(rec.Body).Decode(&page)
	if page.Total != 3 || page.TotalPages != 2 || !page.HasPrev {
		t.Errorf("unexpected page %+v", page)
	}
	if len(page.Groups) != 1 || page.Groups[0].Species != "robin" || page.Groups[0].Count != 2 {
		t.Fatalf("groups = %+v", page.Groups)
	}
	if page.Groups[0].RepresentativeURL != "/api/observations/robinc/frame" {
		t.Errorf("representative = %q", page.Groups[0].RepresentativeURL)
	}
}

func TestDeleteRequiresTokenWhenEnabled(t *testing.T) {
	f := newFixture(t, auth.Config{Enabled: true, Password: "pw", JWTSecret: "k"})
	seed(t, f.db)

	if rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/observations/crowb", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous delete: status %d", rec.Code)
	}

	login := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"admin","password":"pw"}`)))
	var tok LoginResponse
	json.NewDecoder(login.Body).Decode(&tok)
	if login.Code != http.StatusOK || tok.Token == "" {
		t.Fatalf("login status %d", login.Code)
	}

	del := func(id string) int {
		req := httptest.NewRequest(http.MethodDelete, "/api/observations/"+id, nil)
		req.Header.Set("Authorization", "Bearer "+tok.Token)
		return f.do(req).Code
	}
	if code := del("crowb"); code != http.StatusNoContent {
		t.Errorf("delete: status %d", code)
	}
	if code := del("crowb"); code != http.StatusNotFound {
		t.Errorf("second delete: status %d", code)
	}
}

func TestDeleteRemovesVideo(t *testing.T) {
	f := newFixture(t, auth.Config{})
	video := filepath.Join(t.TempDir(), "clip.mp4")
	os.WriteFile(video, []byte("v"), 0o644)
	f.db.CreateObservation(context.Background(), &database.ObservationRecord{ID: "v1", CreatedAt: time.Now(), Species: "crow", VideoPath: video})

	if rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/observations/v1", nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("status %d", rec.Code)
	}
	if _, err := os.Stat(video); !os.IsNotExist(err) {
		t.Errorf("video still present: %v", err)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, auth.Config{})
	if rec := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))); rec.Code != http.StatusNotFound {
		t.Errorf("disabled auth: status %d", rec.Code)
	}

	f = newFixture(t, auth.Config{Enabled: true, Password: "pw"})
	if rec := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"admin","password":"no"}`))); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`not json`))); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, auth.Config{})
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Errorf("readyz: %d", rec.Code)
	}

	f.db.Close()
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with closed db: %d", rec.Code)
	}
}

func TestSetUpstream(t *testing.T) {
	f := newFixture(t, auth.Config{})

	req := httptest.NewRequest(http.MethodPut, "/api/stream/relay/upstream", strings.NewReader(`{"url":"http://10.0.0.7:81/stream"}`))
	if rec := f.do(req); rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body)
	}
	if f.relay.url != "http://10.0.0.7:81/stream" || f.relay.reconnected != 1 {
		t.Errorf("relay = %+v", f.relay)
	}
	stored, _ := f.db.GetConfig(context.Background(), RelayURLKey)
	if stored != "http://10.0.0.7:81/stream" {
		t.Errorf("persisted %q", stored)
	}

	bad := httptest.NewRequest(http.MethodPut, "/api/stream/relay/upstream", strings.NewReader(`{"url":"ftp://x"}`))
	if rec := f.do(bad); rec.Code != http.StatusBadRequest {
		t.Errorf("ftp url: status %d", rec.Code)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/stream/relay/upstream", nil))
	if !strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Errorf("get upstream = %s", rec.Body)
	}
}
