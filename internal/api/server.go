// Package api serves the observation, gallery, upload and admin endpoints.
package api

import (
	"context"
	"io"
	"log"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"birdwatch/internal/auth"
	"birdwatch/internal/database"
	"birdwatch/internal/middleware"
	"birdwatch/internal/observation"
)

// RelayURLKey is the app_config key holding the upstream URL override.
const RelayURLKey = "relay.url"

// Store is the persistence the API reads and deletes from.
type Store interface {
	GetObservation(ctx context.Context, id string) (*database.ObservationRecord, error)
	GetObservationFrame(ctx context.Context, id string) ([]byte, error)
	GetObservationThumbnail(ctx context.Context, id string) ([]byte, error)
	ListObservations(ctx context.Context, f database.ObservationFilter) ([]*database.ObservationRecord, error)
	DeleteObservation(ctx context.Context, id string) (bool, error)
	SaveConfig(ctx context.Context, key, value string) error
	Ping(ctx context.Context) error
}

// Uploader turns an uploaded video into an observation.
type Uploader interface {
	ProcessUpload(ctx context.Context, filename string, r io.Reader) (*observation.Event, error)
}

// RelayControl switches the relay upstream at runtime.
type RelayControl interface {
	URL() string
	SetURL(url string)
	Reconnect()
}

// Config tunes the API.
type Config struct {
	MaxUploadBytes int64
}

// Server implements the HTTP handlers.
type Server struct {
	store    Store
	uploader Uploader
	auth     *auth.Authenticator
	relay    RelayControl
	cfg      Config
	mux      goahttp.Muxer
}

// NewServer creates the API. relay may be nil.
func NewServer(store Store, uploader Uploader, authenticator *auth.Authenticator, relay RelayControl, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 200 << 20
	}
	return &Server{
		store:    store,
		uploader: uploader,
		auth:     authenticator,
		relay:    relay,
		cfg:      cfg,
	}
}

// Mount registers every API route. Destructive routes require a JWT when
// authentication is enabled.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mux = mux
	protect := middleware.RequireJWT(s.auth)
	guarded := func(h http.HandlerFunc) http.HandlerFunc {
		return protect(h).ServeHTTP
	}

	mux.Handle("GET", "/healthz", s.Healthz)
	mux.Handle("GET", "/readyz", s.Readyz)

	mux.Handle("POST", "/api/auth/login", s.Login)
	mux.Handle("POST", "/api/upload", s.Upload)

	mux.Handle("GET", "/api/observations", s.ListObservations)
	mux.Handle("GET", "/api/observations/{id}", s.GetObservation)
	mux.Handle("GET", "/api/observations/{id}/frame", s.ObservationFrame)
	mux.Handle("GET", "/api/observations/{id}/thumbnail", s.ObservationThumbnail)
	mux.Handle("DELETE", "/api/observations/{id}", guarded(s.DeleteObservation))

	mux.Handle("GET", "/api/gallery", s.Gallery)

	if s.relay != nil {
		mux.Handle("GET", "/api/stream/relay/upstream", s.GetUpstream)
		mux.Handle("PUT", "/api/stream/relay/upstream", guarded(s.SetUpstream))
	}
}

// pathID returns the {id} path parameter of r.
func (s *Server) pathID(r *http.Request) string {
	return s.mux.Vars(r)["id"]
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, errorBody{Error: code, Message: message})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("[API] %s %s: %v", r.Method, r.URL.Path, err)
	writeError(w, r, http.StatusInternalServerError, "internal_error", "Internal server error")
}
