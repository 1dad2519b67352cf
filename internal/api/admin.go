package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"birdwatch/internal/auth"
)

// LoginRequest carries admin credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Login exchanges credentials for a JWT.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Invalid JSON body")
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, r, http.StatusNotFound, "auth_disabled", "Authentication is disabled")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid username or password")
	case err != nil:
		internalError(w, r, err)
	default:
		writeJSON(w, r, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

// Healthz reports liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports readiness; the database must answer a ping.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		log.Printf("[API] Readiness check failed: %v", err)
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

// UpstreamRequest sets the relay upstream URL.
type UpstreamRequest struct {
	URL string `json:"url"`
}

// GetUpstream returns the relay upstream URL.
func (s *Server) GetUpstream(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, UpstreamRequest{URL: s.relay.URL()})
}

// SetUpstream switches the relay to a new upstream, persists the choice and
// reconnects at once.
func (s *Server) SetUpstream(w http.ResponseWriter, r *http.Request) {
	var req UpstreamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Invalid JSON body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "url must be an absolute http(s) URL")
		return
	}

	if err := s.store.SaveConfig(r.Context(), RelayURLKey, req.URL); err != nil {
		internalError(w, r, err)
		return
	}
	s.relay.SetURL(req.URL)
	s.relay.Reconnect()
	log.Printf("[API] Relay upstream set to %s", req.URL)

	writeJSON(w, r, http.StatusOK, req)
}
