package api

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"birdwatch/internal/database"
	"birdwatch/internal/gallery"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ObservationResponse is the JSON form of an observation.
type ObservationResponse struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Species      string    `json:"species"`
	Confidence   *float64  `json:"confidence"`
	Video        string    `json:"video,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	FrameURL     string    `json:"frame_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

func newObservationResponse(rec *database.ObservationRecord) ObservationResponse {
	resp := ObservationResponse{
		ID:         rec.ID,
		CreatedAt:  rec.CreatedAt,
		Species:    rec.Species,
		Confidence: rec.Confidence,
		Notes:      rec.Notes,
	}
	if rec.VideoPath != "" {
		resp.Video = filepath.Base(rec.VideoPath)
	}
	if rec.HasFrame {
		resp.FrameURL = "/api/observations/" + rec.ID + "/frame"
	}
	if rec.HasThumbnail {
		resp.ThumbnailURL = "/api/observations/" + rec.ID + "/thumbnail"
	}
	return resp
}

// ListResponse wraps a list of observations.
type ListResponse struct {
	Observations []ObservationResponse `json:"observations"`
	Count        int                   `json:"count"`
}

// ListObservations returns observations newest first, filtered by species,
// q, start, end and limit.
func (s *Server) ListObservations(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	filter := gallery.ParseQuery(params).Filter()

	filter.Limit = defaultListLimit
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	records, err := s.store.ListObservations(r.Context(), filter)
	if err != nil {
		internalError(w, r, err)
		return
	}

	resp := ListResponse{Observations: make([]ObservationResponse, 0, len(records))}
	for _, rec := range records {
		resp.Observations = append(resp.Observations, newObservationResponse(rec))
	}
	resp.Count = len(resp.Observations)
	writeJSON(w, r, http.StatusOK, resp)
}

// GetObservation returns one observation.
func (s *Server) GetObservation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetObservation(r.Context(), s.pathID(r))
	if err != nil {
		internalError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "Observation not found")
		return
	}
	writeJSON(w, r, http.StatusOK, newObservationResponse(rec))
}

// ObservationFrame serves the stored frame JPEG.
func (s *Server) ObservationFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.GetObservationFrame(r.Context(), s.pathID(r))
	s.writeImage(w, r, data, err)
}

// ObservationThumbnail serves the labelled thumbnail JPEG.
func (s *Server) ObservationThumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.GetObservationThumbnail(r.Context(), s.pathID(r))
	s.writeImage(w, r, data, err)
}

func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, data []byte, err error) {
	if err != nil {
		internalError(w, r, err)
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusNotFound, "not_found", "Image not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// DeleteObservation removes an observation and its video.
func (s *Server) DeleteObservation(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(r)

	rec, err := s.store.GetObservation(r.Context(), id)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "Observation not found")
		return
	}

	deleted, err := s.store.DeleteObservation(r.Context(), id)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, http.StatusNotFound, "not_found", "Observation not found")
		return
	}
	if rec.VideoPath != "" {
		if err := os.Remove(rec.VideoPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[API] Failed to remove video %s: %v", rec.VideoPath, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// GalleryGroup is one species in the gallery response.
type GalleryGroup struct {
	Species           string   `json:"species"`
	Count             int      `json:"count"`
	RepresentativeID  string   `json:"representative_id,omitempty"`
	RepresentativeURL string   `json:"representative_url,omitempty"`
	ObservationIDs    []string `json:"observation_ids"`
}

// GalleryResponse is one page of the species gallery.
type GalleryResponse struct {
	gallery.Page
	Groups []GalleryGroup `json:"groups"`
}

// Gallery groups the filtered observations by species and paginates them.
func (s *Server) Gallery(w http.ResponseWriter, r *http.Request) {
	q := gallery.ParseQuery(r.URL.Query())
	records, err := s.store.ListObservations(r.Context(), q.Filter())
	if err != nil {
		internalError(w, r, err)
		return
	}

	page := gallery.Build(records, q)
	resp := GalleryResponse{Page: page, Groups: make([]GalleryGroup, 0, len(page.Groups))}
	for _, g := range page.Groups {
		gg := GalleryGroup{
			Species:          g.Species,
			Count:            g.Count,
			RepresentativeID: g.RepresentativeID,
			ObservationIDs:   make([]string, 0, len(g.Observations)),
		}
		if g.Representative != nil {
			if g.Representative.HasThumbnail {
				gg.RepresentativeURL = "/api/observations/" + g.RepresentativeID + "/thumbnail"
			} else {
				gg.RepresentativeURL = "/api/observations/" + g.RepresentativeID + "/frame"
			}
		}
		for _, rec := range g.Observations {
			gg.ObservationIDs = append(gg.ObservationIDs, rec.ID)
		}
		resp.Groups = append(resp.Groups, gg)
	}
	writeJSON(w, r, http.StatusOK, resp)
}
