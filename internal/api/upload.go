package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"birdwatch/internal/observation"
)

const uploadField = "video_file"

// UploadResponse is returned for an upload that produced an observation.
type UploadResponse struct {
	Message     string               `json:"message"`
	Observation *ObservationResponse `json:"observation,omitempty"`
}

// Upload accepts a multipart video in the video_file field, classifies it
// and stores an observation when a bird is found. The part is streamed to
// disk without buffering the whole body.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Expected a multipart/form-data upload")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "validation_error", "No video file provided")
			return
		}
		if err != nil {
			s.uploadError(w, r, err)
			return
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		ev, err := s.uploader.ProcessUpload(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			s.uploadError(w, r, err)
			return
		}
		if ev == nil {
			writeJSON(w, r, http.StatusOK, UploadResponse{Message: "no bird detected"})
			return
		}

		obs := &ObservationResponse{
			ID:         ev.ID,
			CreatedAt:  ev.CreatedAt,
			Species:    ev.Species,
			Confidence: ev.Confidence,
		}
		if len(ev.Frame) > 0 {
			obs.FrameURL = "/api/observations/" + ev.ID + "/frame"
		}
		if len(ev.Thumbnail) > 0 {
			obs.ThumbnailURL = "/api/observations/" + ev.ID + "/thumbnail"
		}
		writeJSON(w, r, http.StatusCreated, UploadResponse{Message: "observation created", Observation: obs})
		return
	}
}

func (s *Server) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit")
	case errors.Is(err, observation.ErrEmptyUpload):
		writeError(w, r, http.StatusBadRequest, "validation_error", "Uploaded file is empty")
	default:
		log.Printf("[API] Upload failed: %v", err)
		writeError(w, r, http.StatusInternalServerError, "upload_failed", "Upload processing failed")
	}
}
