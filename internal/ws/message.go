package ws

import (
	"time"

	"birdwatch/internal/observation"
)

// ObservationMessage announces a new observation to gallery clients.
type ObservationMessage struct {
	Type         string    `json:"type"` // "observation"
	ID           string    `json:"id"`
	Species      string    `json:"species"`
	Confidence   *float64  `json:"confidence,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FrameURL     string    `json:"frame_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

// NewObservationMessage builds the message for ev.
func NewObservationMessage(ev *observation.Event) *ObservationMessage {
	msg := &ObservationMessage{
		Type:       "observation",
		ID:         ev.ID,
		Species:    ev.Species,
		Confidence: ev.Confidence,
		CreatedAt:  ev.CreatedAt,
	}
	if len(ev.Frame) > 0 {
		msg.FrameURL = "/api/observations/" + ev.ID + "/frame"
	}
	if len(ev.Thumbnail) > 0 {
		msg.ThumbnailURL = "/api/observations/" + ev.ID + "/thumbnail"
	}
	return msg
}
