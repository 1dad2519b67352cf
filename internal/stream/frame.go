package stream

import (
	"bytes"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Frame is one complete JPEG image. Frames are shared read-only between every
// consumer that receives them and must never be modified after creation.
type Frame struct {
	Data       []byte
	Seq        uint64
	ReceivedAt time.Time
}

// NewFrame wraps data without copying it. The caller hands over ownership.
func NewFrame(data []byte, seq uint64, receivedAt time.Time) *Frame {
	return &Frame{Data: data, Seq: seq, ReceivedAt: receivedAt}
}

// Size returns the JPEG payload length in bytes.
func (f *Frame) Size() int {
	return len(f.Data)
}

// IsJPEG reports whether data begins with the JPEG start-of-image marker.
func IsJPEG(data []byte) bool {
	return bytes.HasPrefix(data, jpegSOI)
}

// ValidateJPEG returns a ValidationError unless data starts with FFD8.
func ValidateJPEG(data []byte) error {
	if len(data) == 0 {
		return &ValidationError{Reason: "empty payload", Err: ErrNotJPEG}
	}
	if !IsJPEG(data) {
		return &ValidationError{Reason: "payload does not start with JPEG SOI marker", Err: ErrNotJPEG}
	}
	return nil
}

// extractJPEG locates the image inside a multipart part by its SOI and last
// EOI marker and returns a copy, or nil when the part holds no complete image.
func extractJPEG(part []byte) []byte {
	start := bytes.Index(part, jpegSOI)
	if start == -1 {
		return nil
	}
	end := bytes.LastIndex(part, jpegEOI)
	if end < start+len(jpegSOI) {
		return nil
	}
	end += len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, part[start:end])
	return frame
}
