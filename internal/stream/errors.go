package stream

import (
	"errors"
	"fmt"
)

var (
	ErrNoBoundary        = errors.New("missing multipart boundary")
	ErrNotJPEG           = errors.New("payload is not a JPEG image")
	ErrBufferOverflow    = errors.New("multipart part exceeds buffer limit")
	ErrUpstreamClosed    = errors.New("upstream closed the stream")
	ErrViewerTimeout     = errors.New("no frame received before timeout")
	ErrRelayRunning      = errors.New("relay already running")
	ErrBroadcasterClosed = errors.New("broadcaster closed")
)

// ProtocolError reports malformed or missing multipart framing. The relay
// treats it as a connection failure and reconnects.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError reports a network failure talking to the upstream camera or
// to a viewer. It ends the affected connection only.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports an ingested payload that was rejected.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
