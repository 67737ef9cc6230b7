package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnectFailed     = errors.New("no relay endpoint reachable")
	ErrAckTimeout        = errors.New("acknowledgment timed out")
	ErrTransportClosed   = errors.New("signaling transport closed")
	ErrNotConnected      = errors.New("signaling transport not connected")
	ErrNoActiveMeeting   = errors.New("no active meeting")
	ErrAlreadyInMeeting  = errors.New("already in a meeting")
	ErrMeetingNotFound   = errors.New("meeting not found")
	ErrMeetingExists     = errors.New("meeting already exists")
	ErrMeetingRejected   = errors.New("meeting request rejected")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrForeignMeeting    = errors.New("message for a different meeting")
	ErrMalformedMessage  = errors.New("malformed signaling message")
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceError       = errors.New("media device unavailable")
	ErrNoLocalMedia      = errors.New("local media not acquired")
	ErrConnectionClosed  = errors.New("peer connection closed")
	ErrSessionNotStarted = errors.New("session not started")
)

// EndpointError is one failed relay dial attempt.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e EndpointError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e EndpointError) Unwrap() error {
	return e.Err
}

// ConnectFailedError is returned when every candidate endpoint failed.
type ConnectFailedError struct {
	Attempts []EndpointError
}

func (e *ConnectFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("%v (%s)", ErrConnectFailed, strings.Join(parts, "; "))
}

func (e *ConnectFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrConnectFailed)
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}
