package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/Classroom/internal/domain"
)

var (
	ErrLinkClosed      = errors.New("peer link closed")
	ErrSessionNotLive  = errors.New("session is not live")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotPresenter    = errors.New("participant is not the presenter")
)

// MediaAccessError means camera or microphone were denied or missing.
// It aborts session entry and is never retried automatically.
type MediaAccessError struct {
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Device, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// TransportError is a relay read or write failure. The caller decides
// whether to retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NegotiationError is a malformed or out-of-sequence description or
// candidate. The offending link is closed; siblings are unaffected.
type NegotiationError struct {
	Peer domain.ParticipantID
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.Peer, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsMediaAccess(err error) bool {
	var me *MediaAccessError
	return errors.As(err, &me)
}

func IsNegotiation(err error) bool {
	var ne *NegotiationError
	return errors.As(err, &ne)
}
