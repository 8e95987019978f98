package core

import (
	"context"

	"github.com/dkeye/Classroom/internal/domain"
)

// Unsubscribe stops a live subscription. Safe to call more than once.
type Unsubscribe func()

// SignalChannel is the session signaling log as seen by one participant.
// Send appends an envelope attributed to LocalID. Subscribe delivers only
// envelopes targeted at LocalID and appended after the call, in append
// order, one callback at a time. Delivery is at-least-once.
type SignalChannel interface {
	LocalID() domain.ParticipantID
	// Send returns *TransportError on relay failure and never retries.
	Send(ctx context.Context, target domain.ParticipantID, kind domain.Kind, payload string) error
	Subscribe(ctx context.Context, fn func(domain.Envelope)) (Unsubscribe, error)
}

// Relay hands out the three relay-backed collaborators of a session.
// Signals and membership share one store but stay separate interfaces.
type Relay interface {
	Signals(session domain.SessionID, local domain.ParticipantID) SignalChannel
	Membership(session domain.SessionID) MembershipRegistry
	Sessions() SessionStore
	Close() error
}
