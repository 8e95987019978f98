package app

import "github.com/dkeye/Classroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a bridge client whose outbound queue is full.
type Policy interface {
	OnBackPressure(session domain.SessionID, p domain.Participant, msgType string) BackpressureAction
}

// SimplePolicy drops keepalives and kicks everything else: a lost signal
// stalls negotiation, so the client must reconnect and rebuild.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.SessionID, _ domain.Participant, msgType string) BackpressureAction {
	if msgType == "pong" {
		return DropFrame
	}
	return KickMember
}
