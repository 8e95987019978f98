package domain

import "errors"

var ErrUnknownKind = errors.New("unknown signal kind")

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOffer, KindAnswer, KindCandidate:
		return Kind(s), nil
	}
	return "", ErrUnknownKind
}

// Envelope is one signaling message in a session log. It is meaningful
// only to the participant whose id equals Target.
type Envelope struct {
	// ID is the log position assigned by the relay on append.
	ID      string        `json:"id,omitempty"`
	Kind    Kind          `json:"kind"`
	Sender  ParticipantID `json:"sender"`
	Target  ParticipantID `json:"target"`
	Payload string        `json:"payload"`
}

type MembershipOp string

const (
	MemberAdded   MembershipOp = "added"
	MemberRemoved MembershipOp = "removed"
)

// MembershipEvent is one roster change. Removed events may carry only the id.
type MembershipEvent struct {
	Op          MembershipOp `json:"op"`
	Participant Participant  `json:"participant"`
}
