package core

import (
	"context"

	"github.com/dkeye/Classroom/internal/domain"
)

// MembershipRegistry is the presence set of one session.
type MembershipRegistry interface {
	// Announce writes the presence record keyed by the participant id.
	Announce(ctx context.Context, p domain.Participant) error
	// Withdraw deletes the presence record. Unknown ids are not an error.
	Withdraw(ctx context.Context, id domain.ParticipantID) error
	Members(ctx context.Context) ([]domain.Participant, error)
	// Watch delivers the current members as added events, then every
	// change. Consumers must tolerate duplicates.
	Watch(ctx context.Context, fn func(domain.MembershipEvent)) (Unsubscribe, error)
}
