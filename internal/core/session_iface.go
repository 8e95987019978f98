package core

import (
	"context"

	"github.com/dkeye/Classroom/internal/domain"
)

// SessionStore keeps the small session records the coordinator consumes.
type SessionStore interface {
	Get(ctx context.Context, id domain.SessionID) (domain.Session, bool, error)
	// Start marks the session live for presenter and resets its signal
	// log and roster.
	Start(ctx context.Context, id domain.SessionID, presenter domain.ParticipantID) (domain.Session, error)
	// End sets IsLive to false. Viewers treat this as a disconnect.
	End(ctx context.Context, id domain.SessionID) error
	SetWhiteboard(ctx context.Context, id domain.SessionID, active bool) error
	List(ctx context.Context) ([]domain.Session, error)
	// Watch delivers the current record (if any), then every change.
	Watch(ctx context.Context, id domain.SessionID, fn func(domain.Session)) (Unsubscribe, error)
}
