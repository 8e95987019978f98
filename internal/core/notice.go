package core

import "github.com/dkeye/Classroom/internal/domain"

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a single human-readable notification for the user.
type Notice struct {
	Level   NoticeLevel          `json:"level"`
	Peer    domain.ParticipantID `json:"peer,omitempty"`
	Message string               `json:"message"`
	Err     error                `json:"-"`
}

// Notifier receives user-facing notices. It must not block.
type Notifier func(Notice)
