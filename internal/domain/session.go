package domain

import "time"

type SessionID string

// Session is the live teaching session record. The id matches the owning
// class id.
type Session struct {
	ID               SessionID     `json:"sessionId"`
	PresenterID      ParticipantID `json:"presenterId"`
	IsLive           bool          `json:"isLive"`
	WhiteboardActive bool          `json:"whiteboardActive"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Ended reports whether a previously live session has been switched off.
func (s Session) Ended(prev Session) bool {
	return prev.IsLive && !s.IsLive
}
