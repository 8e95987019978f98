// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrParticipantIDEmpty = errors.New("participant id empty")
	ErrParticipantIDLong  = errors.New("participant id too long")
	ErrUnknownRole        = errors.New("unknown role")
)

type ParticipantID string

type Role string

const (
	RolePresenter Role = "presenter"
	RoleViewer    Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePresenter, RoleViewer:
		return Role(s), nil
	// classroom aliases
	case "teacher":
		return RolePresenter, nil
	case "student":
		return RoleViewer, nil
	}
	return "", ErrUnknownRole
}

// Participant is a connected actor of a live session.
type Participant struct {
	ID          ParticipantID `json:"participantId"`
	DisplayName string        `json:"displayName"`
	Role        Role          `json:"role,omitempty"`
	JoinedAt    time.Time     `json:"joinedAt"`
}

// NewParticipant validates the display name and stamps JoinedAt.
// An empty id gets a fresh uuid.
func NewParticipant(id ParticipantID, displayName string, role Role) (*Participant, error) {
	if id == "" {
		id = ParticipantID(uuid.NewString())
	}
	if err := ValidateParticipantID(id); err != nil {
		return nil, err
	}
	p := &Participant{ID: id, Role: role, JoinedAt: time.Now().UTC()}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return p, nil
}

func ValidateParticipantID(id ParticipantID) error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDLong
	}
	return nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
