package core

import (
	"context"
	"sync"

	"github.com/dkeye/Classroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Transport is the underlying media connection owned by one PeerLink.
type Transport interface {
	// AddTrack binds an outgoing local track.
	AddTrack(track webrtc.TrackLocal) error
	// CreateOffer creates and applies the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then creates and applies the
	// local answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetAnswer applies the remote answer.
	SetAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteMedia))
	// OnStateChange sets a callback for connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// TransportFactory builds a fresh transport for one remote peer.
type TransportFactory func(peer domain.ParticipantID) (Transport, error)

// RemoteMedia is a remote stream surfaced for rendering.
type RemoteMedia struct {
	Peer     domain.ParticipantID
	StreamID string
	TrackID  string
	Kind     webrtc.RTPCodecType
	// Track is nil for non-pion transports.
	Track *webrtc.TrackRemote
}

// LocalMedia is the captured outgoing tracks. The tracks are shared
// read-only by every link of the participant.
type LocalMedia struct {
	Tracks []webrtc.TrackLocal

	once sync.Once
	stop func()
}

func NewLocalMedia(tracks []webrtc.TrackLocal, stop func()) *LocalMedia {
	return &LocalMedia{Tracks: tracks, stop: stop}
}

// Stop ends capture. Idempotent.
func (m *LocalMedia) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}

// MediaSource captures local audio/video or fails with *MediaAccessError.
type MediaSource interface {
	Capture(ctx context.Context) (*LocalMedia, error)
}
