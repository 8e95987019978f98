// Package peertest provides an in-memory core.Transport for tests.
//
// Transports created by one Network pair up through the offer SDP. A pair
// reports connected once both sides have applied their remote description
// and at least one remote candidate; each side then receives the other's
// local tracks as remote media. AddICECandidate fails before the remote
// description is set, like a real peer connection.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrUnknownOffer        = errors.New("offer does not belong to this network")
	ErrClosed              = errors.New("transport closed")
)

type Network struct {
	mu         sync.Mutex
	seq        int
	offers     map[string]*Transport
	transports []*Transport
}

func NewNetwork() *Network {
	return &Network{offers: make(map[string]*Transport)}
}

// Factory returns a transport factory bound to owner. owner is the local
// participant, peer the remote one.
func (n *Network) Factory(owner domain.ParticipantID) core.TransportFactory {
	return func(peer domain.ParticipantID) (core.Transport, error) {
		return n.NewTransport(owner, peer), nil
	}
}

func (n *Network) NewTransport(owner, peer domain.ParticipantID) *Transport {
	t := &Transport{net: n, Owner: owner, Peer: peer}
	n.mu.Lock()
	n.transports = append(n.transports, t)
	n.mu.Unlock()
	return t
}

// Transports returns every transport owner created for peer, oldest first.
func (n *Network) Transports(owner, peer domain.ParticipantID) []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Transport
	for _, t := range n.transports {
		if t.Owner == owner && t.Peer == peer {
			out = append(out, t)
		}
	}
	return out
}

func (n *Network) nextSDP(kind string, owner domain.ParticipantID) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return fmt.Sprintf("v=0 fake-%s %s %d", kind, owner, n.seq)
}

type Transport struct {
	Owner domain.ParticipantID
	Peer  domain.ParticipantID

	// Injected failures.
	CreateOfferErr  error
	CreateAnswerErr error
	SetAnswerErr    error
	AddCandidateErr error

	net *Network

	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	partner    *Transport
	connected  bool
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(core.RemoteMedia)
	onState    func(webrtc.PeerConnectionState)
	candidates int
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, t.CreateOfferErr
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: t.net.nextSDP("offer", t.Owner)}
	t.net.mu.Lock()
	t.net.offers[offer.SDP] = t
	t.net.mu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	t.local = &offer
	t.mu.Unlock()
	t.gather()
	return offer, nil
}

func (t *Transport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if t.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, t.CreateAnswerErr
	}
	t.net.mu.Lock()
	offerer, ok := t.net.offers[offer.SDP]
	t.net.mu.Unlock()
	if !ok {
		return webrtc.SessionDescription{}, ErrUnknownOffer
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: t.net.nextSDP("answer", t.Owner)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	t.remote = &offer
	t.local = &answer
	t.partner = offerer
	t.mu.Unlock()

	offerer.mu.Lock()
	offerer.partner = t
	offerer.mu.Unlock()

	t.gather()
	return answer, nil
}

func (t *Transport) SetAnswer(answer webrtc.SessionDescription) error {
	if t.SetAnswerErr != nil {
		return t.SetAnswerErr
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.local == nil || t.local.Type != webrtc.SDPTypeOffer {
		t.mu.Unlock()
		return errors.New("no local offer")
	}
	t.remote = &answer
	t.mu.Unlock()
	t.tryConnect()
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if t.AddCandidateErr != nil {
		return t.AddCandidateErr
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.remote == nil {
		t.mu.Unlock()
		return ErrNoRemoteDescription
	}
	t.applied = append(t.applied, c)
	t.mu.Unlock()
	t.tryConnect()
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(core.RemoteMedia)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	partner := t.partner
	t.mu.Unlock()
	if partner != nil {
		partner.Fire(webrtc.PeerConnectionStateDisconnected)
	}
	return nil
}

// Fire reports a connection state change, as if from the network.
func (t *Transport) Fire(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	closed := t.closed
	t.mu.Unlock()
	if fn != nil && !closed {
		go fn(s)
	}
}

// Applied returns the remote candidates applied so far, in order.
func (t *Transport) Applied() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.applied))
	copy(out, t.applied)
	return out
}

func (t *Transport) Tracks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// gather emits one host candidate asynchronously, as a real agent would
// after the local description is applied.
func (t *Transport) gather() {
	t.mu.Lock()
	t.candidates++
	n := t.candidates
	fn := t.onICE
	t.mu.Unlock()
	if fn == nil {
		return
	}
	mid := "0"
	var idx uint16
	c := webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", n, 50000+n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	go fn(c)
}

func (t *Transport) ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.local != nil && t.remote != nil && len(t.applied) > 0
}

func (t *Transport) tryConnect() {
	t.mu.Lock()
	partner := t.partner
	t.mu.Unlock()
	if partner == nil || !t.ready() || !partner.ready() {
		return
	}
	t.connect(partner)
	partner.connect(t)
}

func (t *Transport) connect(from *Transport) {
	t.mu.Lock()
	if t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = true
	onTrack, onState := t.onTrack, t.onState
	t.mu.Unlock()

	from.mu.Lock()
	tracks := make([]webrtc.TrackLocal, len(from.tracks))
	copy(tracks, from.tracks)
	from.mu.Unlock()

	go func() {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onTrack == nil {
			return
		}
		for _, tr := range tracks {
			onTrack(core.RemoteMedia{
				Peer:     from.Owner,
				StreamID: tr.StreamID(),
				TrackID:  tr.ID(),
				Kind:     tr.Kind(),
			})
		}
	}()
}
