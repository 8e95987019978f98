package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrOfferAlreadyCreated = errors.New("offer already created")
	ErrWrongRole           = errors.New("operation not valid for link role")
	ErrNoLocalOffer        = errors.New("answer received before local offer")
	ErrNegotiationStarted  = errors.New("negotiation already started")
)

// Emitter delivers one signal to the remote peer of a link.
type Emitter func(ctx context.Context, kind domain.Kind, payload string) error

// Events are the link's upcalls. Each may be nil.
type Events struct {
	OnState       func(State)
	OnRemoteMedia func(core.RemoteMedia)
	// OnFailure reports an asynchronous failure, such as a local candidate
	// that could not be emitted. The owner is expected to close the link.
	OnFailure func(error)
}

type Config struct {
	Peer      domain.ParticipantID
	Role      Role
	Transport core.Transport
	Emit      Emitter
	Events    Events
	// Exec runs transport callbacks. The coordinator passes the peer's
	// serial queue; nil runs them inline.
	Exec func(func())
}

// Link is one point-to-point media connection to a remote participant.
// Negotiation methods must be called from a single goroutine.
type Link struct {
	peer   domain.ParticipantID
	role   Role
	tr     core.Transport
	emit   Emitter
	events Events
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	mediaAttached bool
	offered       bool
	remoteSet     bool
	localSent     bool
	transportUp   bool
	remote        []core.RemoteMedia
	pending       []webrtc.ICECandidateInit // remote, before remote description
	localPending  []webrtc.ICECandidateInit // local, before local description was emitted
}

func New(cfg Config) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		peer:   cfg.Peer,
		role:   cfg.Role,
		tr:     cfg.Transport,
		emit:   cfg.Emit,
		events: cfg.Events,
		ctx:    ctx,
		cancel: cancel,
		state:  StateNew,
		logger: log.With().
			Str("module", "peer").
			Str("peer", string(cfg.Peer)).
			Str("role", string(cfg.Role)).
			Logger(),
	}

	exec := cfg.Exec
	if exec == nil {
		exec = func(fn func()) { fn() }
	}
	l.tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		exec(func() { l.onLocalCandidate(c) })
	})
	l.tr.OnTrack(func(m core.RemoteMedia) {
		exec(func() { l.onRemoteTrack(m) })
	})
	l.tr.OnStateChange(func(s webrtc.PeerConnectionState) {
		exec(func() { l.onTransportState(s) })
	})
	return l
}

func (l *Link) Peer() domain.ParticipantID { return l.peer }
func (l *Link) Role() Role                 { return l.role }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RemoteMedia returns the remote tracks received so far.
func (l *Link) RemoteMedia() []core.RemoteMedia {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.RemoteMedia, len(l.remote))
	copy(out, l.remote)
	return out
}

// AttachLocalMedia binds the outgoing tracks. Idempotent; only valid
// before negotiation starts.
func (l *Link) AttachLocalMedia(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return core.ErrLinkClosed
	case l.mediaAttached:
		l.mu.Unlock()
		return nil
	case l.state != StateNew:
		l.mu.Unlock()
		return ErrNegotiationStarted
	}
	l.mediaAttached = true
	l.mu.Unlock()

	for _, t := range tracks {
		if err := l.tr.AddTrack(t); err != nil {
			return l.negotiationErr("attach media", err)
		}
	}
	return nil
}

// CreateOffer creates the local offer and emits it. Offerer only, at most once.
func (l *Link) CreateOffer(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return core.ErrLinkClosed
	case l.role != RoleOfferer:
		l.mu.Unlock()
		return l.negotiationErr("create offer", ErrWrongRole)
	case l.offered:
		l.mu.Unlock()
		return ErrOfferAlreadyCreated
	}
	l.offered = true
	l.mu.Unlock()

	offer, err := l.tr.CreateOffer()
	if err != nil {
		return l.negotiationErr("create offer", err)
	}
	l.transition(StateConnecting)
	return l.emitDescription(ctx, domain.KindOffer, offer)
}

// HandleRemoteOffer applies the remote offer and emits the answer.
// A repeated offer after the first is ignored.
func (l *Link) HandleRemoteOffer(ctx context.Context, payload string) error {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return core.ErrLinkClosed
	case l.role != RoleAnswerer:
		l.mu.Unlock()
		return l.negotiationErr("apply offer", ErrWrongRole)
	case l.remoteSet:
		l.mu.Unlock()
		l.logger.Debug().Msg("duplicate offer ignored")
		return nil
	}
	l.mu.Unlock()

	offer, err := DecodeDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return l.negotiationErr("decode offer", err)
	}
	answer, err := l.tr.CreateAnswer(offer)
	if err != nil {
		return l.negotiationErr("create answer", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	l.mu.Unlock()
	l.transition(StateConnecting)

	if err := l.flushRemoteCandidates(); err != nil {
		return err
	}
	return l.emitDescription(ctx, domain.KindAnswer, answer)
}

// HandleRemoteAnswer applies the answer to a previously created offer.
// A repeated answer is ignored.
func (l *Link) HandleRemoteAnswer(_ context.Context, payload string) error {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return core.ErrLinkClosed
	case l.role != RoleOfferer:
		l.mu.Unlock()
		return l.negotiationErr("apply answer", ErrWrongRole)
	case !l.offered:
		l.mu.Unlock()
		return l.negotiationErr("apply answer", ErrNoLocalOffer)
	case l.remoteSet:
		l.mu.Unlock()
		l.logger.Debug().Msg("duplicate answer ignored")
		return nil
	}
	l.mu.Unlock()

	answer, err := DecodeDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return l.negotiationErr("decode answer", err)
	}
	if err := l.tr.SetAnswer(answer); err != nil {
		return l.negotiationErr("apply answer", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	l.mu.Unlock()
	return l.flushRemoteCandidates()
}

// HandleRemoteCandidate applies a remote candidate, or queues it until the
// remote description is set.
func (l *Link) HandleRemoteCandidate(payload string) error {
	c, err := DecodeCandidate(payload)
	if err != nil {
		return l.negotiationErr("decode candidate", err)
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return core.ErrLinkClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		n := len(l.pending)
		l.mu.Unlock()
		l.logger.Debug().Int("queued", n).Msg("candidate buffered")
		return nil
	}
	l.mu.Unlock()

	if err := l.tr.AddICECandidate(c); err != nil {
		return l.negotiationErr("add candidate", err)
	}
	return nil
}

// Close releases the transport. Idempotent; nothing is emitted afterwards.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	l.pending = nil
	l.localPending = nil
	l.mu.Unlock()

	l.cancel()
	err := l.tr.Close()
	l.logger.Info().Msg("link closed")
	l.notify(StateClosed)
	return err
}

func (l *Link) flushRemoteCandidates() error {
	l.mu.Lock()
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range queued {
		if l.closed() {
			return core.ErrLinkClosed
		}
		if err := l.tr.AddICECandidate(c); err != nil {
			return l.negotiationErr("add candidate", err)
		}
	}
	if len(queued) > 0 {
		l.logger.Debug().Int("count", len(queued)).Msg("buffered candidates applied")
	}
	return nil
}

func (l *Link) emitDescription(ctx context.Context, kind domain.Kind, desc webrtc.SessionDescription) error {
	payload, err := EncodeDescription(desc)
	if err != nil {
		return l.negotiationErr("encode "+string(kind), err)
	}
	if err := l.send(ctx, kind, payload); err != nil {
		return err
	}

	l.mu.Lock()
	l.localSent = true
	queued := l.localPending
	l.localPending = nil
	l.mu.Unlock()

	for _, c := range queued {
		if err := l.sendCandidate(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) sendCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	payload, err := EncodeCandidate(c)
	if err != nil {
		return l.negotiationErr("encode candidate", err)
	}
	return l.send(ctx, domain.KindCandidate, payload)
}

func (l *Link) send(ctx context.Context, kind domain.Kind, payload string) error {
	if l.closed() {
		return core.ErrLinkClosed
	}
	ctx, stop := mergeCancel(ctx, l.ctx)
	defer stop()
	if err := l.emit(ctx, kind, payload); err != nil {
		if l.closed() {
			return core.ErrLinkClosed
		}
		return l.negotiationErr("send "+string(kind), err)
	}
	return nil
}

func (l *Link) onLocalCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	if !l.localSent {
		l.localPending = append(l.localPending, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.sendCandidate(l.ctx, c); err != nil && !errors.Is(err, core.ErrLinkClosed) {
		l.fail(err)
	}
}

func (l *Link) onRemoteTrack(m core.RemoteMedia) {
	m.Peer = l.peer
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.remote = append(l.remote, m)
	up := l.transportUp
	l.mu.Unlock()

	l.logger.Info().Str("track_id", m.TrackID).Str("kind", m.Kind.String()).Msg("remote track")
	if l.events.OnRemoteMedia != nil {
		l.events.OnRemoteMedia(m)
	}
	if up {
		l.transition(StateConnected)
	}
}

func (l *Link) onTransportState(s webrtc.PeerConnectionState) {
	l.logger.Debug().Str("peer_connection_state", s.String()).Msg("transport state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		l.transportUp = true
		hasMedia := len(l.remote) > 0
		l.mu.Unlock()
		if hasMedia {
			l.transition(StateConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		l.transition(StateFailed)
	case webrtc.PeerConnectionStateDisconnected:
		l.transition(StateDisconnected)
	case webrtc.PeerConnectionStateClosed:
		_ = l.Close()
	}
}

func (l *Link) transition(next State) {
	l.mu.Lock()
	if !canTransition(l.state, next) {
		l.mu.Unlock()
		return
	}
	l.state = next
	l.mu.Unlock()

	l.logger.Info().Str("state", string(next)).Msg("link state")
	l.notify(next)
}

func (l *Link) notify(s State) {
	if l.events.OnState != nil {
		l.events.OnState(s)
	}
}

func (l *Link) fail(err error) {
	l.logger.Warn().Err(err).Msg("link failure")
	if l.events.OnFailure != nil {
		l.events.OnFailure(err)
	}
}

func (l *Link) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateClosed
}

func (l *Link) negotiationErr(step string, err error) error {
	return &core.NegotiationError{Peer: l.peer, Step: step, Err: err}
}

// mergeCancel returns a context derived from ctx that is also cancelled
// when other is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
