package orch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/app/peer"
	"github.com/dkeye/Classroom/internal/app/status"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrAlreadyJoined = errors.New("coordinator already joined")

const (
	DefaultSendAttempts = 3
	DefaultSendBackoff  = 200 * time.Millisecond
	DefaultQueueSize    = 64
)

type Config struct {
	Session    domain.SessionID
	Self       domain.Participant
	Relay      core.Relay
	Media      core.MediaSource
	Transports core.TransportFactory

	// SendAttempts bounds relay writes per signal; SendBackoff grows
	// linearly between attempts.
	SendAttempts int
	SendBackoff  time.Duration
	// QueueSize is the per-peer task buffer.
	QueueSize int

	Notify        core.Notifier
	OnRemoteMedia func(core.RemoteMedia)
}

// PeerInfo is a snapshot of one peer link.
type PeerInfo struct {
	ID    domain.ParticipantID `json:"id"`
	Role  peer.Role            `json:"role"`
	State peer.State           `json:"state"`
}

type peerState struct {
	id   domain.ParticipantID
	link *peer.Link
	w    *worker
}

type teardownMode int

const (
	teardownAbort teardownMode = iota
	teardownLeave
	teardownEnded
)

// Coordinator owns the peer links of the local participant in one session.
// A presenter offers to every viewer on the roster; a viewer answers the
// presenter's offer. Each remote peer is served by its own serial worker.
type Coordinator struct {
	cfg      Config
	signals  core.SignalChannel
	members  core.MembershipRegistry
	sessions core.SessionStore
	status   *status.Model
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu         sync.Mutex
	joined     bool
	left       bool
	rebuilding bool
	peers      map[domain.ParticipantID]*peerState
	seenOffers map[string]struct{}
	media      *core.LocalMedia
	unsubs     []core.Unsubscribe
}

func New(cfg Config) *Coordinator {
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = DefaultSendAttempts
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = DefaultSendBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		signals:    cfg.Relay.Signals(cfg.Session, cfg.Self.ID),
		members:    cfg.Relay.Membership(cfg.Session),
		sessions:   cfg.Relay.Sessions(),
		status:     status.New(),
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[domain.ParticipantID]*peerState),
		seenOffers: make(map[string]struct{}),
		logger: log.With().
			Str("module", "app.orch").
			Str("session", string(cfg.Session)).
			Str("self", string(cfg.Self.ID)).
			Str("role", string(cfg.Self.Role)).
			Logger(),
	}
}

func (c *Coordinator) Status() *status.Model { return c.status }

func (c *Coordinator) Self() domain.Participant { return c.cfg.Self }

// Peers returns the live links ordered by peer id.
func (c *Coordinator) Peers() []PeerInfo {
	c.mu.Lock()
	links := make([]*peer.Link, 0, len(c.peers))
	for _, ps := range c.peers {
		links = append(links, ps.link)
	}
	c.mu.Unlock()

	out := make([]PeerInfo, 0, len(links))
	for _, l := range links {
		out = append(out, PeerInfo{ID: l.Peer(), Role: l.Role(), State: l.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoteMedia returns the media received from id so far.
func (c *Coordinator) RemoteMedia(id domain.ParticipantID) []core.RemoteMedia {
	if l := c.link(id); l != nil {
		return l.RemoteMedia()
	}
	return nil
}

// Join captures local media and enters the session. A presenter marks the
// session live and watches the roster; a viewer requires a live session,
// watches its record and announces presence. Nothing is sent to the relay
// when capture fails.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.joined = true
	c.mu.Unlock()

	presenter := c.cfg.Self.Role == domain.RolePresenter
	if !presenter {
		sess, ok, err := c.sessions.Get(ctx, c.cfg.Session)
		if err != nil {
			c.notice(core.NoticeError, "", "could not load the session", err)
			return c.abort(fmt.Errorf("load session: %w", err))
		}
		if !ok || !sess.IsLive {
			c.notice(core.NoticeError, "", "the session is not live", core.ErrSessionNotLive)
			return c.abort(core.ErrSessionNotLive)
		}
	}

	media, err := c.cfg.Media.Capture(ctx)
	if err != nil {
		c.notice(core.NoticeError, "", "camera or microphone unavailable", err)
		return c.abort(err)
	}
	c.mu.Lock()
	c.media = media
	c.mu.Unlock()

	if presenter {
		err = c.joinPresenter(ctx)
	} else {
		err = c.joinViewer(ctx)
	}
	if err != nil {
		c.notice(core.NoticeError, "", "could not join the session", err)
		return c.abort(err)
	}
	c.logger.Info().Int("tracks", len(media.Tracks)).Msg("joined")
	return nil
}

func (c *Coordinator) joinPresenter(ctx context.Context) error {
	if _, err := c.sessions.Start(ctx, c.cfg.Session, c.cfg.Self.ID); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := c.watch(c.signals.Subscribe(c.ctx, c.onEnvelope)); err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	if err := c.watch(c.sessions.Watch(c.ctx, c.cfg.Session, c.onSession)); err != nil {
		return fmt.Errorf("watch session: %w", err)
	}
	if err := c.watch(c.members.Watch(c.ctx, c.onMembership)); err != nil {
		return fmt.Errorf("watch roster: %w", err)
	}
	return nil
}

func (c *Coordinator) joinViewer(ctx context.Context) error {
	if err := c.watch(c.signals.Subscribe(c.ctx, c.onEnvelope)); err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	if err := c.watch(c.sessions.Watch(c.ctx, c.cfg.Session, c.onSession)); err != nil {
		return fmt.Errorf("watch session: %w", err)
	}
	if err := c.members.Announce(ctx, c.cfg.Self); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

func (c *Coordinator) watch(unsub core.Unsubscribe, err error) error {
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
	return nil
}

// Leave closes every link, stops capture, and withdraws presence (viewer)
// or ends the session (presenter). Safe to call more than once.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.teardown(ctx, teardownLeave)
}

func (c *Coordinator) abort(cause error) error {
	_ = c.teardown(context.Background(), teardownAbort)
	return cause
}

func (c *Coordinator) teardown(ctx context.Context, mode teardownMode) error {
	c.mu.Lock()
	if !c.joined || c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	peers := c.peers
	c.peers = make(map[domain.ParticipantID]*peerState)
	unsubs := c.unsubs
	c.unsubs = nil
	media := c.media
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, ps := range peers {
		ps.w.stop()
		_ = ps.link.Close()
	}
	c.status.Close()
	media.Stop()
	c.cancel()
	c.wg.Wait()

	var err error
	switch {
	case mode == teardownAbort:
	case c.cfg.Self.Role == domain.RolePresenter && mode == teardownLeave:
		if err = c.sessions.End(ctx, c.cfg.Session); err != nil {
			c.logger.Warn().Err(err).Msg("end session failed")
		}
	case c.cfg.Self.Role == domain.RoleViewer:
		if err = c.members.Withdraw(ctx, c.cfg.Self.ID); err != nil {
			c.logger.Warn().Err(err).Msg("withdraw failed")
		}
	}
	c.logger.Info().Int("links", len(peers)).Msg("left session")
	return err
}

func (c *Coordinator) onSession(s domain.Session) {
	if s.IsLive {
		return
	}
	c.mu.Lock()
	left := c.left
	c.mu.Unlock()
	if left {
		return
	}
	c.logger.Info().Msg("session ended")
	c.notice(core.NoticeInfo, "", "the session has ended", nil)
	_ = c.teardown(context.Background(), teardownEnded)
}

func (c *Coordinator) onMembership(ev domain.MembershipEvent) {
	id := ev.Participant.ID
	if id == "" || id == c.cfg.Self.ID {
		return
	}
	switch ev.Op {
	case domain.MemberAdded:
		ps := c.ensurePeer(id, peer.RoleOfferer, "roster")
		if ps == nil {
			return
		}
		ps.w.submit(func() { c.offer(ps) })
	case domain.MemberRemoved:
		if ps := c.detach(id, nil); ps != nil {
			c.release(ps)
			c.notice(core.NoticeInfo, id, fmt.Sprintf("%s left", displayName(ev.Participant)), nil)
		}
	}
}

func (c *Coordinator) offer(ps *peerState) {
	err := ps.link.CreateOffer(c.ctx)
	switch {
	case err == nil, errors.Is(err, peer.ErrOfferAlreadyCreated), errors.Is(err, core.ErrLinkClosed):
	default:
		c.drop(ps, err)
	}
}

func (c *Coordinator) onEnvelope(env domain.Envelope) {
	if env.Sender == "" || env.Sender == c.cfg.Self.ID {
		return
	}
	presenter := c.cfg.Self.Role == domain.RolePresenter

	switch env.Kind {
	case domain.KindOffer:
		if presenter {
			c.logger.Warn().Str("peer", string(env.Sender)).Msg("offer to presenter ignored")
			return
		}
		if !c.firstOffer(env.ID) {
			c.logger.Debug().Str("peer", string(env.Sender)).Str("id", env.ID).Msg("redelivered offer ignored")
			return
		}
		ps := c.ensurePeer(env.Sender, peer.RoleAnswerer, "offer")
		if ps == nil {
			return
		}
		ps.w.submit(func() { c.apply(ps, env) })
	case domain.KindAnswer, domain.KindCandidate:
		var ps *peerState
		if presenter {
			// links to viewers come from the roster only; a late signal
			// from a departed viewer must not resurrect one
			if ps = c.lookup(env.Sender); ps == nil {
				c.logger.Debug().
					Str("peer", string(env.Sender)).
					Str("kind", string(env.Kind)).
					Msg("signal from a peer without a link ignored")
				return
			}
		} else if ps = c.ensurePeer(env.Sender, peer.RoleAnswerer, string(env.Kind)); ps == nil {
			return
		}
		ps.w.submit(func() { c.apply(ps, env) })
	default:
		c.logger.Warn().Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
}

func (c *Coordinator) firstOffer(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seenOffers[id]; ok {
		return false
	}
	c.seenOffers[id] = struct{}{}
	return true
}

func (c *Coordinator) apply(ps *peerState, env domain.Envelope) {
	var err error
	switch env.Kind {
	case domain.KindOffer:
		err = ps.link.HandleRemoteOffer(c.ctx, env.Payload)
	case domain.KindAnswer:
		err = ps.link.HandleRemoteAnswer(c.ctx, env.Payload)
	case domain.KindCandidate:
		err = ps.link.HandleRemoteCandidate(env.Payload)
	}
	if err != nil && !errors.Is(err, core.ErrLinkClosed) {
		c.drop(ps, err)
	}
}

// ensurePeer returns the link state for id, creating it with role if absent.
// It returns nil after teardown or when no transport can be built.
func (c *Coordinator) ensurePeer(id domain.ParticipantID, role peer.Role, reason string) *peerState {
	ps, err := c.peerFor(id, role, reason)
	if err != nil {
		c.logger.Error().Err(err).Str("peer", string(id)).Msg("transport create failed")
		c.notice(core.NoticeError, id, "could not create a connection", err)
		return nil
	}
	return ps
}

func (c *Coordinator) peerFor(id domain.ParticipantID, role peer.Role, reason string) (*peerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return nil, nil
	}
	if ps, ok := c.peers[id]; ok {
		return ps, nil
	}

	tr, err := c.cfg.Transports(id)
	if err != nil {
		return nil, err
	}

	ps := &peerState{id: id, w: startWorker(&c.wg, c.cfg.QueueSize)}
	ps.link = peer.New(peer.Config{
		Peer:      id,
		Role:      role,
		Transport: tr,
		Emit:      c.emitter(id),
		Exec:      func(fn func()) { ps.w.submit(fn) },
		Events: peer.Events{
			OnState:       func(s peer.State) { c.onLinkState(ps, s) },
			OnRemoteMedia: c.cfg.OnRemoteMedia,
			OnFailure:     func(err error) { c.drop(ps, err) },
		},
	})
	c.peers[id] = ps

	expected := (role == peer.RoleOfferer && reason == "roster") ||
		(role == peer.RoleAnswerer && reason == "offer")
	ev := c.logger.Info()
	if !expected {
		ev = c.logger.Warn()
	}
	ev.Str("peer", string(id)).Str("link_role", string(role)).Str("reason", reason).Msg("link created")

	tracks := c.media.Tracks
	ps.w.submit(func() {
		if err := ps.link.AttachLocalMedia(tracks); err != nil && !errors.Is(err, core.ErrLinkClosed) {
			c.drop(ps, err)
		}
	})
	return ps, nil
}

func (c *Coordinator) lookup(id domain.ParticipantID) *peerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

func (c *Coordinator) link(id domain.ParticipantID) *peer.Link {
	if ps := c.lookup(id); ps != nil {
		return ps.link
	}
	return nil
}

// detach removes id from the peer map. With want set, only that exact
// generation is removed.
func (c *Coordinator) detach(id domain.ParticipantID, want *peerState) *peerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.peers[id]
	if !ok || (want != nil && ps != want) {
		return nil
	}
	delete(c.peers, id)
	return ps
}

func (c *Coordinator) release(ps *peerState) {
	ps.w.stop()
	if err := ps.link.Close(); err != nil {
		c.logger.Debug().Err(err).Str("peer", string(ps.id)).Msg("transport close")
	}
}

// drop closes a link after a negotiation or signaling failure.
func (c *Coordinator) drop(ps *peerState, cause error) {
	if c.detach(ps.id, ps) == nil {
		return
	}
	c.release(ps)
	c.logger.Warn().Err(cause).Str("peer", string(ps.id)).Msg("link abandoned")
	c.notice(core.NoticeWarn, ps.id, "connection setup failed", cause)
	c.afterLoss()
}

func (c *Coordinator) onLinkState(ps *peerState, s peer.State) {
	if st, ok := status.FromLink(s); ok {
		switch {
		case c.cfg.Self.Role == domain.RoleViewer:
			c.status.Set(st)
		case st == status.Connected:
			c.status.Set(status.Connected)
		}
	}
	if !s.Lost() {
		return
	}
	if c.detach(ps.id, ps) == nil {
		return
	}
	c.release(ps)
	c.logger.Warn().Str("peer", string(ps.id)).Str("state", string(s)).Msg("connectivity lost")
	msg := "connection lost"
	if c.cfg.Self.Role == domain.RoleViewer {
		msg = "connection lost, reconnecting"
	}
	c.notice(core.NoticeWarn, ps.id, msg, nil)
	c.afterLoss()
}

// afterLoss rebuilds a viewer's connection by re-announcing presence, which
// makes the presenter offer again. A presenter waits for the roster.
func (c *Coordinator) afterLoss() {
	if c.cfg.Self.Role != domain.RoleViewer {
		return
	}
	c.mu.Lock()
	if c.left || c.rebuilding {
		c.mu.Unlock()
		return
	}
	c.rebuilding = true
	c.mu.Unlock()

	c.status.Reset()
	c.wg.Go(func() {
		defer func() {
			c.mu.Lock()
			c.rebuilding = false
			c.mu.Unlock()
		}()
		if err := c.members.Withdraw(c.ctx, c.cfg.Self.ID); err != nil {
			c.logger.Warn().Err(err).Msg("rebuild: withdraw failed")
		}
		if err := c.members.Announce(c.ctx, c.cfg.Self); err != nil {
			c.logger.Error().Err(err).Msg("rebuild: announce failed")
			if c.ctx.Err() == nil {
				c.notice(core.NoticeError, "", "could not reconnect", err)
			}
			return
		}
		c.logger.Info().Msg("presence re-announced")
	})
}

// emitter sends through the signal channel, retrying relay failures with
// linear backoff.
func (c *Coordinator) emitter(target domain.ParticipantID) peer.Emitter {
	return func(ctx context.Context, kind domain.Kind, payload string) error {
		var err error
		for attempt := 1; attempt <= c.cfg.SendAttempts; attempt++ {
			err = c.signals.Send(ctx, target, kind, payload)
			if err == nil || !core.IsTransport(err) {
				return err
			}
			c.logger.Warn().Err(err).
				Str("peer", string(target)).
				Str("kind", string(kind)).
				Int("attempt", attempt).
				Msg("signal send failed")
			if attempt == c.cfg.SendAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return err
			case <-time.After(c.cfg.SendBackoff * time.Duration(attempt)):
			}
		}
		return err
	}
}

func (c *Coordinator) notice(level core.NoticeLevel, p domain.ParticipantID, msg string, err error) {
	if c.cfg.Notify == nil {
		return
	}
	c.cfg.Notify(core.Notice{Level: level, Peer: p, Message: msg, Err: err})
}

func displayName(p domain.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return string(p.ID)
}
