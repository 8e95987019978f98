package orch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Classroom/internal/app/orch"
	"github.com/dkeye/Classroom/internal/app/peer"
	"github.com/dkeye/Classroom/internal/app/peer/peertest"
	"github.com/dkeye/Classroom/internal/app/status"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/dkeye/Classroom/internal/relay/memory"
	"github.com/pion/webrtc/v4"
)

const session domain.SessionID = "class-1"

type fakeMedia struct {
	err     error
	stopped atomic.Bool
}

func (m *fakeMedia) Capture(context.Context) (*core.LocalMedia, error) {
	if m.err != nil {
		return nil, m.err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	if err != nil {
		return nil, err
	}
	return core.NewLocalMedia([]webrtc.TrackLocal{track}, func() { m.stopped.Store(true) }), nil
}

type notices struct {
	mu  sync.Mutex
	all []core.Notice
}

func (n *notices) add(x core.Notice) {
	n.mu.Lock()
	n.all = append(n.all, x)
	n.mu.Unlock()
}

func (n *notices) count(level core.NoticeLevel, p domain.ParticipantID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.all {
		if x.Level == level && x.Peer == p {
			c++
		}
	}
	return c
}

type harness struct {
	t     *testing.T
	relay *memory.Store
	net   *peertest.Network
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, relay: memory.NewStore(), net: peertest.NewNetwork()}
	t.Cleanup(func() { _ = h.relay.Close() })
	return h
}

type member struct {
	*orch.Coordinator
	media   *fakeMedia
	notices *notices
}

func (h *harness) participant(id domain.ParticipantID, role domain.Role, relay core.Relay) *member {
	h.t.Helper()
	if relay == nil {
		relay = h.relay
	}
	m := &member{media: &fakeMedia{}, notices: &notices{}}
	m.Coordinator = orch.New(orch.Config{
		Session:     session,
		Self:        domain.Participant{ID: id, DisplayName: string(id), Role: role, JoinedAt: time.Now()},
		Relay:       relay,
		Media:       m.media,
		Transports:  h.net.Factory(id),
		SendBackoff: time.Millisecond,
		Notify:      m.notices.add,
	})
	h.t.Cleanup(func() { _ = m.Leave(context.Background()) })
	return m
}

func (h *harness) join(id domain.ParticipantID, role domain.Role) *member {
	h.t.Helper()
	m := h.participant(id, role, nil)
	if err := m.Join(context.Background()); err != nil {
		h.t.Fatalf("%s join: %v", id, err)
	}
	return m
}

func (h *harness) count(kind domain.Kind, sender, target domain.ParticipantID) int {
	n := 0
	for _, env := range h.relay.Log(session) {
		if env.Kind == kind && env.Sender == sender && env.Target == target {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allConnected(m *member, n int) func() bool {
	return func() bool {
		peers := m.Peers()
		if len(peers) != n {
			return false
		}
		for _, p := range peers {
			if p.State != peer.StateConnected {
				return false
			}
		}
		return true
	}
}

// fakeOffer produces an offer payload the fake network will accept.
func (h *harness) fakeOffer(from, to domain.ParticipantID) string {
	h.t.Helper()
	offer, err := h.net.NewTransport(from, to).CreateOffer()
	if err != nil {
		h.t.Fatalf("offer: %v", err)
	}
	payload, err := peer.EncodeDescription(offer)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	return payload
}

func (h *harness) startSession(presenter domain.ParticipantID) {
	h.t.Helper()
	if _, err := h.relay.Sessions().Start(context.Background(), session, presenter); err != nil {
		h.t.Fatalf("start: %v", err)
	}
}

func TestPresenterAndViewerConnect(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	alice := h.join("alice", domain.RoleViewer)

	waitFor(t, "presenter link connected", allConnected(teacher, 1))
	waitFor(t, "viewer link connected", allConnected(alice, 1))
	waitFor(t, "viewer status", func() bool { return alice.Status().Current() == status.Connected })
	waitFor(t, "presenter status", func() bool { return teacher.Status().Current() == status.Connected })

	if p := teacher.Peers()[0]; p.ID != "alice" || p.Role != peer.RoleOfferer {
		t.Errorf("presenter link = %+v", p)
	}
	if p := alice.Peers()[0]; p.ID != "teacher" || p.Role != peer.RoleAnswerer {
		t.Errorf("viewer link = %+v", p)
	}
	if n := h.count(domain.KindOffer, "teacher", "alice"); n != 1 {
		t.Errorf("offers = %d, want 1", n)
	}
	if n := h.count(domain.KindAnswer, "alice", "teacher"); n != 1 {
		t.Errorf("answers = %d, want 1", n)
	}
	if got := alice.RemoteMedia("teacher"); len(got) != 1 || got[0].TrackID != "video" {
		t.Errorf("viewer remote media = %+v", got)
	}
}

func TestLinkCountFollowsRoster(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	viewers := map[domain.ParticipantID]*member{}
	for _, id := range []domain.ParticipantID{"alice", "bob", "carol"} {
		viewers[id] = h.join(id, domain.RoleViewer)
	}

	waitFor(t, "three presenter links", allConnected(teacher, 3))
	for id, v := range viewers {
		waitFor(t, string(id)+" connected", allConnected(v, 1))
		if p := v.Peers()[0]; p.ID != "teacher" || p.Role != peer.RoleAnswerer {
			t.Errorf("%s link = %+v", id, p)
		}
	}
	for _, p := range teacher.Peers() {
		if p.Role != peer.RoleOfferer {
			t.Errorf("presenter link %s role = %s", p.ID, p.Role)
		}
	}

	if err := viewers["bob"].Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "two presenter links", func() bool { return len(teacher.Peers()) == 2 })
	for _, p := range teacher.Peers() {
		if p.ID == "bob" {
			t.Error("link to bob survived leave")
		}
	}
}

func TestRedeliveredOfferCreatesOneLink(t *testing.T) {
	h := newHarness(t)
	h.startSession("teacher")
	alice := h.join("alice", domain.RoleViewer)

	ch := h.relay.Signals(session, "teacher")
	payload := h.fakeOffer("teacher", "alice")
	for i := 0; i < 2; i++ {
		if err := ch.Send(context.Background(), "alice", domain.KindOffer, payload); err != nil {
			t.Fatalf("send offer: %v", err)
		}
	}

	waitFor(t, "answer", func() bool { return h.count(domain.KindAnswer, "alice", "teacher") >= 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(alice.Peers()); n != 1 {
		t.Errorf("links = %d, want 1", n)
	}
	if n := h.count(domain.KindAnswer, "alice", "teacher"); n != 1 {
		t.Errorf("answers = %d, want 1", n)
	}
	if n := len(h.net.Transports("alice", "teacher")); n != 1 {
		t.Errorf("transports = %d, want 1", n)
	}
}

func TestCandidateBeforeOfferIsApplied(t *testing.T) {
	h := newHarness(t)
	h.startSession("teacher")
	alice := h.join("alice", domain.RoleViewer)
	ch := h.relay.Signals(session, "teacher")
	ctx := context.Background()

	const cand = `{"candidate":"candidate:7 1 udp 1 10.1.1.1 9000 typ host","sdpMid":"0","sdpMLineIndex":0}`
	if err := ch.Send(ctx, "alice", domain.KindCandidate, cand); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	waitFor(t, "defensive link", func() bool { return len(alice.Peers()) == 1 })
	if err := ch.Send(ctx, "alice", domain.KindOffer, h.fakeOffer("teacher", "alice")); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	waitFor(t, "answer", func() bool { return h.count(domain.KindAnswer, "alice", "teacher") == 1 })
	trs := h.net.Transports("alice", "teacher")
	if len(trs) != 1 {
		t.Fatalf("transports = %d, want 1", len(trs))
	}
	waitFor(t, "candidate applied", func() bool { return len(trs[0].Applied()) == 1 })
	if got := trs[0].Applied()[0].Candidate; got != "candidate:7 1 udp 1 10.1.1.1 9000 typ host" {
		t.Errorf("applied %q", got)
	}
}

func TestSessionEndClosesViewerLinks(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	alice := h.join("alice", domain.RoleViewer)
	bob := h.join("bob", domain.RoleViewer)
	waitFor(t, "connected", allConnected(teacher, 2))

	if err := teacher.Leave(context.Background()); err != nil {
		t.Fatalf("presenter leave: %v", err)
	}
	for _, v := range []*member{alice, bob} {
		v := v
		waitFor(t, "viewer closed", func() bool { return v.Status().Current() == status.Closed })
		if n := len(v.Peers()); n != 0 {
			t.Errorf("%s still has %d links", v.Self().ID, n)
		}
		for _, tr := range h.net.Transports(v.Self().ID, "teacher") {
			if !tr.Closed() {
				t.Errorf("%s transport left open", v.Self().ID)
			}
		}
		if !v.media.stopped.Load() {
			t.Errorf("%s capture not stopped", v.Self().ID)
		}
		if n := v.notices.count(core.NoticeInfo, ""); n != 1 {
			t.Errorf("%s session-ended notices = %d", v.Self().ID, n)
		}
	}

	sess, ok, err := h.relay.Sessions().Get(context.Background(), session)
	if err != nil || !ok || sess.IsLive {
		t.Errorf("session after presenter leave = %+v, %v, %v", sess, ok, err)
	}
	members, _ := h.relay.Membership(session).Members(context.Background())
	if len(members) != 0 {
		t.Errorf("members after end = %+v", members)
	}
}

func TestViewerLeaveStopsSignals(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	alice := h.join("alice", domain.RoleViewer)
	waitFor(t, "connected", allConnected(teacher, 1))

	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "link removed", func() bool { return len(teacher.Peers()) == 0 })

	count := func() int {
		n := 0
		for _, env := range h.relay.Log(session) {
			if env.Target == "alice" {
				n++
			}
		}
		return n
	}
	before := count()
	time.Sleep(50 * time.Millisecond)
	if after := count(); after != before {
		t.Errorf("signals to alice after leave: %d -> %d", before, after)
	}
	if alice.Status().Current() != status.Closed {
		t.Errorf("viewer status = %s", alice.Status().Current())
	}
	if err := alice.Leave(context.Background()); err != nil {
		t.Errorf("second leave: %v", err)
	}
}

func TestMediaAccessErrorAbortsEntry(t *testing.T) {
	h := newHarness(t)
	h.startSession("teacher")
	v := h.participant("alice", domain.RoleViewer, nil)
	v.media.err = &core.MediaAccessError{Device: "camera", Err: errors.New("permission denied")}

	err := v.Join(context.Background())
	if !core.IsMediaAccess(err) {
		t.Fatalf("join err = %v, want MediaAccessError", err)
	}
	if n := len(h.relay.Log(session)); n != 0 {
		t.Errorf("envelopes = %d, want 0", n)
	}
	members, _ := h.relay.Membership(session).Members(context.Background())
	if len(members) != 0 {
		t.Errorf("presence written: %+v", members)
	}
	if n := v.notices.count(core.NoticeError, ""); n != 1 {
		t.Errorf("error notices = %d, want 1", n)
	}
	if v.Status().Current() != status.Closed {
		t.Errorf("status = %s", v.Status().Current())
	}
}

func TestViewerCannotJoinEndedSession(t *testing.T) {
	h := newHarness(t)
	v := h.participant("alice", domain.RoleViewer, nil)
	if err := v.Join(context.Background()); !errors.Is(err, core.ErrSessionNotLive) {
		t.Fatalf("join err = %v, want ErrSessionNotLive", err)
	}
	if err := v.Join(context.Background()); !errors.Is(err, orch.ErrAlreadyJoined) {
		t.Errorf("rejoin err = %v", err)
	}
}

func TestDuplicateRosterAddIsNoop(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	reg := h.relay.Membership(session)
	ghost := domain.Participant{ID: "ghost", DisplayName: "ghost", JoinedAt: time.Now()}
	for i := 0; i < 3; i++ {
		if err := reg.Announce(context.Background(), ghost); err != nil {
			t.Fatalf("announce: %v", err)
		}
	}
	waitFor(t, "offer", func() bool { return h.count(domain.KindOffer, "teacher", "ghost") == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := h.count(domain.KindOffer, "teacher", "ghost"); n != 1 {
		t.Errorf("offers = %d, want 1", n)
	}
	if n := len(teacher.Peers()); n != 1 {
		t.Errorf("links = %d, want 1", n)
	}

	if err := reg.Withdraw(context.Background(), "ghost"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := reg.Withdraw(context.Background(), "ghost"); err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	waitFor(t, "link removed", func() bool { return len(teacher.Peers()) == 0 })
}

func TestViewerRebuildsLostLink(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	alice := h.join("alice", domain.RoleViewer)
	waitFor(t, "connected", allConnected(alice, 1))
	waitFor(t, "presenter connected", allConnected(teacher, 1))

	h.net.Transports("alice", "teacher")[0].Fire(webrtc.PeerConnectionStateFailed)

	waitFor(t, "second transport", func() bool { return len(h.net.Transports("alice", "teacher")) == 2 })
	waitFor(t, "reconnected", allConnected(alice, 1))
	waitFor(t, "status connected", func() bool { return alice.Status().Current() == status.Connected })
	waitFor(t, "presenter reconnected", allConnected(teacher, 1))

	if g := alice.Status().Generation(); g != 1 {
		t.Errorf("generation = %d, want 1", g)
	}
	if !h.net.Transports("alice", "teacher")[0].Closed() {
		t.Error("lost transport not closed")
	}
	if n := alice.notices.count(core.NoticeWarn, "teacher"); n != 1 {
		t.Errorf("loss notices = %d, want 1", n)
	}
	if n := h.count(domain.KindOffer, "teacher", "alice"); n != 2 {
		t.Errorf("offers = %d, want 2", n)
	}
}

// flakyRelay fails every signal send.
type flakyRelay struct {
	core.Relay
	attempts atomic.Int32
}

func (r *flakyRelay) Signals(s domain.SessionID, local domain.ParticipantID) core.SignalChannel {
	return &flakyChannel{SignalChannel: r.Relay.Signals(s, local), r: r}
}

type flakyChannel struct {
	core.SignalChannel
	r *flakyRelay
}

func (c *flakyChannel) Send(context.Context, domain.ParticipantID, domain.Kind, string) error {
	c.r.attempts.Add(1)
	return &core.TransportError{Op: "send", Err: errors.New("relay unavailable")}
}

func TestSendFailureAbandonsLink(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyRelay{Relay: h.relay}
	teacher := h.participant("teacher", domain.RolePresenter, flaky)
	if err := teacher.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	alice := h.join("alice", domain.RoleViewer)

	waitFor(t, "link abandoned", func() bool {
		return teacher.notices.count(core.NoticeWarn, "alice") == 1 && len(teacher.Peers()) == 0
	})
	if n := flaky.attempts.Load(); n != orch.DefaultSendAttempts {
		t.Errorf("send attempts = %d, want %d", n, orch.DefaultSendAttempts)
	}
	if n := len(alice.Peers()); n != 0 {
		t.Errorf("viewer links = %d", n)
	}
	for _, tr := range h.net.Transports("teacher", "alice") {
		if !tr.Closed() {
			t.Error("abandoned transport left open")
		}
	}
	time.Sleep(30 * time.Millisecond)
	if n := teacher.notices.count(core.NoticeWarn, "alice"); n != 1 {
		t.Errorf("notices = %d, want exactly 1", n)
	}
}

func TestLateSignalFromDepartedViewerIgnored(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	alice := h.join("alice", domain.RoleViewer)
	waitFor(t, "connected", allConnected(teacher, 1))

	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "link removed", func() bool { return len(teacher.Peers()) == 0 })

	ch := h.relay.Signals(session, "alice")
	ctx := context.Background()
	const cand = `{"candidate":"candidate:9 1 udp 1 10.2.2.2 9000 typ host","sdpMid":"0","sdpMLineIndex":0}`
	if err := ch.Send(ctx, "teacher", domain.KindCandidate, cand); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	if err := ch.Send(ctx, "teacher", domain.KindAnswer, `{"type":"answer","sdp":"v=0 stale"}`); err != nil {
		t.Fatalf("send answer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if peers := teacher.Peers(); len(peers) != 0 {
		t.Errorf("presenter links after late signals = %+v", peers)
	}
	if n := len(h.net.Transports("teacher", "alice")); n != 1 {
		t.Errorf("presenter transports for alice = %d, want 1", n)
	}
	members, _ := h.relay.Membership(session).Members(ctx)
	if len(members) != 0 {
		t.Errorf("roster = %+v", members)
	}
}

func TestNegotiationErrorStaysWithOnePeer(t *testing.T) {
	h := newHarness(t)
	teacher := h.join("teacher", domain.RolePresenter)
	alice := h.join("alice", domain.RoleViewer)
	bob := h.join("bob", domain.RoleViewer)
	waitFor(t, "presenter connected", allConnected(teacher, 2))
	waitFor(t, "bob connected", allConnected(bob, 1))
	bobTransports := h.net.Transports("teacher", "bob")

	if err := h.relay.Signals(session, "alice").Send(context.Background(), "teacher", domain.KindCandidate, "{not json"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "alice link abandoned", func() bool { return teacher.notices.count(core.NoticeWarn, "alice") >= 1 })

	var sawBob bool
	for _, p := range teacher.Peers() {
		if p.ID != "bob" {
			continue
		}
		sawBob = true
		if p.State != peer.StateConnected {
			t.Errorf("bob link state = %s", p.State)
		}
	}
	if !sawBob {
		t.Error("bob link removed")
	}
	if len(bobTransports) != 1 || bobTransports[0].Closed() {
		t.Error("bob transport replaced or closed")
	}
	if n := teacher.notices.count(core.NoticeWarn, "bob"); n != 0 {
		t.Errorf("presenter notices for bob = %d", n)
	}

	waitFor(t, "alice rebuilt", allConnected(alice, 1))
	waitFor(t, "presenter reconnected", allConnected(teacher, 2))
	if n := bob.notices.count(core.NoticeWarn, "teacher"); n != 0 {
		t.Errorf("bob notices = %d", n)
	}
	if g := bob.Status().Generation(); g != 0 || bob.Status().Current() != status.Connected {
		t.Errorf("bob status = %s gen %d", bob.Status().Current(), g)
	}
}
