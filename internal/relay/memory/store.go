// Package memory is an in-process relay. It backs tests and single-process
// deployments of the control plane.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var errClosed = errors.New("relay closed")

type sessionState struct {
	log        []domain.Envelope
	logSubs    map[int]*logSub
	members    map[domain.ParticipantID]domain.Participant
	memberSubs map[int]*mailbox[domain.MembershipEvent]
	record     *domain.Session
	recordSubs map[int]*mailbox[domain.Session]
}

type logSub struct {
	local domain.ParticipantID
	box   *mailbox[domain.Envelope]
}

// Store implements core.Relay in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*sessionState
	nextSub  int
	seq      uint64
	closed   bool
	writeErr error
}

var _ core.Relay = (*Store)(nil)

func NewStore() *Store {
	return &Store{sessions: make(map[domain.SessionID]*sessionState)}
}

// SetWriteError makes every following write fail with err until it is
// reset with nil.
func (s *Store) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, st := range s.sessions {
		for _, sub := range st.logSubs {
			sub.box.close()
		}
		for _, box := range st.memberSubs {
			box.close()
		}
		for _, box := range st.recordSubs {
			box.close()
		}
	}
	log.Info().Str("module", "relay.memory").Msg("closed")
	return nil
}

// Log returns a copy of the session signal log.
func (s *Store) Log(id domain.SessionID) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]domain.Envelope, len(st.log))
	copy(out, st.log)
	return out
}

func (s *Store) Signals(session domain.SessionID, local domain.ParticipantID) core.SignalChannel {
	return &channel{store: s, session: session, local: local}
}

func (s *Store) Membership(session domain.SessionID) core.MembershipRegistry {
	return &membership{store: s, session: session}
}

func (s *Store) Sessions() core.SessionStore {
	return &sessions{store: s}
}

// state must be called with s.mu held.
func (s *Store) state(id domain.SessionID) *sessionState {
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionState{
			logSubs:    make(map[int]*logSub),
			members:    make(map[domain.ParticipantID]domain.Participant),
			memberSubs: make(map[int]*mailbox[domain.MembershipEvent]),
			recordSubs: make(map[int]*mailbox[domain.Session]),
		}
		s.sessions[id] = st
	}
	return st
}

// writable must be called with s.mu held.
func (s *Store) writable(op string) error {
	if s.closed {
		return &core.TransportError{Op: op, Err: errClosed}
	}
	if s.writeErr != nil {
		return &core.TransportError{Op: op, Err: s.writeErr}
	}
	return nil
}

type channel struct {
	store   *Store
	session domain.SessionID
	local   domain.ParticipantID
}

func (c *channel) LocalID() domain.ParticipantID { return c.local }

func (c *channel) Send(ctx context.Context, target domain.ParticipantID, kind domain.Kind, payload string) error {
	if err := ctx.Err(); err != nil {
		return &core.TransportError{Op: "send", Err: err}
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("send"); err != nil {
		return err
	}
	s.seq++
	env := domain.Envelope{
		ID:      strconv.FormatUint(s.seq, 10),
		Kind:    kind,
		Sender:  c.local,
		Target:  target,
		Payload: payload,
	}
	st := s.state(c.session)
	st.log = append(st.log, env)
	for _, sub := range st.logSubs {
		if sub.local == target {
			sub.box.push(env)
		}
	}
	return nil
}

func (c *channel) Subscribe(_ context.Context, fn func(domain.Envelope)) (core.Unsubscribe, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &core.TransportError{Op: "subscribe", Err: errClosed}
	}
	st := s.state(c.session)
	id := s.nextSub
	s.nextSub++
	sub := &logSub{local: c.local, box: newMailbox(fn)}
	st.logSubs[id] = sub
	return s.unsubscriber(func() {
		delete(st.logSubs, id)
		sub.box.close()
	}), nil
}

func (s *Store) unsubscriber(fn func()) core.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fn()
		})
	}
}

type membership struct {
	store   *Store
	session domain.SessionID
}

func (m *membership) Announce(ctx context.Context, p domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return &core.TransportError{Op: "announce", Err: err}
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("announce"); err != nil {
		return err
	}
	st := s.state(m.session)
	st.members[p.ID] = p
	ev := domain.MembershipEvent{Op: domain.MemberAdded, Participant: p}
	for _, box := range st.memberSubs {
		box.push(ev)
	}
	return nil
}

func (m *membership) Withdraw(ctx context.Context, id domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return &core.TransportError{Op: "withdraw", Err: err}
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("withdraw"); err != nil {
		return err
	}
	st := s.state(m.session)
	p, ok := st.members[id]
	if !ok {
		return nil
	}
	delete(st.members, id)
	ev := domain.MembershipEvent{Op: domain.MemberRemoved, Participant: p}
	for _, box := range st.memberSubs {
		box.push(ev)
	}
	return nil
}

func (m *membership) Members(_ context.Context) ([]domain.Participant, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMembers(s.state(m.session).members), nil
}

func (m *membership) Watch(_ context.Context, fn func(domain.MembershipEvent)) (core.Unsubscribe, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &core.TransportError{Op: "watch members", Err: errClosed}
	}
	st := s.state(m.session)
	box := newMailbox(fn)
	for _, p := range sortedMembers(st.members) {
		box.push(domain.MembershipEvent{Op: domain.MemberAdded, Participant: p})
	}
	id := s.nextSub
	s.nextSub++
	st.memberSubs[id] = box
	return s.unsubscriber(func() {
		delete(st.memberSubs, id)
		box.close()
	}), nil
}

func sortedMembers(set map[domain.ParticipantID]domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

type sessions struct {
	store *Store
}

func (ss *sessions) Get(_ context.Context, id domain.SessionID) (domain.Session, bool, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok || st.record == nil {
		return domain.Session{}, false, nil
	}
	return *st.record, true, nil
}

func (ss *sessions) List(_ context.Context) ([]domain.Session, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		if st.record != nil {
			out = append(out, *st.record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ss *sessions) Start(ctx context.Context, id domain.SessionID, presenter domain.ParticipantID) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, &core.TransportError{Op: "start", Err: err}
	}
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("start"); err != nil {
		return domain.Session{}, err
	}
	st := s.state(id)
	rec := domain.Session{ID: id, PresenterID: presenter, IsLive: true, UpdatedAt: time.Now().UTC()}
	if st.record != nil {
		rec.WhiteboardActive = st.record.WhiteboardActive
	}
	st.log = nil
	for pid, p := range st.members {
		delete(st.members, pid)
		for _, box := range st.memberSubs {
			box.push(domain.MembershipEvent{Op: domain.MemberRemoved, Participant: p})
		}
	}
	ss.publish(st, rec)
	return rec, nil
}

func (ss *sessions) End(ctx context.Context, id domain.SessionID) error {
	return ss.update(ctx, "end", id, func(rec *domain.Session) { rec.IsLive = false })
}

func (ss *sessions) SetWhiteboard(ctx context.Context, id domain.SessionID, active bool) error {
	return ss.update(ctx, "whiteboard", id, func(rec *domain.Session) { rec.WhiteboardActive = active })
}

func (ss *sessions) update(ctx context.Context, op string, id domain.SessionID, mutate func(*domain.Session)) error {
	if err := ctx.Err(); err != nil {
		return &core.TransportError{Op: op, Err: err}
	}
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(op); err != nil {
		return err
	}
	st, ok := s.sessions[id]
	if !ok || st.record == nil {
		return core.ErrSessionNotFound
	}
	rec := *st.record
	mutate(&rec)
	rec.UpdatedAt = time.Now().UTC()
	ss.publish(st, rec)
	return nil
}

// publish must be called with the store lock held.
func (ss *sessions) publish(st *sessionState, rec domain.Session) {
	st.record = &rec
	for _, box := range st.recordSubs {
		box.push(rec)
	}
}

func (ss *sessions) Watch(_ context.Context, id domain.SessionID, fn func(domain.Session)) (core.Unsubscribe, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &core.TransportError{Op: "watch session", Err: errClosed}
	}
	st := s.state(id)
	box := newMailbox(fn)
	if st.record != nil {
		box.push(*st.record)
	}
	subID := s.nextSub
	s.nextSub++
	st.recordSubs[subID] = box
	return s.unsubscriber(func() {
		delete(st.recordSubs, subID)
		box.close()
	}), nil
}
