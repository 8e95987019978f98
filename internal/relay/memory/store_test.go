package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

type collector[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func waitLen[T any](t *testing.T, c *collector[T], n int) []T {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := c.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("want %d values, got %d: %+v", n, len(got), got)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSignalsAreTargetedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	var got collector[domain.Envelope]
	unsub, err := s.Signals("math", "v1").Subscribe(ctx, got.add)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	p := s.Signals("math", "teacher")
	_ = p.Send(ctx, "v1", domain.KindOffer, "o")
	_ = p.Send(ctx, "v2", domain.KindOffer, "other")
	_ = p.Send(ctx, "v1", domain.KindCandidate, "c1")
	_ = s.Signals("art", "teacher").Send(ctx, "v1", domain.KindOffer, "wrong session")

	envs := waitLen(t, &got, 2)
	time.Sleep(10 * time.Millisecond)
	if n := len(got.snapshot()); n != 2 {
		t.Fatalf("received %d envelopes", n)
	}
	if envs[0].Payload != "o" || envs[1].Payload != "c1" {
		t.Fatalf("order: %+v", envs)
	}
	if envs[0].Sender != "teacher" || envs[0].ID == "" || envs[0].ID == envs[1].ID {
		t.Fatalf("envelope metadata: %+v", envs[0])
	}
}

func TestSubscribeDoesNotReplay(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()
	_ = s.Signals("math", "teacher").Send(ctx, "v1", domain.KindOffer, "old")

	var got collector[domain.Envelope]
	unsub, _ := s.Signals("math", "v1").Subscribe(ctx, got.add)
	defer unsub()
	_ = s.Signals("math", "teacher").Send(ctx, "v1", domain.KindOffer, "new")

	envs := waitLen(t, &got, 1)
	if envs[0].Payload != "new" {
		t.Fatalf("replayed %+v", envs[0])
	}
}

func TestUnsubscribeFromCallback(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()

	done := make(chan struct{})
	var unsub core.Unsubscribe
	var once sync.Once
	unsub, _ = s.Signals("math", "v1").Subscribe(ctx, func(domain.Envelope) {
		once.Do(func() {
			unsub()
			close(done)
		})
	})
	_ = s.Signals("math", "teacher").Send(ctx, "v1", domain.KindOffer, "x")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe from callback deadlocked")
	}
	unsub()
}

func TestMembershipWatch(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()
	m := s.Membership("math")
	_ = m.Announce(ctx, domain.Participant{ID: "v1", DisplayName: "Ann"})

	var got collector[domain.MembershipEvent]
	unsub, _ := m.Watch(ctx, got.add)
	defer unsub()

	_ = m.Announce(ctx, domain.Participant{ID: "v2", DisplayName: "Bob"})
	_ = m.Withdraw(ctx, "v1")
	_ = m.Withdraw(ctx, "ghost")

	evs := waitLen(t, &got, 3)
	if evs[0].Op != domain.MemberAdded || evs[0].Participant.ID != "v1" {
		t.Fatalf("snapshot event %+v", evs[0])
	}
	if evs[1].Op != domain.MemberAdded || evs[1].Participant.ID != "v2" {
		t.Fatalf("add event %+v", evs[1])
	}
	if evs[2].Op != domain.MemberRemoved || evs[2].Participant.ID != "v1" {
		t.Fatalf("remove event %+v", evs[2])
	}
	members, _ := m.Members(ctx)
	if len(members) != 1 || members[0].ID != "v2" {
		t.Fatalf("members %+v", members)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()
	ss := s.Sessions()

	if err := ss.End(ctx, "math"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("end unknown: %v", err)
	}

	var got collector[domain.Session]
	unsub, _ := ss.Watch(ctx, "math", got.add)
	defer unsub()

	_ = s.Signals("math", "teacher").Send(ctx, "v1", domain.KindOffer, "stale")
	_ = s.Membership("math").Announce(ctx, domain.Participant{ID: "v1"})
	rec, err := ss.Start(ctx, "math", "teacher")
	if err != nil || !rec.IsLive || rec.PresenterID != "teacher" {
		t.Fatalf("start: %+v %v", rec, err)
	}
	if len(s.Log("math")) != 0 {
		t.Fatal("start kept the old signal log")
	}
	if members, _ := s.Membership("math").Members(ctx); len(members) != 0 {
		t.Fatal("start kept the old roster")
	}

	_ = ss.SetWhiteboard(ctx, "math", true)
	_ = ss.End(ctx, "math")

	recs := waitLen(t, &got, 3)
	if !recs[0].IsLive || !recs[1].WhiteboardActive || recs[2].IsLive {
		t.Fatalf("records %+v", recs)
	}
	if !recs[2].Ended(recs[1]) {
		t.Fatal("last record is not an end")
	}
	list, _ := ss.List(ctx)
	if len(list) != 1 || list[0].ID != "math" {
		t.Fatalf("list %+v", list)
	}
}

func TestStartClearsRosterWithRemovals(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()
	m := s.Membership("math")
	_ = m.Announce(ctx, domain.Participant{ID: "v1"})
	_ = m.Announce(ctx, domain.Participant{ID: "v2"})

	var got collector[domain.MembershipEvent]
	unsub, _ := m.Watch(ctx, got.add)
	defer unsub()
	if _, err := s.Sessions().Start(ctx, "math", "teacher"); err != nil {
		t.Fatalf("start: %v", err)
	}
	evs := waitLen(t, &got, 4)
	for _, ev := range evs[2:] {
		if ev.Op != domain.MemberRemoved {
			t.Fatalf("event after start = %+v", ev)
		}
	}
}

func TestWriteErrorIsTransportError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer s.Close()
	s.SetWriteError(errors.New("down"))

	err := s.Signals("math", "teacher").Send(ctx, "v1", domain.KindOffer, "x")
	if !core.IsTransport(err) {
		t.Fatalf("send: %v", err)
	}
	if err := s.Membership("math").Announce(ctx, domain.Participant{ID: "v1"}); !core.IsTransport(err) {
		t.Fatalf("announce: %v", err)
	}
	s.SetWriteError(nil)
	if err := s.Signals("math", "teacher").Send(ctx, "v1", domain.KindOffer, "x"); err != nil {
		t.Fatalf("send after reset: %v", err)
	}
}
