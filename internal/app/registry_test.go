package app

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Classroom/internal/domain"
)

func TestBindReplacesSameParticipant(t *testing.T) {
	r := NewRegistry()
	alice := domain.Participant{ID: "alice", Role: domain.RoleViewer}

	ctx1, cancel1 := context.WithCancelCause(context.Background())
	b1 := r.Bind("tab-1", "math", alice, cancel1)
	ctx2, cancel2 := context.WithCancelCause(context.Background())
	b2 := r.Bind("tab-2", "math", alice, cancel2)

	if !errors.Is(context.Cause(ctx1), ErrReplaced) {
		t.Errorf("first connection cause = %v", context.Cause(ctx1))
	}
	if ctx2.Err() != nil {
		t.Error("second connection cancelled")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d", r.Count())
	}

	// stale unbind from the first connection must not remove the second
	r.Unbind("tab-1", b1)
	if _, ok := r.Get("tab-2"); !ok {
		t.Error("second connection unbound")
	}
	r.Unbind("tab-2", b2)
	if r.Count() != 0 {
		t.Errorf("count after unbind = %d", r.Count())
	}
}

func TestRebindSameClientID(t *testing.T) {
	r := NewRegistry()
	alice := domain.Participant{ID: "alice"}
	ctx1, cancel1 := context.WithCancelCause(context.Background())
	old := r.Bind("tab", "math", alice, cancel1)
	r.Bind("tab", "math", alice, func(error) {})

	if !errors.Is(context.Cause(ctx1), ErrReplaced) {
		t.Errorf("old connection cause = %v", context.Cause(ctx1))
	}
	r.Unbind("tab", old)
	if r.Count() != 1 {
		t.Error("stale unbind removed the new binding")
	}
}

func TestClientsOfSession(t *testing.T) {
	r := NewRegistry()
	noop := func(error) {}
	r.Bind("a", "math", domain.Participant{ID: "alice"}, noop)
	r.Bind("b", "math", domain.Participant{ID: "bob"}, noop)
	r.Bind("c", "art", domain.Participant{ID: "carol"}, noop)

	if n := len(r.ClientsOfSession("math")); n != 2 {
		t.Errorf("math clients = %d", n)
	}
	if !r.Cancel("c", errors.New("kicked")) {
		t.Error("cancel of bound client failed")
	}
	if r.Cancel("zzz", nil) {
		t.Error("cancel of unknown client succeeded")
	}
}

func TestSimplePolicy(t *testing.T) {
	var p SimplePolicy
	if p.OnBackPressure("s", domain.Participant{}, "pong") != DropFrame {
		t.Error("pong not dropped")
	}
	if p.OnBackPressure("s", domain.Participant{}, "signal") != KickMember {
		t.Error("signal backpressure does not kick")
	}
}
