package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrReplaced is the cancel cause of a connection superseded by a newer
// one of the same participant.
var ErrReplaced = errors.New("connection replaced")

// ClientID identifies one bridge connection (the client token cookie).
type ClientID string

// Binding identifies one Bind call. A reconnect may reuse the ClientID.
type Binding uint64

type clientEntry struct {
	binding     Binding
	Session     domain.SessionID
	Participant domain.Participant
	Cancel      context.CancelCauseFunc
}

// ClientSnap is a read-only view of a registered connection.
type ClientSnap struct {
	ID          ClientID           `json:"id"`
	Session     domain.SessionID   `json:"session"`
	Participant domain.Participant `json:"participant"`
}

// Registry tracks live bridge connections. A participant holds at most one
// connection per session.
type Registry struct {
	mu      sync.RWMutex
	clients map[ClientID]*clientEntry
	seq     Binding
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[ClientID]*clientEntry)}
}

// Bind registers a connection. Older connections of the same client or of
// the same participant in the same session are cancelled with ErrReplaced.
func (r *Registry) Bind(id ClientID, session domain.SessionID, p domain.Participant, cancel context.CancelCauseFunc) Binding {
	r.mu.Lock()
	r.seq++
	b := r.seq
	var displaced []*clientEntry
	for cid, e := range r.clients {
		if cid == id || (e.Session == session && e.Participant.ID == p.ID) {
			displaced = append(displaced, e)
			delete(r.clients, cid)
		}
	}
	r.clients[id] = &clientEntry{binding: b, Session: session, Participant: p, Cancel: cancel}
	r.mu.Unlock()

	for _, e := range displaced {
		e.Cancel(ErrReplaced)
	}
	log.Info().
		Str("module", "app.registry").
		Str("client", string(id)).
		Str("session", string(session)).
		Str("participant", string(p.ID)).
		Int("replaced", len(displaced)).
		Msg("bound client")
	return b
}

// Unbind removes id if it is still held by binding b.
func (r *Registry) Unbind(id ClientID, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[id]; ok && e.binding == b {
		delete(r.clients, id)
		log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("unbind client")
	}
}

func (r *Registry) Get(id ClientID) (ClientSnap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok {
		return ClientSnap{}, false
	}
	return ClientSnap{ID: id, Session: e.Session, Participant: e.Participant}, true
}

func (r *Registry) ClientsOfSession(session domain.SessionID) []ClientSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientSnap, 0, len(r.clients))
	for id, e := range r.clients {
		if e.Session == session {
			out = append(out, ClientSnap{ID: id, Session: e.Session, Participant: e.Participant})
		}
	}
	return out
}

// Cancel closes the connection with cause.
func (r *Registry) Cancel(id ClientID, cause error) bool {
	r.mu.RLock()
	e, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.Cancel(cause)
	log.Info().Str("module", "app.registry").Str("client", string(id)).AnErr("cause", cause).Msg("canceled client")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
