// Package status derives the single user-facing connection status of a
// participant.
//
// Lost links are rebuilt rather than resumed, so a status only moves
// forward within one link generation: connecting, connected, then
// disconnected or failed, then closed. Reset starts a new generation at
// connecting. Closed is terminal.
package status

import (
	"sync"

	"github.com/dkeye/Classroom/internal/app/peer"
)

type Status string

const (
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Disconnected Status = "disconnected"
	Failed       Status = "failed"
	Closed       Status = "closed"
)

func (s Status) rank() int {
	switch s {
	case Connecting:
		return 0
	case Connected:
		return 1
	case Disconnected, Failed:
		return 2
	case Closed:
		return 3
	}
	return -1
}

// FromLink maps a link state to a status. Closed links map to ok=false:
// a closed link ends a generation, not the participant's session.
func FromLink(s peer.State) (Status, bool) {
	switch s {
	case peer.StateNew, peer.StateConnecting:
		return Connecting, true
	case peer.StateConnected:
		return Connected, true
	case peer.StateDisconnected:
		return Disconnected, true
	case peer.StateFailed:
		return Failed, true
	}
	return "", false
}

const subscriberBuffer = 8

type Model struct {
	mu         sync.Mutex
	current    Status
	generation int
	subs       map[int]chan Status
	nextID     int
}

func New() *Model {
	return &Model{current: Connecting, subs: make(map[int]chan Status)}
}

func (m *Model) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Degraded reports whether connectivity was lost in the current generation.
func (m *Model) Degraded() bool {
	s := m.Current()
	return s == Disconnected || s == Failed
}

func (m *Model) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Set moves to next if that is forward of the current status. Disconnected
// may still escalate to failed.
func (m *Model) Set(next Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current
	if cur == Closed || next.rank() < 0 {
		return false
	}
	forward := next.rank() > cur.rank() || (cur == Disconnected && next == Failed)
	if !forward {
		return false
	}
	m.setLocked(next)
	return true
}

// Reset starts a new link generation at connecting.
func (m *Model) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Closed {
		return false
	}
	m.generation++
	if m.current != Connecting {
		m.setLocked(Connecting)
	}
	return true
}

// Close moves to closed and ends every subscription.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Closed {
		return
	}
	m.setLocked(Closed)
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// Subscribe returns a channel that first yields the current status and then
// every change. A slow reader loses intermediate values, never the latest.
// The channel is closed after Closed is delivered or on cancel.
func (m *Model) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Status, subscriberBuffer)
	ch <- m.current
	if m.current == Closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				close(c)
				delete(m.subs, id)
			}
		})
	}
}

func (m *Model) setLocked(s Status) {
	m.current = s
	for _, ch := range m.subs {
		publish(ch, s)
	}
}

func publish(ch chan Status, s Status) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
