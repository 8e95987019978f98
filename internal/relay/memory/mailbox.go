package memory

import "sync"

// mailbox delivers values to fn one at a time, in push order, on its own
// goroutine, so writers never block on slow subscribers.
type mailbox[T any] struct {
	fn func(T)

	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox[T any](fn func(T)) *mailbox[T] {
	m := &mailbox[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox[T]) loop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			m.fn(v)
		}
	}
}
