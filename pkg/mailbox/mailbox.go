// Package mailbox provides an unbounded FIFO queue with a single blocking
// consumer. Producers never block, which makes it safe to push from
// callbacks that must return quickly.
package mailbox

import (
	"sync"
)

type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	wake chan struct{}
	done chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends v. It returns false if the mailbox has been closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	return true
}

// Pop blocks until an item is available or the mailbox is closed. Items
// still queued at close are discarded.
func (m *Mailbox[T]) Pop() (T, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()

			var zero T
			return zero, false
		}

		if len(m.items) > 0 {
			v := m.items[0]

			var zero T
			m.items[0] = zero
			m.items = m.items[1:]

			m.mu.Unlock()
			return v, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.done:
		}
	}
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	m.items = nil
	close(m.done)
}

func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}
