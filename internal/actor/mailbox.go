// Package actor provides the mailbox every jobmesh component runs on: an
// unbounded FIFO drained by exactly one goroutine, so component state is only
// ever touched from inside its own run loop.
package actor

import (
	"context"
	"sync"

	"github.com/edwingeng/deque"
)

// Mailbox is an unbounded message queue consumed by a single Run loop.
type Mailbox struct {
	mu     sync.Mutex
	queue  deque.Deque
	notify chan struct{}
	closed bool
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		queue:  deque.NewDeque(),
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues msg without blocking. It reports false once the mailbox has
// been closed by its run loop exiting.
func (m *Mailbox) Post(msg any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.PushBack(msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued, unprocessed messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Run hands queued messages to handle one at a time, in post order, until ctx
// is done. The mailbox is closed when Run returns; messages still queued at
// that point are discarded.
func (m *Mailbox) Run(ctx context.Context, handle func(msg any)) {
	defer m.close()

	for {
		for {
			if ctx.Err() != nil {
				return
			}
			msg, ok := m.next()
			if !ok {
				break
			}
			handle(msg)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		}
	}
}

func (m *Mailbox) next() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Empty() {
		return nil, false
	}
	return m.queue.PopFront(), true
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue.PopManyFront(0)
}
