// Package memory holds in-process implementations of the cluster
// collaborators, used by standalone nodes and by tests.
package memory

import (
	"context"
	"sync"
)

// Broadcaster is an in-process domain.Broadcaster. Handlers run synchronously
// on the publisher's goroutine, in subscription order.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]func(any)
	order  map[string][]int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		topics: make(map[string]map[int]func(any)),
		order:  make(map[string][]int),
	}
}

// Publish delivers msg to every current subscriber of topic.
func (b *Broadcaster) Publish(ctx context.Context, topic string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]func(any), 0, len(b.order[topic]))
	for _, id := range b.order[topic] {
		if h, ok := b.topics[topic][id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers handler for topic until ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string, handler func(msg any)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]func(any))
	}
	b.topics[topic][id] = handler
	b.order[topic] = append(b.order[topic], id)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
		ids := b.order[topic]
		for i, v := range ids {
			if v == id {
				b.order[topic] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
