// Package eventbus is the per-node worker event bus: a typed publish/subscribe
// registry where a subscription to an interface type receives every event
// that implements it.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"jobmesh/internal/actor"
)

// Subscriber receives published events and acknowledgements. Implementations
// must be comparable (pointer types) and Post must not block.
type Subscriber interface {
	Post(msg any) bool
}

// Subscribed acknowledges a subscription with the resolved set of types.
type Subscribed struct {
	CorrelationID string
	Types         []reflect.Type
}

// Unsubscribed acknowledges an unsubscription. Types is empty when every
// registration of the subscriber was removed.
type Unsubscribed struct {
	CorrelationID string
	Types         []reflect.Type
}

type subscribeMsg struct {
	subscriber    Subscriber
	types         []reflect.Type
	correlationID string
	reply         chan []reflect.Type
}

type unsubscribeMsg struct {
	subscriber    Subscriber
	types         []reflect.Type
	correlationID string
	reply         chan []reflect.Type
}

type publishMsg struct {
	event any
}

// Bus is a node-local event bus. Its registry is owned by its run loop and
// changes only through Subscribe and Unsubscribe messages.
type Bus struct {
	known   []reflect.Type
	mailbox *actor.Mailbox
	logger  *slog.Logger
	stopped chan struct{}

	registry map[Subscriber]map[reflect.Type]struct{}
}

// New creates a bus. known is the set of types a subscription without explicit
// types resolves to.
func New(logger *slog.Logger, known ...reflect.Type) *Bus {
	return &Bus{
		known:    append([]reflect.Type(nil), known...),
		mailbox:  actor.NewMailbox(),
		logger:   logger.With("component", "worker-event-bus"),
		stopped:  make(chan struct{}),
		registry: make(map[Subscriber]map[reflect.Type]struct{}),
	}
}

// TypeOf returns the classifier for T. For an interface T it selects every
// event implementing T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Run processes bus messages until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)
	b.logger.Info("worker event bus started")
	b.mailbox.Run(ctx, b.handle)
	b.logger.Info("worker event bus stopped")
}

// Publish delivers event to every subscriber registered for its type or for
// an interface it implements.
func (b *Bus) Publish(event any) {
	b.mailbox.Post(publishMsg{event: event})
}

// Post lets other components hand events to the bus as if it were any other
// subscriber, e.g. when chaining buses.
func (b *Bus) Post(msg any) bool {
	return b.mailbox.Post(publishMsg{event: msg})
}

// Subscribe registers subscriber and waits for the registration to take
// effect. No types means every known type.
func (b *Bus) Subscribe(ctx context.Context, subscriber Subscriber, types ...reflect.Type) ([]reflect.Type, error) {
	reply := make(chan []reflect.Type, 1)
	b.mailbox.Post(subscribeMsg{subscriber: subscriber, types: types, reply: reply})
	return b.await(ctx, reply)
}

// SubscribeAsync registers subscriber without waiting; the subscriber receives
// a Subscribed acknowledgement carrying correlationID.
func (b *Bus) SubscribeAsync(subscriber Subscriber, correlationID string, types ...reflect.Type) {
	b.mailbox.Post(subscribeMsg{subscriber: subscriber, types: types, correlationID: correlationID})
}

// Unsubscribe removes the given registrations of subscriber, or all of them
// when no types are given, and waits for it to take effect.
func (b *Bus) Unsubscribe(ctx context.Context, subscriber Subscriber, types ...reflect.Type) error {
	reply := make(chan []reflect.Type, 1)
	b.mailbox.Post(unsubscribeMsg{subscriber: subscriber, types: types, reply: reply})
	_, err := b.await(ctx, reply)
	return err
}

// UnsubscribeAsync is the fire-and-forget form of Unsubscribe; the subscriber
// receives an Unsubscribed acknowledgement.
func (b *Bus) UnsubscribeAsync(subscriber Subscriber, correlationID string, types ...reflect.Type) {
	b.mailbox.Post(unsubscribeMsg{subscriber: subscriber, types: types, correlationID: correlationID})
}

func (b *Bus) await(ctx context.Context, reply <-chan []reflect.Type) ([]reflect.Type, error) {
	select {
	case types := <-reply:
		return types, nil
	case <-b.stopped:
		return nil, fmt.Errorf("worker event bus stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) handle(msg any) {
	switch m := msg.(type) {
	case subscribeMsg:
		types := m.types
		if len(types) == 0 {
			types = b.known
		}
		b.addSubscriber(m.subscriber, types)
		resolved := append([]reflect.Type(nil), types...)
		if m.reply != nil {
			m.reply <- resolved
		} else {
			m.subscriber.Post(Subscribed{CorrelationID: m.correlationID, Types: resolved})
		}
	case unsubscribeMsg:
		if len(m.types) == 0 {
			delete(b.registry, m.subscriber)
		} else {
			b.removeSubscriber(m.subscriber, m.types)
		}
		removed := append([]reflect.Type(nil), m.types...)
		if m.reply != nil {
			m.reply <- removed
		} else {
			m.subscriber.Post(Unsubscribed{CorrelationID: m.correlationID, Types: removed})
		}
	case publishMsg:
		b.publish(m.event)
	default:
		b.logger.Warn("worker event bus received unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (b *Bus) addSubscriber(subscriber Subscriber, types []reflect.Type) {
	set, ok := b.registry[subscriber]
	if !ok {
		set = make(map[reflect.Type]struct{}, len(types))
		b.registry[subscriber] = set
	}
	for _, t := range types {
		set[t] = struct{}{}
	}
}

func (b *Bus) removeSubscriber(subscriber Subscriber, types []reflect.Type) {
	set, ok := b.registry[subscriber]
	if !ok {
		return
	}
	for _, t := range types {
		delete(set, t)
	}
	if len(set) == 0 {
		delete(b.registry, subscriber)
	}
}

func (b *Bus) publish(event any) {
	if event == nil {
		return
	}
	eventType := reflect.TypeOf(event)
	for subscriber, types := range b.registry {
		for t := range types {
			if matches(eventType, t) {
				subscriber.Post(event)
				break
			}
		}
	}
}

// matches reports whether an event of type eventType is selected by the
// classifier: the exact type, or an interface the event satisfies.
func matches(eventType, classifier reflect.Type) bool {
	if eventType == classifier {
		return true
	}
	return classifier.Kind() == reflect.Interface && eventType.Implements(classifier)
}
