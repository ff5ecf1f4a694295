// Package node composes the per-node components of a jobmesh cluster.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edwingeng/deque"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/master"
	"jobmesh/internal/metrics"
)

const forwardTimeout = 5 * time.Second

type dispatcherSeen struct {
	announcement domain.DispatcherAvailable
}

// Forwarder relays the node's worker events to the cluster worker topic, but
// only while the dispatcher runs on another node; a co-located dispatcher
// sees them on the bus already. Events seen before the dispatcher's location
// is known are stashed and replayed once it is.
type Forwarder struct {
	nodeID      string
	bus         master.EventSource
	broadcaster domain.Broadcaster
	logger      *slog.Logger
	mailbox     *actor.Mailbox
	outbox      *actor.Mailbox
	ready       chan struct{}

	dispatcher *domain.DispatcherHandle
	stash      deque.Deque
}

// NewForwarder creates the forwarder of node nodeID.
func NewForwarder(nodeID string, bus master.EventSource, broadcaster domain.Broadcaster, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		nodeID:      nodeID,
		bus:         bus,
		broadcaster: broadcaster,
		logger:      logger.With("component", "worker-event-forwarder", "node_id", nodeID),
		mailbox:     actor.NewMailbox(),
		outbox:      actor.NewMailbox(),
		ready:       make(chan struct{}),
		stash:       deque.NewDeque(),
	}
}

// Ready is closed once the forwarder listens for dispatcher announcements.
func (f *Forwarder) Ready() <-chan struct{} { return f.ready }

// Post receives bus events.
func (f *Forwarder) Post(msg any) bool {
	return f.mailbox.Post(msg)
}

// Run forwards events until ctx is done. Events are published in the order
// they were seen, from an outbox drained off the run loop.
func (f *Forwarder) Run(ctx context.Context) error {
	if _, err := f.bus.Subscribe(ctx, f, domain.WorkerEventType); err != nil {
		return fmt.Errorf("failed to subscribe forwarder to worker events: %w", err)
	}
	err := f.broadcaster.Subscribe(ctx, domain.TopicDispatcher, func(msg any) {
		if a, ok := msg.(domain.DispatcherAvailable); ok {
			f.mailbox.Post(dispatcherSeen{announcement: a})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe forwarder to %q: %w", domain.TopicDispatcher, err)
	}
	close(f.ready)

	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		f.outbox.Run(ctx, func(msg any) { f.forward(ctx, msg) })
	}()

	f.mailbox.Run(ctx, f.receive)
	<-outboxDone

	unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = f.bus.Unsubscribe(unsubCtx, f)
	return nil
}

func (f *Forwarder) receive(msg any) {
	switch m := msg.(type) {
	case dispatcherSeen:
		f.onDispatcher(m.announcement.Dispatcher)
	case domain.WorkerEvent:
		f.onWorkerEvent(m)
	default:
		f.logger.Warn("forwarder received unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (f *Forwarder) onDispatcher(h domain.DispatcherHandle) {
	if f.dispatcher == nil || *f.dispatcher != h {
		f.logger.Info("dispatcher location updated", "dispatcher", h.String(), "local", h.NodeID == f.nodeID)
	}
	f.dispatcher = &h

	if n := f.stash.Len(); n > 0 {
		// The dispatcher also listens on the topic, so stashed events are
		// replayed there wherever it runs.
		f.logger.Info("replaying stashed worker events", "count", n)
		for !f.stash.Empty() {
			f.publish(f.stash.PopFront())
		}
	}
}

func (f *Forwarder) onWorkerEvent(event domain.WorkerEvent) {
	switch {
	case f.dispatcher == nil:
		f.stash.PushBack(event)
	case f.dispatcher.NodeID != f.nodeID:
		f.publish(event)
	}
}

func (f *Forwarder) publish(event any) {
	f.outbox.Post(event)
}

func (f *Forwarder) forward(ctx context.Context, event any) {
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := f.broadcaster.Publish(ctx, domain.TopicWorker, event); err != nil {
		f.logger.Error("failed to forward worker event", "type", fmt.Sprintf("%T", event), "error", err)
		return
	}
	metrics.ForwardedEventsTotal.WithLabelValues(f.nodeID).Inc()
}

var _ eventbus.Subscriber = (*Forwarder)(nil)
