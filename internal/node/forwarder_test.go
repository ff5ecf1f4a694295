package node

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"jobmesh/internal/domain"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/infra/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	localDispatcher  = domain.DispatcherHandle{NodeID: "node-a", Instance: "i-1", Addr: "127.0.0.1:1"}
	remoteDispatcher = domain.DispatcherHandle{NodeID: "node-b", Instance: "i-2", Addr: "127.0.0.1:2"}
	worker1          = domain.WorkerHandle{NodeID: "node-a", WorkerID: 1}
	worker2          = domain.WorkerHandle{NodeID: "node-a", WorkerID: 2}
)

type topicRecorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *topicRecorder) record(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *topicRecorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

type forwarderFixture struct {
	forwarder   *Forwarder
	broadcaster *memory.Broadcaster
	forwarded   *topicRecorder
}

// gatedBroadcaster holds worker-topic publishes until release is closed.
type gatedBroadcaster struct {
	domain.Broadcaster
	entered chan struct{}
	release chan struct{}
}

func newGatedBroadcaster(inner domain.Broadcaster) *gatedBroadcaster {
	return &gatedBroadcaster{Broadcaster: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *gatedBroadcaster) Publish(ctx context.Context, topic string, msg any) error {
	if topic == domain.TopicWorker {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.Broadcaster.Publish(ctx, topic, msg)
}

func startForwarder(t *testing.T, wrap ...func(domain.Broadcaster) domain.Broadcaster) *forwarderFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	bus := eventbus.New(testLogger(), domain.WorkerEventTypes()...)
	broadcaster := memory.NewBroadcaster()
	forwarded := &topicRecorder{}
	require.NoError(t, broadcaster.Subscribe(ctx, domain.TopicWorker, forwarded.record))

	var published domain.Broadcaster = broadcaster
	for _, w := range wrap {
		published = w(published)
	}
	f := NewForwarder("node-a", bus, published, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); bus.Run(ctx) }()
	go func() { defer wg.Done(); _ = f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	select {
	case <-f.Ready():
	case <-time.After(time.Second):
		t.Fatal("forwarder not subscribed")
	}
	require.Equal(t, 1, broadcaster.Subscribers(domain.TopicDispatcher))
	return &forwarderFixture{forwarder: f, broadcaster: broadcaster, forwarded: forwarded}
}

func (fx *forwarderFixture) announce(t *testing.T, h domain.DispatcherHandle) {
	t.Helper()
	require.NoError(t, fx.broadcaster.Publish(context.Background(), domain.TopicDispatcher,
		domain.DispatcherAvailable{Dispatcher: h}))
}

func TestForwarder_StashesUntilDispatcherKnown(t *testing.T) {
	fx := startForwarder(t)

	first := domain.WorkerAvailable{Worker: worker1}
	second := domain.WorkerAvailable{Worker: worker2}
	fx.forwarder.Post(first)
	fx.forwarder.Post(second)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fx.forwarded.all())

	fx.announce(t, remoteDispatcher)
	require.Eventually(t, func() bool { return len(fx.forwarded.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{first, second}, fx.forwarded.all())

	started := domain.JobStarted{JobID: 1, Worker: worker1}
	fx.forwarder.Post(started)
	require.Eventually(t, func() bool { return len(fx.forwarded.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, started, fx.forwarded.all()[2])
}

func TestForwarder_ReplaysStashForLocalDispatcher(t *testing.T) {
	fx := startForwarder(t)

	stashed := domain.WorkerAvailable{Worker: worker1}
	fx.forwarder.Post(stashed)
	fx.announce(t, localDispatcher)

	require.Eventually(t, func() bool { return len(fx.forwarded.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, stashed, fx.forwarded.all()[0])
}

func TestForwarder_SuppressesWhileDispatcherLocal(t *testing.T) {
	fx := startForwarder(t)

	fx.announce(t, localDispatcher)
	fx.forwarder.Post(domain.JobStarted{JobID: 7, Worker: worker1})
	fx.forwarder.Post(domain.NewJobCompleted(7, worker1, time.Second))

	// The dispatcher moves away; from here on events are forwarded again.
	fx.announce(t, remoteDispatcher)
	after := domain.WorkerAvailable{Worker: worker1}
	fx.forwarder.Post(after)

	require.Eventually(t, func() bool { return len(fx.forwarded.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{after}, fx.forwarded.all())
}

func TestForwarder_SlowPublishDoesNotStallEvents(t *testing.T) {
	var gate *gatedBroadcaster
	fx := startForwarder(t, func(b domain.Broadcaster) domain.Broadcaster {
		gate = newGatedBroadcaster(b)
		return gate
	})
	fx.announce(t, remoteDispatcher)

	events := []any{
		domain.WorkerAvailable{Worker: worker1},
		domain.JobStarted{JobID: 3, Worker: worker1},
		domain.NewJobCompleted(3, worker1, time.Second),
	}
	for _, e := range events {
		fx.forwarder.Post(e)
	}

	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("no publish attempted")
	}
	require.Eventually(t, func() bool { return fx.forwarder.mailbox.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, fx.forwarded.all())

	close(gate.release)
	require.Eventually(t, func() bool { return len(fx.forwarded.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, events, fx.forwarded.all())
}
