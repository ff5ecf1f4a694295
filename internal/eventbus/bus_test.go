package eventbus

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"jobmesh/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Post(msg any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func (r *recorder) waitFor(t *testing.T, n int) []any {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func startBus(t *testing.T) *Bus {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := New(logger, domain.WorkerEventTypes()...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return bus
}

var worker1 = domain.WorkerHandle{NodeID: "n1", WorkerID: 1}

func TestCapabilitySubscriberReceivesEveryVariant(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	general := &recorder{}
	resolved, err := bus.Subscribe(ctx, general, TypeOf[domain.WorkerEvent]())
	require.NoError(t, err)
	require.Equal(t, []reflect.Type{domain.WorkerEventType}, resolved)

	events := []any{
		domain.WorkerAvailable{Worker: worker1},
		domain.JobStarted{JobID: 1, Worker: worker1},
		domain.NewJobCompleted(1, worker1, time.Second, "done"),
	}
	for _, e := range events {
		bus.Publish(e)
	}

	require.Equal(t, events, general.waitFor(t, 3))
}

func TestExactTypeSubscriberOnlyReceivesThatType(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	completions := &recorder{}
	_, err := bus.Subscribe(ctx, completions, domain.JobCompletedType)
	require.NoError(t, err)
	jobs := &recorder{}
	_, err = bus.Subscribe(ctx, jobs, TypeOf[domain.JobEvent]())
	require.NoError(t, err)

	bus.Publish(domain.WorkerAvailable{Worker: worker1})
	bus.Publish(domain.JobStarted{JobID: 7, Worker: worker1})
	bus.Publish(domain.NewJobCompleted(7, worker1, time.Second))

	got := completions.waitFor(t, 1)
	jobGot := jobs.waitFor(t, 2)

	// Barrier: a synchronous subscribe is processed after every earlier publish.
	_, err = bus.Subscribe(ctx, &recorder{})
	require.NoError(t, err)

	assert.Len(t, completions.snapshot(), 1)
	assert.IsType(t, domain.JobCompleted{}, got[0])
	assert.Len(t, jobs.snapshot(), 2)
	assert.IsType(t, domain.JobStarted{}, jobGot[0])
}

func TestSubscribeWithoutTypesUsesKnownTypes(t *testing.T) {
	bus := startBus(t)

	sub := &recorder{}
	bus.SubscribeAsync(sub, "corr-1")

	ack := sub.waitFor(t, 1)[0].(Subscribed)
	assert.Equal(t, "corr-1", ack.CorrelationID)
	assert.ElementsMatch(t, domain.WorkerEventTypes(), ack.Types)

	bus.Publish(domain.WorkerTerminated{Worker: worker1, Reason: "boom"})
	got := sub.waitFor(t, 2)
	assert.Equal(t, domain.WorkerTerminated{Worker: worker1, Reason: "boom"}, got[1])
}

func TestOverlappingRegistrationsDeliverOnce(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	sub := &recorder{}
	_, err := bus.Subscribe(ctx, sub, domain.JobCompletedType, domain.JobEventType, domain.WorkerEventType)
	require.NoError(t, err)

	bus.Publish(domain.NewJobCompleted(3, worker1, time.Second))
	_, err = bus.Subscribe(ctx, &recorder{})
	require.NoError(t, err)

	assert.Len(t, sub.waitFor(t, 1), 1)
}

func TestUnsubscribe(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	sub := &recorder{}
	_, err := bus.Subscribe(ctx, sub, domain.WorkerAvailableType, domain.JobStartedType)
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe(ctx, sub, domain.WorkerAvailableType))
	bus.Publish(domain.WorkerAvailable{Worker: worker1})
	bus.Publish(domain.JobStarted{JobID: 1, Worker: worker1})
	sub.waitFor(t, 1)

	require.NoError(t, bus.Unsubscribe(ctx, sub))
	bus.Publish(domain.JobStarted{JobID: 2, Worker: worker1})
	_, err = bus.Subscribe(ctx, &recorder{})
	require.NoError(t, err)

	got := sub.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, domain.JobStarted{JobID: 1, Worker: worker1}, got[0])
}

func TestUnsubscribeAsyncAcknowledges(t *testing.T) {
	bus := startBus(t)

	sub := &recorder{}
	bus.SubscribeAsync(sub, "s")
	bus.UnsubscribeAsync(sub, "u")

	got := sub.waitFor(t, 2)
	assert.Equal(t, "s", got[0].(Subscribed).CorrelationID)
	assert.Equal(t, Unsubscribed{CorrelationID: "u"}, got[1])
}

func TestDeliveryPreservesPublishOrderPerSubscriber(t *testing.T) {
	bus := startBus(t)

	sub := &recorder{}
	_, err := bus.Subscribe(context.Background(), sub)
	require.NoError(t, err)

	for i := 1; i <= 50; i++ {
		bus.Publish(domain.JobStarted{JobID: i, Worker: worker1})
	}
	got := sub.waitFor(t, 50)
	for i, msg := range got {
		assert.Equal(t, i+1, msg.(domain.JobStarted).JobID)
	}
}
