package etcd

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.uber.org/goleak"

	"jobmesh/internal/domain"
)

type scriptedWatch struct {
	rev  int64
	ch   chan clientv3.WatchResponse
	once sync.Once
}

func (w *scriptedWatch) close() { w.once.Do(func() { close(w.ch) }) }

// scriptedWatcher hands out watches the test feeds and closes by hand.
type scriptedWatcher struct {
	mu      sync.Mutex
	watches []*scriptedWatch
}

func (w *scriptedWatcher) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	sw := &scriptedWatch{rev: clientv3.OpGet(key, opts...).Rev(), ch: make(chan clientv3.WatchResponse, 4)}
	context.AfterFunc(ctx, sw.close)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches = append(w.watches, sw)
	return sw.ch
}

func (w *scriptedWatcher) RequestProgress(context.Context) error { return nil }
func (w *scriptedWatcher) Close() error                          { return nil }

func (w *scriptedWatcher) opened() []*scriptedWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*scriptedWatch(nil), w.watches...)
}

func putEvent(t *testing.T, rev int64, msg any) *clientv3.Event {
	t.Helper()
	data, err := domain.EncodeMessage(msg)
	require.NoError(t, err)
	return &clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte(topicPrefix(domain.TopicWorker) + "k"), Value: data, ModRevision: rev},
	}
}

func TestBroadcaster_WatchResumesAfterLastRevision(t *testing.T) {
	defer goleak.VerifyNone(t)

	watcher := &scriptedWatcher{}
	b := &Broadcaster{
		watcher:      watcher,
		rewatchDelay: time.Millisecond,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:       otel.Tracer("test"),
	}

	var mu sync.Mutex
	var got []any
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.watch(ctx, domain.TopicWorker, 10, func(msg any) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		})
	}()
	received := func() []any {
		mu.Lock()
		defer mu.Unlock()
		return append([]any(nil), got...)
	}
	waitForWatches := func(n int) []*scriptedWatch {
		require.Eventually(t, func() bool { return len(watcher.opened()) == n }, time.Second, time.Millisecond)
		return watcher.opened()
	}

	first := domain.WorkerAvailable{Worker: domain.WorkerHandle{NodeID: "node-a", WorkerID: 1}}
	second := domain.JobStarted{JobID: 1, Worker: domain.WorkerHandle{NodeID: "node-a", WorkerID: 1}}

	// Leader loss: the watch closes without an error and is reopened after
	// the last delivered revision.
	watches := waitForWatches(1)
	watches[0].ch <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent(t, 12, first)}}
	watches[0].close()

	watches = waitForWatches(2)
	assert.Equal(t, []int64{10, 13}, []int64{watches[0].rev, watches[1].rev})
	watches[1].ch <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent(t, 15, second)}}
	require.Eventually(t, func() bool { return len(received()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []any{first, second}, received())

	// Compaction: the watch resumes at the compacted revision.
	watches[1].ch <- clientv3.WatchResponse{CompactRevision: 20, Canceled: true}
	watches[1].close()
	watches = waitForWatches(3)
	assert.Equal(t, int64(20), watches[2].rev)

	cancel()
	<-done
	assert.Len(t, watcher.opened(), 3)
}
