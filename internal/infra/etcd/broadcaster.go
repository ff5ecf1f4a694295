// internal/infra/etcd/broadcaster.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/domain"
)

// Broadcaster is a domain.Broadcaster over etcd. Every message is a key
// under /jobmesh/topics/<topic>/ attached to a short lease, and subscribers
// prefix-watch their topic. Keys expire on their own, so the topic space
// only holds recent traffic.
type Broadcaster struct {
	client       *clientv3.Client
	watcher      clientv3.Watcher
	ttl          int64
	rewatchDelay time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewBroadcaster creates a broadcaster whose messages live for ttl.
func NewBroadcaster(client *clientv3.Client, ttl time.Duration, logger *slog.Logger) *Broadcaster {
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return &Broadcaster{
		client:       client,
		watcher:      client,
		ttl:          seconds,
		rewatchDelay: 500 * time.Millisecond,
		logger:       logger.With("component", "etcd-broadcaster"),
		tracer:       otel.Tracer("jobmesh-etcd-broadcaster"),
	}
}

func topicPrefix(topic string) string {
	return TopicPrefix + topic + "/"
}

// Publish writes msg under a fresh key of topic.
func (b *Broadcaster) Publish(ctx context.Context, topic string, msg any) error {
	ctx, span := b.tracer.Start(ctx, "broadcaster.etcd.Publish")
	defer span.End()

	data, err := domain.EncodeMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode message")
		return err
	}

	key := topicPrefix(topic) + uuid.NewString()
	span.SetAttributes(attribute.String("topic", topic), attribute.String("etcd.key", key))

	lease, err := b.client.Grant(ctx, b.ttl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to grant lease")
		return fmt.Errorf("failed to grant lease for topic %s: %w", topic, err)
	}
	if _, err := b.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put message")
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe watches topic from the current revision until ctx is done.
// Messages already in the topic when Subscribe is called are not replayed.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string, handler func(msg any)) error {
	resp, err := b.client.Get(ctx, topicPrefix(topic), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("failed to read revision of topic %s: %w", topic, err)
	}

	go b.watch(ctx, topic, resp.Header.Revision+1, handler)
	return nil
}

// watch delivers topic messages from revision rev on. A watch closed by etcd
// (leader loss, compaction) is reopened after the last revision delivered.
func (b *Broadcaster) watch(ctx context.Context, topic string, rev int64, handler func(msg any)) {
	prefix := topicPrefix(topic)
	logger := b.logger.With("topic", topic)

	for {
		watchChan := b.watcher.Watch(clientv3.WithRequireLeader(ctx), prefix,
			clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithFilterDelete())

		for watchResp := range watchChan {
			if watchResp.CompactRevision > rev {
				logger.Warn("topic compacted past last seen revision, messages lost",
					"from_revision", rev, "compact_revision", watchResp.CompactRevision)
				rev = watchResp.CompactRevision
			}
			if err := watchResp.Err(); err != nil {
				logger.Error("topic watch failed", "error", err)
				continue
			}
			for _, ev := range watchResp.Events {
				rev = ev.Kv.ModRevision + 1
				msg, err := domain.DecodeMessage(ev.Kv.Value)
				if err != nil {
					logger.Warn("dropping undecodable message", "key", string(ev.Kv.Key), "error", err)
					continue
				}
				handler(msg)
			}
		}

		if ctx.Err() != nil {
			logger.Debug("topic subscription ended")
			return
		}
		logger.Warn("topic watch closed, watching again", "from_revision", rev)

		timer := time.NewTimer(b.rewatchDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("topic subscription ended")
			return
		case <-timer.C:
		}
	}
}
