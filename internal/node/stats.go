package node

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/metrics"
)

// AsyncEventSource is a bus that acknowledges subscriptions with a message.
type AsyncEventSource interface {
	SubscribeAsync(subscriber eventbus.Subscriber, correlationID string, types ...reflect.Type)
}

type collectTick struct{}

type statsQuery struct {
	reply chan domain.NodeStats
}

// StatsCollector counts worker activity seen on the node's bus and publishes
// a NodeStats snapshot every interval.
type StatsCollector struct {
	nodeID   string
	bus      AsyncEventSource
	capacity func() int
	clock    clockwork.Clock
	interval time.Duration
	logger   *slog.Logger
	mailbox  *actor.Mailbox
	latest   atomic.Pointer[domain.NodeStats]

	available     map[domain.WorkerHandle]struct{}
	active        map[domain.WorkerHandle]struct{}
	completed     int
	totalExecTime time.Duration
	timer         clockwork.Timer
}

// NewStatsCollector creates a collector. capacity reports the node's live
// worker slots.
func NewStatsCollector(nodeID string, bus AsyncEventSource, capacity func() int, clock clockwork.Clock, interval time.Duration, logger *slog.Logger) *StatsCollector {
	return &StatsCollector{
		nodeID:    nodeID,
		bus:       bus,
		capacity:  capacity,
		clock:     clock,
		interval:  interval,
		logger:    logger.With("component", "stats-collector", "node_id", nodeID),
		mailbox:   actor.NewMailbox(),
		available: make(map[domain.WorkerHandle]struct{}),
		active:    make(map[domain.WorkerHandle]struct{}),
	}
}

// Post receives bus events and acknowledgements.
func (c *StatsCollector) Post(msg any) bool {
	return c.mailbox.Post(msg)
}

// Run collects until ctx is done.
func (c *StatsCollector) Run(ctx context.Context) {
	c.bus.SubscribeAsync(c, "stats-"+uuid.NewString(), domain.WorkerEventType)
	c.schedule()
	c.mailbox.Run(ctx, c.receive)
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Latest returns the last published snapshot.
func (c *StatsCollector) Latest() domain.NodeStats {
	if s := c.latest.Load(); s != nil {
		return *s
	}
	return domain.NodeStats{NodeID: c.nodeID}
}

// Collect computes a fresh snapshot.
func (c *StatsCollector) Collect(ctx context.Context) (domain.NodeStats, error) {
	reply := make(chan domain.NodeStats, 1)
	if !c.mailbox.Post(statsQuery{reply: reply}) {
		return domain.NodeStats{}, fmt.Errorf("stats collector stopped")
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return domain.NodeStats{}, ctx.Err()
	}
}

func (c *StatsCollector) receive(msg any) {
	switch m := msg.(type) {
	case eventbus.Subscribed:
		c.logger.Debug("stats collector subscribed", "correlation_id", m.CorrelationID)
	case domain.WorkerAvailable:
		delete(c.active, m.Worker)
		c.available[m.Worker] = struct{}{}
	case domain.JobStarted:
		delete(c.available, m.Worker)
		c.active[m.Worker] = struct{}{}
	case domain.JobCompleted:
		delete(c.active, m.Worker)
		c.completed++
		c.totalExecTime += m.ExecutionTime
	case domain.WorkerTerminated:
		delete(c.available, m.Worker)
		delete(c.active, m.Worker)
	case collectTick:
		c.publish()
		c.schedule()
	case statsQuery:
		m.reply <- c.snapshot()
	}
}

func (c *StatsCollector) snapshot() domain.NodeStats {
	s := domain.NodeStats{
		NodeID:               c.nodeID,
		AvailableWorkerCount: len(c.available),
		ActiveWorkerCount:    len(c.active),
		CompletedJobCount:    c.completed,
		PoolCapacity:         c.capacity(),
		CollectedAt:          c.clock.Now(),
	}
	if c.completed > 0 {
		s.AverageJobExecutionTime = c.totalExecTime / time.Duration(c.completed)
	}
	return s
}

func (c *StatsCollector) publish() {
	s := c.snapshot()
	c.latest.Store(&s)

	metrics.NodeWorkers.WithLabelValues(c.nodeID, "available").Set(float64(s.AvailableWorkerCount))
	metrics.NodeWorkers.WithLabelValues(c.nodeID, "active").Set(float64(s.ActiveWorkerCount))
	metrics.NodeAverageExecutionSeconds.WithLabelValues(c.nodeID).Set(s.AverageJobExecutionTime.Seconds())

	c.logger.Info("node stats",
		"available_workers", s.AvailableWorkerCount,
		"active_workers", s.ActiveWorkerCount,
		"completed_jobs", s.CompletedJobCount,
		"average_execution_time", s.AverageJobExecutionTime,
		"pool_capacity", s.PoolCapacity)
}

func (c *StatsCollector) schedule() {
	c.timer = c.clock.AfterFunc(c.interval, func() {
		c.mailbox.Post(collectTick{})
	})
}
