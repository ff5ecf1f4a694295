// internal/worker/pool.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
	"jobmesh/internal/metrics"
)

// PoolConfig sizes a worker pool and its supervision policy.
type PoolConfig struct {
	Size int
	// MaxRestarts is how many times a worker may be restarted within
	// RestartWindow before its slot is given up for good.
	MaxRestarts   int
	RestartWindow time.Duration
	Duration      DurationFunc
}

type workerExited struct {
	worker *Worker
	err    error
}

type dispatcherAnnounced struct {
	announcement domain.DispatcherAvailable
}

// Pool owns the fixed set of workers on one node. It relays dispatcher
// announcements to them and restarts crashed workers within a budget.
type Pool struct {
	nodeID      string
	cfg         PoolConfig
	events      Publisher
	broadcaster domain.Broadcaster
	clock       clockwork.Clock
	base        *slog.Logger
	logger      *slog.Logger
	mailbox     *actor.Mailbox
	ready       chan struct{}

	// live is written only by the run loop; Deliver reads it from other goroutines.
	liveMu sync.RWMutex
	live   map[int]*Worker

	capacity *atomic.Int64
	wg       sync.WaitGroup

	runCtx     context.Context
	dispatcher *domain.DispatcherAvailable
	restarts   map[int][]time.Time
}

// NewPool creates a pool; workers are created when Run starts.
func NewPool(nodeID string, cfg PoolConfig, events Publisher, broadcaster domain.Broadcaster, clock clockwork.Clock, logger *slog.Logger) *Pool {
	if cfg.Duration == nil {
		cfg.Duration = RandomDuration(time.Second, 10*time.Second)
	}
	return &Pool{
		nodeID:      nodeID,
		cfg:         cfg,
		events:      events,
		broadcaster: broadcaster,
		clock:       clock,
		base:        logger,
		logger:      logger.With("component", "worker-pool", "node_id", nodeID),
		mailbox:     actor.NewMailbox(),
		ready:       make(chan struct{}),
		live:        make(map[int]*Worker),
		capacity:    atomic.NewInt64(0),
		restarts:    make(map[int][]time.Time),
	}
}

// Run subscribes to dispatcher announcements, starts the workers and
// supervises them until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.runCtx = ctx
	defer p.wg.Wait()

	p.logger.Info("worker pool subscribing to dispatcher availability")
	err := p.broadcaster.Subscribe(ctx, domain.TopicDispatcher, func(msg any) {
		if announcement, ok := msg.(domain.DispatcherAvailable); ok {
			p.mailbox.Post(dispatcherAnnounced{announcement: announcement})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe worker pool to %q: %w", domain.TopicDispatcher, err)
	}

	for id := 1; id <= p.cfg.Size; id++ {
		p.startWorker(ctx, id)
		p.capacity.Inc()
		metrics.PoolCapacity.WithLabelValues(p.nodeID).Inc()
	}
	p.logger.Info("worker pool created workers", "worker_count", p.cfg.Size)
	close(p.ready)

	p.mailbox.Run(ctx, p.receive)
	p.logger.Info("worker pool stopped")
	return nil
}

// Ready is closed once the pool listens for dispatcher announcements and its
// workers are running.
func (p *Pool) Ready() <-chan struct{} { return p.ready }

// Deliver hands a job to one of this pool's workers.
func (p *Pool) Deliver(handle domain.WorkerHandle, job domain.ExecuteJob) error {
	if handle.NodeID != p.nodeID {
		return fmt.Errorf("%w: %s is not on node %s", domain.ErrWorkerNotFound, handle, p.nodeID)
	}
	p.liveMu.RLock()
	w, ok := p.live[handle.WorkerID]
	p.liveMu.RUnlock()
	if !ok || !w.Post(job) {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, handle)
	}
	return nil
}

// Capacity returns the number of live worker slots.
func (p *Pool) Capacity() int {
	return int(p.capacity.Load())
}

// Worker returns a live worker by id.
func (p *Pool) Worker(id int) (*Worker, bool) {
	p.liveMu.RLock()
	defer p.liveMu.RUnlock()
	w, ok := p.live[id]
	return w, ok
}

func (p *Pool) receive(msg any) {
	switch m := msg.(type) {
	case dispatcherAnnounced:
		p.onDispatcherAvailable(m.announcement)
	case workerExited:
		p.onWorkerExited(m)
	default:
		p.logger.Warn("worker pool received unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (p *Pool) onDispatcherAvailable(announcement domain.DispatcherAvailable) {
	if p.dispatcher == nil {
		p.logger.Info("worker pool found the dispatcher", "dispatcher", announcement.Dispatcher.String())
	}
	p.dispatcher = &announcement

	p.liveMu.RLock()
	defer p.liveMu.RUnlock()
	for _, w := range p.live {
		w.Post(announcement)
	}
}

func (p *Pool) onWorkerExited(m workerExited) {
	id := m.worker.Handle().WorkerID

	p.liveMu.Lock()
	current, ok := p.live[id]
	if !ok || current != m.worker {
		p.liveMu.Unlock()
		p.logger.Warn("received unexpected termination notice", "worker", m.worker.Handle().String())
		return
	}
	delete(p.live, id)
	p.liveMu.Unlock()

	reason := "stopped"
	if m.err != nil {
		reason = m.err.Error()
	}

	now := p.clock.Now()
	history := p.restarts[id][:0]
	for _, at := range p.restarts[id] {
		if now.Sub(at) < p.cfg.RestartWindow {
			history = append(history, at)
		}
	}
	restart := len(history) < p.cfg.MaxRestarts

	p.events.Publish(domain.WorkerTerminated{Worker: m.worker.Handle(), Reason: reason, Restarting: restart})

	if !restart {
		delete(p.restarts, id)
		p.capacity.Dec()
		metrics.PoolCapacity.WithLabelValues(p.nodeID).Dec()
		p.logger.Warn("worker exceeded its restart budget and was stopped permanently",
			"worker", m.worker.Handle().String(), "reason", reason,
			"max_restarts", p.cfg.MaxRestarts, "window", p.cfg.RestartWindow)
		return
	}

	p.restarts[id] = append(history, now)
	metrics.WorkerRestartsTotal.WithLabelValues(p.nodeID).Inc()
	p.logger.Warn("worker terminated, restarting", "worker", m.worker.Handle().String(), "reason", reason)

	w := p.startWorker(p.runCtx, id)
	if p.dispatcher != nil {
		w.Post(*p.dispatcher)
	}
}

func (p *Pool) startWorker(ctx context.Context, id int) *Worker {
	handle := domain.WorkerHandle{NodeID: p.nodeID, WorkerID: id}
	w := NewWorker(handle, p.events, p.clock, p.cfg.Duration, p.base)

	p.liveMu.Lock()
	p.live[id] = w
	p.liveMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		p.mailbox.Post(workerExited{worker: w, err: err})
	}()
	return w
}
