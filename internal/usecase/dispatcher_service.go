package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"jobmesh/internal/domain"
	"jobmesh/internal/master"
	"jobmesh/internal/metrics"
)

const resignTimeout = 5 * time.Second

// DispatcherFactory builds a fresh dispatcher for one leadership term.
type DispatcherFactory func(self domain.DispatcherHandle) *master.Dispatcher

// DispatcherService runs the singleton dispatcher on this node for as long as
// the node holds leadership. Every term gets a new dispatcher with a new
// instance id and empty state.
type DispatcherService struct {
	nodeID     string
	addr       string
	election   domain.LeaderElectionManager
	factory    DispatcherFactory
	clock      clockwork.Clock
	retryDelay time.Duration
	logger     *slog.Logger
	current    atomic.Pointer[master.Dispatcher]
}

// NewDispatcherService creates the service for the node nodeID, whose gRPC
// address addr is advertised in dispatcher announcements.
func NewDispatcherService(nodeID, addr string, election domain.LeaderElectionManager, factory DispatcherFactory,
	clock clockwork.Clock, logger *slog.Logger) *DispatcherService {
	return &DispatcherService{
		nodeID:     nodeID,
		addr:       addr,
		election:   election,
		factory:    factory,
		clock:      clock,
		retryDelay: 5 * time.Second,
		logger:     logger.With("component", "dispatcher-service", "node_id", nodeID),
	}
}

// Start campaigns for leadership and runs a dispatcher whenever it is won.
// It returns ctx.Err() once ctx is done.
func (s *DispatcherService) Start(ctx context.Context) error {
	s.logger.Info("dispatcher service starting")
	metrics.IsDispatcher.WithLabelValues(s.nodeID).Set(0)

	for {
		if ctx.Err() != nil {
			s.logger.Info("dispatcher service shutting down")
			return ctx.Err()
		}

		s.logger.Debug("campaigning for dispatcher leadership")
		lost, err := s.election.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("error during leadership campaign, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-s.clock.After(s.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		s.runTerm(ctx, lost)
	}
}

func (s *DispatcherService) runTerm(ctx context.Context, lost <-chan struct{}) {
	self := domain.DispatcherHandle{NodeID: s.nodeID, Instance: uuid.NewString(), Addr: s.addr}
	d := s.factory(self)

	termCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(termCtx) }()

	s.current.Store(d)
	metrics.IsDispatcher.WithLabelValues(s.nodeID).Set(1)
	s.logger.Info("became leader, dispatcher started", "dispatcher", self.String())

	var runErr error
	exited := false
	select {
	case <-lost:
		s.logger.Warn("lost dispatcher leadership, stopping dispatcher", "dispatcher", self.String())
	case runErr = <-done:
		exited = true
		s.logger.Error("dispatcher exited unexpectedly, giving up leadership", "dispatcher", self.String(), "error", runErr)
	case <-ctx.Done():
	}

	s.current.Store(nil)
	metrics.IsDispatcher.WithLabelValues(s.nodeID).Set(0)
	cancel()
	if !exited {
		<-done
	}

	resignCtx, cancelResign := context.WithTimeout(context.Background(), resignTimeout)
	defer cancelResign()
	if err := s.election.Resign(resignCtx); err != nil {
		s.logger.Warn("failed to resign leadership", "error", err)
	}
	s.logger.Info("dispatcher stopped", "dispatcher", self.String())
}

// Current returns the dispatcher running on this node, or nil.
func (s *DispatcherService) Current() *master.Dispatcher {
	return s.current.Load()
}

// SubmitJob creates a job on the local dispatcher. It fails with
// domain.ErrNotDispatcher when this node is not the leader.
func (s *DispatcherService) SubmitJob(ctx context.Context, name string) (domain.JobAccepted, error) {
	d := s.current.Load()
	if d == nil {
		return domain.JobAccepted{}, domain.ErrNotDispatcher
	}
	accepted, err := d.CreateJob(ctx, name)
	if errors.Is(err, domain.ErrDispatcherStopped) {
		return domain.JobAccepted{}, fmt.Errorf("%w: %w", domain.ErrNotDispatcher, err)
	}
	return accepted, err
}

// Snapshot returns the local dispatcher's state.
func (s *DispatcherService) Snapshot(ctx context.Context) (master.Snapshot, error) {
	d := s.current.Load()
	if d == nil {
		return master.Snapshot{}, domain.ErrNotDispatcher
	}
	return d.Snapshot(ctx)
}

// WorkerLost reports a lost worker to the local dispatcher, if any.
func (s *DispatcherService) WorkerLost(worker domain.WorkerHandle, reason string) {
	if d := s.current.Load(); d != nil {
		d.WorkerLost(worker, reason)
	}
}

// NodeLost reports a lost node to the local dispatcher, if any.
func (s *DispatcherService) NodeLost(nodeID string) {
	if d := s.current.Load(); d != nil {
		d.NodeLost(nodeID)
	}
}
