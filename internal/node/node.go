// internal/node/node.go
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"jobmesh/internal/client"
	"jobmesh/internal/domain"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/infra/rpc"
	"jobmesh/internal/master"
	"jobmesh/internal/scheduler"
	"jobmesh/internal/usecase"
	"jobmesh/internal/worker"
)

// Config sizes one node.
type Config struct {
	NodeID        string
	AdvertiseAddr string

	Pool          worker.PoolConfig
	Dispatcher    master.Config
	StatsInterval time.Duration
	ClientRefresh time.Duration
	Feeds         []scheduler.Feed
}

// Deps are the cluster collaborators a node runs against: etcd-backed in a
// cluster, in-memory for a standalone node and in tests.
type Deps struct {
	Broadcaster domain.Broadcaster
	Election    domain.LeaderElectionManager
	History     domain.JobHistory
	// Resolver maps node ids to gRPC addresses. Nil means this node only.
	Resolver master.NodeResolver
	// Transport carries job submissions to a remote dispatcher. Nil means gRPC.
	Transport client.Transport
	// Listener, when set, is served with the node's gRPC service.
	Listener net.Listener
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Node is the per-node composition root: the worker event bus and pool, the
// event forwarder, the stats collector, the dispatcher service with its
// router and history recorder, the job client and job feeder.
type Node struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	clients     *rpc.Clients
	bus         *eventbus.Bus
	pool        *worker.Pool
	forwarder   *Forwarder
	stats       *StatsCollector
	router      *master.Router
	recorder    *usecase.HistoryRecorder
	dispatchers *usecase.DispatcherService
	jobClient   *client.JobClient
	jobs        *usecase.JobService
	feeder      *scheduler.Feeder
	server      *worker.Server
}

// New wires a node. Nothing runs until Run.
func New(cfg Config, deps Deps) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Resolver == nil {
		deps.Resolver = master.StaticNodes{cfg.NodeID: cfg.AdvertiseAddr}
	}

	n := &Node{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "node", "node_id", cfg.NodeID),
		clients: rpc.NewClients(),
	}
	if deps.Transport == nil {
		deps.Transport = client.GRPCTransport{Clients: n.clients}
	}
	logger := deps.Logger

	n.bus = eventbus.New(logger, domain.WorkerEventTypes()...)
	n.pool = worker.NewPool(cfg.NodeID, cfg.Pool, n.bus, deps.Broadcaster, deps.Clock, logger)
	n.forwarder = NewForwarder(cfg.NodeID, n.bus, deps.Broadcaster, logger)
	n.stats = NewStatsCollector(cfg.NodeID, n.bus, n.pool.Capacity, deps.Clock, cfg.StatsInterval, logger)
	n.recorder = usecase.NewHistoryRecorder(deps.History, logger)
	n.router = master.NewRouter(cfg.NodeID, n.pool, deps.Resolver, n.clients, n.WorkerLost, logger)
	n.dispatchers = usecase.NewDispatcherService(cfg.NodeID, cfg.AdvertiseAddr, deps.Election, n.newDispatcher, deps.Clock, logger)
	n.jobClient = client.New(deps.Broadcaster, deps.Transport, deps.Clock, cfg.ClientRefresh, logger)
	n.jobs = usecase.NewJobService(n.dispatchers, n.jobClient, deps.History, logger)
	n.server = worker.NewServer(n.pool, n.dispatchers, logger)

	if len(cfg.Feeds) > 0 {
		n.feeder = scheduler.NewFeeder(n.jobs, logger)
		for _, feed := range cfg.Feeds {
			if err := n.feeder.AddFeed(feed); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

func (n *Node) newDispatcher(self domain.DispatcherHandle) *master.Dispatcher {
	return master.NewDispatcher(self, n.cfg.Dispatcher, n.bus, n.deps.Broadcaster, n.router, n.recorder, n.deps.Clock, n.deps.Logger)
}

// Run starts every component and blocks until ctx is done or one of them
// fails, then stops the rest.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("node starting", "advertise_addr", n.cfg.AdvertiseAddr, "worker_count", n.cfg.Pool.Size)
	defer n.clients.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { n.bus.Run(ctx); return nil })
	g.Go(func() error { n.router.Run(ctx); return nil })
	g.Go(func() error { n.recorder.Run(ctx); return nil })
	g.Go(func() error { n.stats.Run(ctx); return nil })
	g.Go(func() error { return n.forwarder.Run(ctx) })
	g.Go(func() error { return n.pool.Run(ctx) })
	g.Go(func() error { return n.jobClient.Run(ctx) })
	g.Go(func() error {
		// A dispatcher elected here must not announce itself before this
		// node's own listeners are subscribed.
		for _, ready := range []<-chan struct{}{n.pool.Ready(), n.forwarder.Ready(), n.jobClient.Ready()} {
			select {
			case <-ready:
			case <-ctx.Done():
				return nil
			}
		}
		if err := n.dispatchers.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if n.feeder != nil {
		g.Go(func() error { return n.feeder.Run(ctx) })
	}
	if n.deps.Listener != nil {
		g.Go(func() error { return n.serve(ctx) })
	}

	err := g.Wait()
	if err != nil {
		n.logger.Error("node stopped with error", "error", err)
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

func (n *Node) serve(ctx context.Context) error {
	srv := rpc.NewServer(n.server)
	stop := context.AfterFunc(ctx, srv.GracefulStop)
	defer stop()

	n.logger.Info("gRPC server listening", "addr", n.deps.Listener.Addr().String())
	if err := srv.Serve(n.deps.Listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// WorkerLost reports a worker that can no longer be reached.
func (n *Node) WorkerLost(worker domain.WorkerHandle, reason string) {
	n.dispatchers.WorkerLost(worker, reason)
}

// NodeLost reports a node that left the cluster, releasing its workers' jobs
// and dropping the cached connection to addr.
func (n *Node) NodeLost(nodeID, addr string) {
	if addr != "" {
		n.clients.Forget(addr)
	}
	n.dispatchers.NodeLost(nodeID)
}

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.NodeID }

// Jobs returns the node's job service.
func (n *Node) Jobs() *usecase.JobService { return n.jobs }

// Dispatchers returns the node's dispatcher service.
func (n *Node) Dispatchers() *usecase.DispatcherService { return n.dispatchers }

// JobClient returns the node's client for a remote dispatcher.
func (n *Node) JobClient() *client.JobClient { return n.jobClient }

// Stats returns the node's stats collector.
func (n *Node) Stats() *StatsCollector { return n.stats }

// Pool returns the node's worker pool.
func (n *Node) Pool() *worker.Pool { return n.pool }

// RPCServer returns the node's gRPC service implementation.
func (n *Node) RPCServer() *worker.Server { return n.server }
