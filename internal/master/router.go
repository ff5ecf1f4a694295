package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
	"jobmesh/internal/infra/rpc"
)

const deliveryTimeout = 5 * time.Second

// LocalDeliverer hands jobs to this node's own workers.
type LocalDeliverer interface {
	Deliver(worker domain.WorkerHandle, job domain.ExecuteJob) error
}

// NodeResolver maps a node id to its gRPC address.
type NodeResolver interface {
	Address(nodeID string) (string, bool)
}

// StaticNodes is a fixed NodeResolver.
type StaticNodes map[string]string

func (n StaticNodes) Address(nodeID string) (string, bool) {
	addr, ok := n[nodeID]
	return addr, ok
}

type delivery struct {
	worker domain.WorkerHandle
	job    domain.ExecuteJob
	addr   string
}

// Router is the dispatcher's domain.WorkerMessenger. Local workers get jobs
// straight from their pool; remote ones over gRPC from a per-node outbox, so
// a slow node never blocks the dispatcher. A failed remote delivery is
// reported to onFailure as a lost worker.
type Router struct {
	nodeID    string
	local     LocalDeliverer
	resolver  NodeResolver
	clients   *rpc.Clients
	onFailure func(worker domain.WorkerHandle, reason string)
	logger    *slog.Logger

	mu     sync.Mutex
	runCtx context.Context
	outbox map[string]*actor.Mailbox
	wg     sync.WaitGroup
}

// NewRouter creates a router for the node nodeID.
func NewRouter(nodeID string, local LocalDeliverer, resolver NodeResolver, clients *rpc.Clients,
	onFailure func(worker domain.WorkerHandle, reason string), logger *slog.Logger) *Router {
	return &Router{
		nodeID:    nodeID,
		local:     local,
		resolver:  resolver,
		clients:   clients,
		onFailure: onFailure,
		logger:    logger.With("component", "router", "node_id", nodeID),
		outbox:    make(map[string]*actor.Mailbox),
	}
}

// Run enables remote deliveries until ctx is done.
func (r *Router) Run(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	<-ctx.Done()
	r.wg.Wait()

	r.mu.Lock()
	r.runCtx = nil
	r.outbox = make(map[string]*actor.Mailbox)
	r.mu.Unlock()
}

// SendExecuteJob queues job for worker without waiting for the delivery.
func (r *Router) SendExecuteJob(worker domain.WorkerHandle, job domain.ExecuteJob) error {
	if worker.NodeID == r.nodeID {
		return r.local.Deliver(worker, job)
	}

	addr, ok := r.resolver.Address(worker.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownNode, worker.NodeID)
	}
	box, err := r.outboxFor(worker.NodeID)
	if err != nil {
		return err
	}
	if !box.Post(delivery{worker: worker, job: job, addr: addr}) {
		return fmt.Errorf("outbox for node %s is closed", worker.NodeID)
	}
	return nil
}

func (r *Router) outboxFor(nodeID string) (*actor.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runCtx == nil || r.runCtx.Err() != nil {
		return nil, fmt.Errorf("router is not running")
	}
	if box, ok := r.outbox[nodeID]; ok {
		return box, nil
	}

	box := actor.NewMailbox()
	r.outbox[nodeID] = box
	ctx := r.runCtx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		box.Run(ctx, func(msg any) {
			r.deliver(ctx, msg.(delivery))
		})
	}()
	return box, nil
}

func (r *Router) deliver(ctx context.Context, d delivery) {
	client, err := r.clients.Get(d.addr)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err = client.ExecuteJob(callCtx, d.worker, d.job)
		cancel()
	}
	if err == nil {
		r.logger.Debug("job delivered to remote worker", "job_id", d.job.JobID, "worker", d.worker.String())
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.logger.Warn("failed to deliver job to remote worker", "job_id", d.job.JobID,
		"worker", d.worker.String(), "addr", d.addr, "error", err)
	if r.onFailure != nil {
		r.onFailure(d.worker, fmt.Sprintf("delivery of job %d failed: %v", d.job.JobID, err))
	}
}
