// Package client submits jobs to the cluster's dispatcher from outside of it.
// It finds the dispatcher through the discovery channel, so no address needs
// to be configured.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/jonboulle/clockwork"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
	"jobmesh/internal/infra/rpc"
)

const submitTimeout = 5 * time.Second

// Transport sends a submission to the node hosting the dispatcher.
type Transport interface {
	CreateJob(ctx context.Context, addr, name string) (domain.JobAccepted, error)
}

// GRPCTransport submits over the node gRPC service.
type GRPCTransport struct {
	Clients *rpc.Clients
}

func (t GRPCTransport) CreateJob(ctx context.Context, addr, name string) (domain.JobAccepted, error) {
	client, err := t.Clients.Get(addr)
	if err != nil {
		return domain.JobAccepted{}, err
	}
	return client.CreateJob(ctx, name)
}

type submission struct {
	ctx   context.Context
	name  string
	reply chan submitResult
}

type submitResult struct {
	accepted domain.JobAccepted
	err      error
}

type submitted struct {
	req        *submission
	dispatcher domain.DispatcherHandle
	result     submitResult
}

type announced struct {
	announcement domain.DispatcherAvailable
}

type expire struct {
	instance string
}

type dispatcherQuery struct {
	reply chan domain.DispatcherHandle
}

// JobClient buffers submissions until a dispatcher is known and re-buffers
// them when a submission fails. The dispatcher is forgotten when it has not
// announced itself for a refresh interval.
type JobClient struct {
	broadcaster domain.Broadcaster
	transport   Transport
	clock       clockwork.Clock
	refresh     time.Duration
	logger      *slog.Logger
	mailbox     *actor.Mailbox
	ready       chan struct{}
	stopped     chan struct{}
	inflight    sync.WaitGroup

	runCtx      context.Context
	dispatcher  *domain.DispatcherHandle
	expireTimer clockwork.Timer
	buffer      deque.Deque
}

// New creates a job client.
func New(broadcaster domain.Broadcaster, transport Transport, clock clockwork.Clock, refresh time.Duration, logger *slog.Logger) *JobClient {
	return &JobClient{
		broadcaster: broadcaster,
		transport:   transport,
		clock:       clock,
		refresh:     refresh,
		logger:      logger.With("component", "job-client"),
		mailbox:     actor.NewMailbox(),
		ready:       make(chan struct{}),
		stopped:     make(chan struct{}),
		buffer:      deque.NewDeque(),
	}
}

// Run listens for dispatcher announcements and serves submissions until ctx
// is done.
func (c *JobClient) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.runCtx = ctx

	err := c.broadcaster.Subscribe(ctx, domain.TopicDispatcher, func(msg any) {
		if a, ok := msg.(domain.DispatcherAvailable); ok {
			c.mailbox.Post(announced{announcement: a})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe job client to %q: %w", domain.TopicDispatcher, err)
	}
	close(c.ready)

	c.mailbox.Run(ctx, c.receive)
	c.inflight.Wait()
	if c.expireTimer != nil {
		c.expireTimer.Stop()
	}
	if n := c.buffer.Len(); n > 0 {
		c.logger.Warn("job client stopped with buffered submissions", "buffered", n)
	}
	return nil
}

// Ready is closed once the client listens for dispatcher announcements.
func (c *JobClient) Ready() <-chan struct{} { return c.ready }

// SubmitJob queues name for submission and waits for the dispatcher to
// accept it.
func (c *JobClient) SubmitJob(ctx context.Context, name string) (domain.JobAccepted, error) {
	req := &submission{ctx: ctx, name: name, reply: make(chan submitResult, 1)}
	if !c.mailbox.Post(req) {
		return domain.JobAccepted{}, fmt.Errorf("job client stopped")
	}
	select {
	case res := <-req.reply:
		return res.accepted, res.err
	case <-c.stopped:
		return domain.JobAccepted{}, fmt.Errorf("job client stopped")
	case <-ctx.Done():
		return domain.JobAccepted{}, ctx.Err()
	}
}

// Dispatcher returns the dispatcher the client currently submits to.
func (c *JobClient) Dispatcher(ctx context.Context) (domain.DispatcherHandle, error) {
	reply := make(chan domain.DispatcherHandle, 1)
	if !c.mailbox.Post(dispatcherQuery{reply: reply}) {
		return domain.DispatcherHandle{}, fmt.Errorf("job client stopped")
	}
	select {
	case h := <-reply:
		if h.IsZero() {
			return h, domain.ErrNoDispatcher
		}
		return h, nil
	case <-c.stopped:
		return domain.DispatcherHandle{}, fmt.Errorf("job client stopped")
	case <-ctx.Done():
		return domain.DispatcherHandle{}, ctx.Err()
	}
}

func (c *JobClient) receive(msg any) {
	switch m := msg.(type) {
	case *submission:
		c.buffer.PushBack(m)
		c.flush()
	case announced:
		c.onAnnounced(m.announcement)
	case submitted:
		c.onSubmitted(m)
	case expire:
		if c.dispatcher != nil && c.dispatcher.Instance == m.instance {
			c.logger.Info("dispatcher not heard from, forgetting it", "dispatcher", c.dispatcher.String())
			c.dispatcher = nil
		}
	case dispatcherQuery:
		if c.dispatcher != nil {
			m.reply <- *c.dispatcher
		} else {
			m.reply <- domain.DispatcherHandle{}
		}
	default:
		c.logger.Warn("job client received unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (c *JobClient) onAnnounced(a domain.DispatcherAvailable) {
	if c.dispatcher == nil || *c.dispatcher != a.Dispatcher {
		c.logger.Info("dispatcher found", "dispatcher", a.Dispatcher.String(), "addr", a.Dispatcher.Addr)
	}
	handle := a.Dispatcher
	c.dispatcher = &handle

	if c.expireTimer != nil {
		c.expireTimer.Stop()
	}
	instance := handle.Instance
	c.expireTimer = c.clock.AfterFunc(c.refresh, func() {
		c.mailbox.Post(expire{instance: instance})
	})
	c.flush()
}

// flush hands every buffered submission to the transport. Each call runs on
// its own goroutine and reports back through the mailbox.
func (c *JobClient) flush() {
	if c.dispatcher == nil {
		return
	}
	target := *c.dispatcher
	for !c.buffer.Empty() {
		req := c.buffer.PopFront().(*submission)
		if req.ctx.Err() != nil {
			continue
		}
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			ctx, cancel := context.WithTimeout(req.ctx, submitTimeout)
			defer cancel()
			stop := context.AfterFunc(c.runCtx, cancel)
			defer stop()
			accepted, err := c.transport.CreateJob(ctx, target.Addr, req.name)
			c.mailbox.Post(submitted{req: req, dispatcher: target, result: submitResult{accepted: accepted, err: err}})
		}()
	}
}

func (c *JobClient) onSubmitted(m submitted) {
	if m.result.err == nil {
		c.logger.Debug("job submitted", "job_id", m.result.accepted.JobID, "job_name", m.req.name)
		m.req.reply <- m.result
		return
	}
	if m.req.ctx.Err() != nil {
		m.req.reply <- submitResult{err: m.req.ctx.Err()}
		return
	}

	c.logger.Warn("job submission failed, buffering until a dispatcher is available",
		"job_name", m.req.name, "dispatcher", m.dispatcher.String(), "error", m.result.err)
	if c.dispatcher != nil && *c.dispatcher == m.dispatcher {
		c.dispatcher = nil
	}
	c.buffer.PushFront(m.req)
	c.flush()
}
