package rpc

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"jobmesh/internal/domain"
)

// NodeClient calls one remote node.
type NodeClient struct {
	addr string
	conn *grpc.ClientConn
}

// Dial creates a client for the node at addr. The connection is established
// lazily by gRPC on first use.
func Dial(addr string, opts ...grpc.DialOption) (*NodeClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node at %s: %w", addr, err)
	}
	return &NodeClient{addr: addr, conn: conn}, nil
}

// Addr returns the address the client was dialed with.
func (c *NodeClient) Addr() string { return c.addr }

// ExecuteJob asks the node to deliver job to worker.
func (c *NodeClient) ExecuteJob(ctx context.Context, worker domain.WorkerHandle, job domain.ExecuteJob) error {
	out := new(ExecuteJobResponse)
	err := c.conn.Invoke(ctx, executeJobMethod, &ExecuteJobRequest{Worker: worker, Job: job}, out)
	return FromStatus(err)
}

// CreateJob submits a job to the dispatcher hosted by the node.
func (c *NodeClient) CreateJob(ctx context.Context, name string) (domain.JobAccepted, error) {
	out := new(CreateJobResponse)
	if err := c.conn.Invoke(ctx, createJobMethod, &CreateJobRequest{Name: name}, out); err != nil {
		return domain.JobAccepted{}, FromStatus(err)
	}
	return domain.JobAccepted{JobID: out.JobID, Name: out.Name}, nil
}

// Close releases the connection.
func (c *NodeClient) Close() error {
	return c.conn.Close()
}

// Clients caches one NodeClient per address.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*NodeClient
}

// NewClients creates an empty cache.
func NewClients() *Clients {
	return &Clients{clients: make(map[string]*NodeClient)}
}

// Get returns the cached client for addr, dialing it on first use.
func (c *Clients) Get(addr string) (*NodeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[addr]; ok {
		return client, nil
	}
	client, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	c.clients[addr] = client
	return client, nil
}

// Forget closes and drops the client for addr.
func (c *Clients) Forget(addr string) {
	c.mu.Lock()
	client, ok := c.clients[addr]
	delete(c.clients, addr)
	c.mu.Unlock()
	if ok {
		_ = client.Close()
	}
}

// Close closes every cached client.
func (c *Clients) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, client := range c.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, addr)
	}
	return firstErr
}
