// internal/worker/registry.go
package worker

import (
	"context"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"

	"jobmesh/internal/infra/etcd"
)

// Registry keeps this node's registration alive in etcd. The key disappears
// with the lease when the node dies, which is how the dispatcher learns that
// the node's workers are gone.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

// NewRegistry creates a new node registry.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "node-registry"),
	}
}

// Register publishes nodeID -> addr under a lease with the given TTL (seconds)
// and keeps the lease alive until Deregister.
func (r *Registry) Register(ctx context.Context, nodeID, addr string, ttl int64) error {
	r.key = etcd.NodeRegistryPrefix + nodeID

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, addr, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put node registration key: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		if kaCtx.Err() == nil {
			r.logger.Warn("keep-alive channel closed, node registration may have expired")
		}
	}()

	r.logger.Info("node registered successfully", "key", r.key, "addr", addr)
	return nil
}

// Deregister stops the keep-alive and revokes the lease, deleting the key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering node", "key", r.key)
	if r.cancel != nil {
		r.cancel()
	}
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
