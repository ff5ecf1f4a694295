// internal/master/discovery.go
package master

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"jobmesh/internal/infra/etcd"
)

// NodeDiscovery tracks the cluster's nodes and their gRPC addresses. A node
// whose registration disappears is reported through onLost.
type NodeDiscovery struct {
	client *clientv3.Client
	logger *slog.Logger
	onLost func(nodeID, addr string)
	nodes  map[string]string // map of nodeID -> grpc addr
	mu     sync.RWMutex
}

// NewNodeDiscovery creates a new discovery service.
func NewNodeDiscovery(client *clientv3.Client, onLost func(nodeID, addr string), logger *slog.Logger) *NodeDiscovery {
	return &NodeDiscovery{
		client: client,
		logger: logger.With("component", "node-discovery"),
		onLost: onLost,
		nodes:  make(map[string]string),
	}
}

// WatchNodes starts watching etcd for node registrations and deregistrations.
// This is a blocking call and should be run in a goroutine.
func (d *NodeDiscovery) WatchNodes(ctx context.Context) {
	d.logger.Info("starting to watch for nodes")

	rev, err := d.loadInitialNodes(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial node load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	watchChan := d.client.Watch(ctx, etcd.NodeRegistryPrefix, opts...)

	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			switch event.Type {
			case clientv3.EventTypePut:
				d.put(string(event.Kv.Key), string(event.Kv.Value))
			case clientv3.EventTypeDelete:
				d.remove(string(event.Kv.Key))
			}
		}
	}
	d.logger.Info("stopped watching for nodes")
}

func (d *NodeDiscovery) loadInitialNodes(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, etcd.NodeRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		d.put(string(kv.Key), string(kv.Value))
	}
	return resp.Header.Revision, nil
}

func (d *NodeDiscovery) put(key, addr string) {
	nodeID := strings.TrimPrefix(key, etcd.NodeRegistryPrefix)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[nodeID]; !ok {
		d.logger.Info("node discovered", "node_id", nodeID, "addr", addr)
	}
	d.nodes[nodeID] = addr
}

func (d *NodeDiscovery) remove(key string) {
	nodeID := strings.TrimPrefix(key, etcd.NodeRegistryPrefix)

	d.mu.Lock()
	addr, ok := d.nodes[nodeID]
	delete(d.nodes, nodeID)
	d.mu.Unlock()

	if !ok {
		return
	}
	d.logger.Info("node deregistered", "node_id", nodeID, "addr", addr)
	if d.onLost != nil {
		d.onLost(nodeID, addr)
	}
}

// Address returns the gRPC address of a node.
func (d *NodeDiscovery) Address(nodeID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.nodes[nodeID]
	return addr, ok
}

// Nodes returns a snapshot of the known node ids and addresses.
func (d *NodeDiscovery) Nodes() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	nodes := make(map[string]string, len(d.nodes))
	for id, addr := range d.nodes {
		nodes[id] = addr
	}
	return nodes
}
