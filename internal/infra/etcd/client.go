package etcd

import (
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key prefixes owned by jobmesh.
const (
	TopicPrefix       = "/jobmesh/topics/"
	HistoryPrefix     = "/jobmesh/history/"
	LeaderElectionKey = "/jobmesh/election"
	// NodeRegistryPrefix is where nodes register their gRPC address.
	NodeRegistryPrefix = "/jobmesh/nodes/"
)

// NewClient connects to the etcd cluster at endpoints.
func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd %v: %w", endpoints, err)
	}
	return cli, nil
}
