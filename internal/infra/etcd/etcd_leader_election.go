package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"jobmesh/internal/domain"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.Mutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager creates a manager for the dispatcher election
// using etcd. The campaign value is the node id.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

// Campaign creates a fresh session for every term so that a lost lease never
// carries over into the next campaign.
func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	ttl := int(m.ttl.Seconds())
	if ttl < 1 {
		ttl = 1
	}
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create election session: %w", err)
	}
	election := concurrency.NewElection(session, LeaderElectionKey)

	if err := election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("campaign for %s failed: %w", LeaderElectionKey, err)
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()

	m.logger.Info("successfully campaigned and became the leader", "node_id", m.nodeID)
	// The session channel is closed if the lease expires, meaning leadership is lost.
	return session.Done(), nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	session, election := m.session, m.election
	m.session, m.election, m.isLeader = nil, nil, false
	m.mutex.Unlock()

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	if closeErr := session.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.isLeader
}
