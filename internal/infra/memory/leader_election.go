package memory

import (
	"context"
	"sync"

	"jobmesh/internal/domain"
)

// Election is an in-process leader election shared by the managers it hands
// out. At most one manager holds leadership at a time.
type Election struct {
	mu       sync.Mutex
	leader   string
	lost     chan struct{}
	released chan struct{}
}

// NewElection creates an election nobody has won yet.
func NewElection() *Election {
	return &Election{released: make(chan struct{})}
}

// Manager returns the election manager for nodeID.
func (e *Election) Manager(nodeID string) domain.LeaderElectionManager {
	return &electionManager{election: e, nodeID: nodeID}
}

// Leader returns the current leader's node id, or "" if there is none.
func (e *Election) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Expire ends the current leadership as if the leader's session had lapsed.
func (e *Election) Expire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked()
}

func (e *Election) releaseLocked() {
	if e.leader == "" {
		return
	}
	e.leader = ""
	close(e.lost)
	close(e.released)
	e.released = make(chan struct{})
}

type electionManager struct {
	election *Election
	nodeID   string
}

func (m *electionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	e := m.election
	for {
		e.mu.Lock()
		if e.leader == "" {
			e.leader = m.nodeID
			e.lost = make(chan struct{})
			lost := e.lost
			e.mu.Unlock()
			return lost, nil
		}
		released := e.released
		e.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *electionManager) Resign(context.Context) error {
	e := m.election
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader == m.nodeID {
		e.releaseLocked()
	}
	return nil
}

func (m *electionManager) IsLeader() bool {
	return m.election.Leader() == m.nodeID
}
