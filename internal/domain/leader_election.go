// internal/domain/leader_election.go
package domain

import "context"

// LeaderElectionManager decides which node hosts the singleton dispatcher.
type LeaderElectionManager interface {
	// Campaign blocks until this node wins the election or ctx ends. The
	// returned channel is closed when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	// Resign gives leadership up voluntarily.
	Resign(ctx context.Context) error
	IsLeader() bool
}
