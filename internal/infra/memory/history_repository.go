package memory

import (
	"context"
	"fmt"
	"sync"

	"jobmesh/internal/domain"
)

// HistoryRepository keeps job outcomes in memory.
type HistoryRepository struct {
	mu       sync.RWMutex
	outcomes []*domain.JobOutcome
}

// NewHistoryRepository creates an empty repository.
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{}
}

func (r *HistoryRepository) Save(_ context.Context, outcome *domain.JobOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	copied := *outcome
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, &copied)
	return nil
}

func (r *HistoryRepository) List(_ context.Context, page, pageSize int) ([]*domain.JobOutcome, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("invalid page %d / page size %d", page, pageSize)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := (page - 1) * pageSize
	records := make([]*domain.JobOutcome, 0, pageSize)
	for i := len(r.outcomes) - 1 - start; i >= 0 && len(records) < pageSize; i-- {
		copied := *r.outcomes[i]
		records = append(records, &copied)
	}
	return records, nil
}

func (r *HistoryRepository) Get(_ context.Context, instance string, jobID int) (*domain.JobOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.outcomes {
		if o.DispatcherInstance == instance && o.JobID == jobID {
			copied := *o
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%d", domain.ErrOutcomeNotFound, instance, jobID)
}
