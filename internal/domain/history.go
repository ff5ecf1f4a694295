// internal/domain/history.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// OutcomeStatus is how a job left the dispatcher.
type OutcomeStatus string

const (
	OutcomeCompleted  OutcomeStatus = "completed"
	OutcomeTimedOut   OutcomeStatus = "timed_out"
	OutcomeWorkerLost OutcomeStatus = "worker_lost"
)

// JobOutcome is an audit record of a retired job. It is history only: the
// dispatcher never rebuilds its queue from it.
type JobOutcome struct {
	JobID              int           `json:"job_id"`
	Name               string        `json:"name"`
	Worker             WorkerHandle  `json:"worker"`
	Status             OutcomeStatus `json:"status"`
	ExecutionTime      time.Duration `json:"execution_time,omitempty"`
	Messages           []string      `json:"messages,omitempty"`
	DispatcherInstance string        `json:"dispatcher_instance"`
	RecordedAt         time.Time     `json:"recorded_at"`
}

// Validate checks if the outcome record is complete enough to persist.
func (o *JobOutcome) Validate() error {
	if o.JobID <= 0 {
		return fmt.Errorf("job outcome must have a positive job id, got %d", o.JobID)
	}
	if o.DispatcherInstance == "" {
		return fmt.Errorf("job outcome %d has no dispatcher instance", o.JobID)
	}
	switch o.Status {
	case OutcomeCompleted, OutcomeTimedOut, OutcomeWorkerLost:
	default:
		return fmt.Errorf("job outcome %d has invalid status %q", o.JobID, o.Status)
	}
	if o.RecordedAt.IsZero() {
		return fmt.Errorf("job outcome %d has no record time", o.JobID)
	}
	return nil
}

// JobHistory persists and retrieves job outcomes.
type JobHistory interface {
	// Save persists a single outcome.
	Save(ctx context.Context, outcome *JobOutcome) error
	// List returns outcomes newest first, paginated (page starts at 1).
	List(ctx context.Context, page, pageSize int) ([]*JobOutcome, error)
	// Get returns one outcome of a given dispatcher instance.
	Get(ctx context.Context, instance string, jobID int) (*JobOutcome, error)
}

// OutcomeSink receives outcomes from the dispatcher. RecordOutcome must not
// block.
type OutcomeSink interface {
	RecordOutcome(outcome JobOutcome)
}

// NodeStats is a point-in-time view of one node's workers.
type NodeStats struct {
	NodeID                  string        `json:"node_id"`
	AvailableWorkerCount    int           `json:"available_worker_count"`
	ActiveWorkerCount       int           `json:"active_worker_count"`
	CompletedJobCount       int           `json:"completed_job_count"`
	AverageJobExecutionTime time.Duration `json:"average_job_execution_time"`
	PoolCapacity            int           `json:"pool_capacity"`
	CollectedAt             time.Time     `json:"collected_at"`
}
