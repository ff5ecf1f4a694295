// internal/domain/job.go
package domain

import "time"

// JobState is the dispatcher-side lifecycle state of a job.
type JobState string

const (
	JobStatePending JobState = "pending"
	JobStateActive  JobState = "active"
)

// Job is a unit of work owned by the dispatcher from CreateJob until it
// completes, times out or loses its worker.
type Job struct {
	ID         int           `json:"id"`
	Name       string        `json:"name"`
	State      JobState      `json:"state"`
	Worker     *WorkerHandle `json:"worker,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	AssignedAt time.Time     `json:"assigned_at,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
}

// ExecuteJob instructs a worker to run a job.
type ExecuteJob struct {
	JobID int    `json:"job_id"`
	Name  string `json:"name"`
}

// JobAccepted is the reply to a job submission.
type JobAccepted struct {
	JobID int    `json:"job_id"`
	Name  string `json:"name"`
}

// DispatcherAvailable announces where the live dispatcher is. It is published
// once with IsFirstAnnouncement set when a dispatcher activates and then
// periodically without it; consumers must handle repeats idempotently.
type DispatcherAvailable struct {
	Dispatcher          DispatcherHandle `json:"dispatcher"`
	IsFirstAnnouncement bool             `json:"is_first_announcement"`
}
