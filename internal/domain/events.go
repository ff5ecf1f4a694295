// internal/domain/events.go
package domain

import (
	"reflect"
	"time"
)

// WorkerEvent is the capability shared by everything a worker reports.
type WorkerEvent interface {
	Origin() WorkerHandle
}

// JobEvent is a WorkerEvent about a specific job.
type JobEvent interface {
	WorkerEvent
	JobKey() int
}

// WorkerAvailable is published whenever a worker becomes idle.
type WorkerAvailable struct {
	Worker WorkerHandle `json:"worker"`
}

func (e WorkerAvailable) Origin() WorkerHandle { return e.Worker }

// JobStarted is published when a worker begins executing a job.
type JobStarted struct {
	JobID  int          `json:"job_id"`
	Worker WorkerHandle `json:"worker"`
}

func (e JobStarted) Origin() WorkerHandle { return e.Worker }
func (e JobStarted) JobKey() int          { return e.JobID }

// JobCompleted is published when a worker finishes a job.
type JobCompleted struct {
	JobID         int           `json:"job_id"`
	Worker        WorkerHandle  `json:"worker"`
	ExecutionTime time.Duration `json:"execution_time"`
	Messages      []string      `json:"messages,omitempty"`
}

// NewJobCompleted copies messages so the event cannot be mutated through the
// caller's slice after it has been published.
func NewJobCompleted(jobID int, worker WorkerHandle, executionTime time.Duration, messages ...string) JobCompleted {
	return JobCompleted{
		JobID:         jobID,
		Worker:        worker,
		ExecutionTime: executionTime,
		Messages:      append([]string(nil), messages...),
	}
}

func (e JobCompleted) Origin() WorkerHandle { return e.Worker }
func (e JobCompleted) JobKey() int          { return e.JobID }

// WorkerTerminated is published by a worker pool when one of its workers'
// run loops exits unexpectedly.
type WorkerTerminated struct {
	Worker     WorkerHandle `json:"worker"`
	Reason     string       `json:"reason"`
	Restarting bool         `json:"restarting"`
}

func (e WorkerTerminated) Origin() WorkerHandle { return e.Worker }

var (
	WorkerEventType      = reflect.TypeOf((*WorkerEvent)(nil)).Elem()
	JobEventType         = reflect.TypeOf((*JobEvent)(nil)).Elem()
	WorkerAvailableType  = reflect.TypeOf(WorkerAvailable{})
	JobStartedType       = reflect.TypeOf(JobStarted{})
	JobCompletedType     = reflect.TypeOf(JobCompleted{})
	WorkerTerminatedType = reflect.TypeOf(WorkerTerminated{})
)

// WorkerEventTypes lists every concrete worker event type.
func WorkerEventTypes() []reflect.Type {
	return []reflect.Type{
		WorkerAvailableType,
		JobStartedType,
		JobCompletedType,
		WorkerTerminatedType,
	}
}
