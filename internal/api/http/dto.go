package http

import (
	"strings"
	"time"

	"jobmesh/internal/domain"
	"jobmesh/internal/master"
)

// SubmitJobRequest is the Data Transfer Object for submitting a job.
type SubmitJobRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128,notblank"`
}

// Normalize trims surrounding whitespace from the job name.
func (r *SubmitJobRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
}

// SubmitJobResponse is returned once the dispatcher has accepted a job.
type SubmitJobResponse struct {
	JobID int    `json:"job_id"`
	Name  string `json:"name"`
}

func newSubmitJobResponse(a domain.JobAccepted) SubmitJobResponse {
	return SubmitJobResponse{JobID: a.JobID, Name: a.Name}
}

// OutcomeResponse is the API view of a retired job.
type OutcomeResponse struct {
	JobID              int      `json:"job_id"`
	Name               string   `json:"name"`
	Worker             string   `json:"worker"`
	Status             string   `json:"status"`
	ExecutionTimeMs    int64    `json:"execution_time_ms"`
	Messages           []string `json:"messages,omitempty"`
	DispatcherInstance string   `json:"dispatcher_instance"`
	RecordedAt         string   `json:"recorded_at"`
}

func newOutcomeResponse(o *domain.JobOutcome) OutcomeResponse {
	return OutcomeResponse{
		JobID:              o.JobID,
		Name:               o.Name,
		Worker:             o.Worker.String(),
		Status:             string(o.Status),
		ExecutionTimeMs:    o.ExecutionTime.Milliseconds(),
		Messages:           o.Messages,
		DispatcherInstance: o.DispatcherInstance,
		RecordedAt:         o.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DispatcherResponse tells the caller where the dispatcher runs. State is set
// only when this node hosts it.
type DispatcherResponse struct {
	Local      bool                    `json:"local"`
	Dispatcher domain.DispatcherHandle `json:"dispatcher"`
	State      *master.Snapshot        `json:"state,omitempty"`
}

// StatsResponse is the API view of a node's worker statistics.
type StatsResponse struct {
	NodeID                    string `json:"node_id"`
	AvailableWorkerCount      int    `json:"available_worker_count"`
	ActiveWorkerCount         int    `json:"active_worker_count"`
	CompletedJobCount         int    `json:"completed_job_count"`
	AverageJobExecutionTimeMs int64  `json:"average_job_execution_time_ms"`
	PoolCapacity              int    `json:"pool_capacity"`
}

func newStatsResponse(s domain.NodeStats) StatsResponse {
	return StatsResponse{
		NodeID:                    s.NodeID,
		AvailableWorkerCount:      s.AvailableWorkerCount,
		ActiveWorkerCount:         s.ActiveWorkerCount,
		CompletedJobCount:         s.CompletedJobCount,
		AverageJobExecutionTimeMs: s.AverageJobExecutionTime.Milliseconds(),
		PoolCapacity:              s.PoolCapacity,
	}
}
