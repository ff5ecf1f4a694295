// internal/worker/server.go
package worker

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/domain"
	"jobmesh/internal/infra/rpc"
)

// Server implements rpc.NodeServer for one node: job deliveries go to the
// local pool, submissions go to whatever accepts jobs on this node.
type Server struct {
	pool   *Pool
	jobs   domain.JobSubmitter
	logger *slog.Logger
	tracer trace.Tracer
}

// NewServer creates the node's gRPC service implementation.
func NewServer(pool *Pool, jobs domain.JobSubmitter, logger *slog.Logger) *Server {
	return &Server{
		pool:   pool,
		jobs:   jobs,
		logger: logger.With("component", "grpc-server"),
		tracer: otel.Tracer("jobmesh-node"),
	}
}

// ExecuteJob is called by a remote dispatcher to run a job on one of this
// node's workers. It returns as soon as the job is queued with the worker.
func (s *Server) ExecuteJob(ctx context.Context, req *rpc.ExecuteJobRequest) (*rpc.ExecuteJobResponse, error) {
	_, span := s.tracer.Start(ctx, "node.ExecuteJob", trace.WithAttributes(
		attribute.Int("job.id", req.Job.JobID),
		attribute.String("job.name", req.Job.Name),
		attribute.String("worker", req.Worker.String()),
	))
	defer span.End()

	s.logger.Info("received job delivery", "job_id", req.Job.JobID, "worker", req.Worker.String())
	if err := s.pool.Deliver(req.Worker, req.Job); err != nil {
		s.logger.Warn("failed to deliver job to worker", "job_id", req.Job.JobID, "worker", req.Worker.String(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return nil, rpc.ToStatus(err)
	}
	return &rpc.ExecuteJobResponse{}, nil
}

// CreateJob accepts a job submission on behalf of the dispatcher.
func (s *Server) CreateJob(ctx context.Context, req *rpc.CreateJobRequest) (*rpc.CreateJobResponse, error) {
	ctx, span := s.tracer.Start(ctx, "node.CreateJob", trace.WithAttributes(attribute.String("job.name", req.Name)))
	defer span.End()

	accepted, err := s.jobs.SubmitJob(ctx, req.Name)
	if err != nil {
		s.logger.Warn("rejected job submission", "job_name", req.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission rejected")
		return nil, rpc.ToStatus(err)
	}
	span.SetAttributes(attribute.Int("job.id", accepted.JobID))
	return &rpc.CreateJobResponse{JobID: accepted.JobID, Name: accepted.Name}, nil
}
