package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/domain"
	"jobmesh/internal/metrics"
)

// ErrInvalidJobName is returned for blank job names.
var ErrInvalidJobName = errors.New("job name must not be empty")

// JobService implements job submission and history queries.
type JobService struct {
	local   domain.JobSubmitter
	remote  domain.JobSubmitter
	history domain.JobHistory
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewJobService creates a new JobService instance. Submissions go to local
// first; when this node is not the dispatcher they go to remote, which may be
// nil on a node that never forwards.
func NewJobService(local, remote domain.JobSubmitter, history domain.JobHistory, logger *slog.Logger) *JobService {
	return &JobService{
		local:   local,
		remote:  remote,
		history: history,
		logger:  logger.With("component", "job-service"),
		tracer:  otel.Tracer("jobmesh-usecase"),
	}
}

// SubmitJob queues a new job with the dispatcher wherever it runs.
func (s *JobService) SubmitJob(ctx context.Context, name string) (domain.JobAccepted, error) {
	ctx, span := s.tracer.Start(ctx, "service.SubmitJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	if strings.TrimSpace(name) == "" {
		metrics.JobSubmissionsTotal.WithLabelValues("rejected").Inc()
		return domain.JobAccepted{}, ErrInvalidJobName
	}

	route := "local"
	accepted, err := s.local.SubmitJob(ctx, name)
	if errors.Is(err, domain.ErrNotDispatcher) && s.remote != nil {
		route = "remote"
		accepted, err = s.remote.SubmitJob(ctx, name)
	}
	if err != nil {
		metrics.JobSubmissionsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job")
		return domain.JobAccepted{}, fmt.Errorf("failed to submit job %q: %w", name, err)
	}

	metrics.JobSubmissionsTotal.WithLabelValues(route).Inc()
	span.SetAttributes(attribute.Int("job.id", accepted.JobID), attribute.String("route", route))
	s.logger.Info("job submitted", "job_id", accepted.JobID, "job_name", name, "route", route)
	return accepted, nil
}

// ListHistory lists job outcomes, newest first.
func (s *JobService) ListHistory(ctx context.Context, page, pageSize int) ([]*domain.JobOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListHistory")
	defer span.End()
	span.SetAttributes(
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	records, err := s.history.List(ctx, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job history from repository")
	}
	return records, err
}

// GetOutcome returns the outcome of one job of a dispatcher instance.
func (s *JobService) GetOutcome(ctx context.Context, instance string, jobID int) (*domain.JobOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetOutcome")
	defer span.End()
	span.SetAttributes(attribute.String("dispatcher.instance", instance), attribute.Int("job.id", jobID))

	outcome, err := s.history.Get(ctx, instance, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job outcome from repository")
	}
	return outcome, err
}
