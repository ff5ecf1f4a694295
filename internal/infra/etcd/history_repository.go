// internal/infra/etcd/history_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/domain"
)

type historyRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHistoryRepository creates a job outcome repository backed by etcd.
func NewHistoryRepository(client *clientv3.Client, logger *slog.Logger) domain.JobHistory {
	return &historyRepository{
		client: client,
		logger: logger.With("component", "etcd-history"),
		tracer: otel.Tracer("jobmesh-etcd-history-repo"),
	}
}

// The key is structured as /jobmesh/history/{instance}/{jobID}. Job ids are
// zero padded so keys of one instance sort by id.
func outcomeKey(instance string, jobID int) string {
	return fmt.Sprintf("%s%s/%010d", HistoryPrefix, instance, jobID)
}

// Save persists a single outcome to etcd.
func (r *historyRepository) Save(ctx context.Context, outcome *domain.JobOutcome) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveOutcome")
	defer span.End()

	if err := outcome.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid job outcome")
		return err
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal job outcome")
		return fmt.Errorf("failed to marshal job outcome %d to JSON: %w", outcome.JobID, err)
	}

	key := outcomeKey(outcome.DispatcherInstance, outcome.JobID)
	span.SetAttributes(
		attribute.Int("job.id", outcome.JobID),
		attribute.String("job.status", string(outcome.Status)),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(data)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job outcome to etcd")
		return fmt.Errorf("failed to save job outcome %d to etcd: %w", outcome.JobID, err)
	}
	return nil
}

// Get retrieves the outcome of one job of a dispatcher instance.
func (r *historyRepository) Get(ctx context.Context, instance string, jobID int) (*domain.JobOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetOutcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatcher.instance", instance),
		attribute.Int("job.id", jobID),
	)

	resp, err := r.client.Get(ctx, outcomeKey(instance, jobID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job outcome from etcd")
		return nil, fmt.Errorf("failed to get job outcome %s/%d from etcd: %w", instance, jobID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s/%d", domain.ErrOutcomeNotFound, instance, jobID)
	}

	var outcome domain.JobOutcome
	if err := json.Unmarshal(resp.Kvs[0].Value, &outcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal job outcome")
		return nil, fmt.Errorf("failed to unmarshal job outcome %s/%d from JSON: %w", instance, jobID, err)
	}
	return &outcome, nil
}

// List retrieves outcomes of every dispatcher instance, newest first.
func (r *historyRepository) List(ctx context.Context, page, pageSize int) ([]*domain.JobOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListOutcomes")
	defer span.End()
	span.SetAttributes(
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("invalid page %d of size %d", page, pageSize)
	}

	// etcd has no offsets, so fetch the newest page*pageSize keys and skip
	// the earlier pages.
	resp, err := r.client.Get(ctx, HistoryPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
		clientv3.WithLimit(int64(page*pageSize)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job outcomes from etcd")
		return nil, fmt.Errorf("failed to list job outcomes from etcd: %w", err)
	}

	start := (page - 1) * pageSize
	if start >= len(resp.Kvs) {
		return []*domain.JobOutcome{}, nil
	}

	outcomes := make([]*domain.JobOutcome, 0, len(resp.Kvs)-start)
	for _, kv := range resp.Kvs[start:] {
		var outcome domain.JobOutcome
		if err := json.Unmarshal(kv.Value, &outcome); err != nil {
			r.logger.Warn("failed to unmarshal job outcome from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		outcomes = append(outcomes, &outcome)
	}
	span.SetAttributes(attribute.Int("records_returned", len(outcomes)))
	return outcomes, nil
}
