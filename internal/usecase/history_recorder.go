package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
)

const saveTimeout = 5 * time.Second

// HistoryRecorder persists job outcomes off the dispatcher's run loop.
type HistoryRecorder struct {
	history domain.JobHistory
	mailbox *actor.Mailbox
	logger  *slog.Logger
}

// NewHistoryRecorder creates a recorder writing to history.
func NewHistoryRecorder(history domain.JobHistory, logger *slog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		history: history,
		mailbox: actor.NewMailbox(),
		logger:  logger.With("component", "history-recorder"),
	}
}

// RecordOutcome queues an outcome and returns immediately.
func (r *HistoryRecorder) RecordOutcome(outcome domain.JobOutcome) {
	if !r.mailbox.Post(outcome) {
		r.logger.Warn("history recorder stopped, dropping outcome", "job_id", outcome.JobID)
	}
}

// Run saves queued outcomes until ctx is done.
func (r *HistoryRecorder) Run(ctx context.Context) {
	r.mailbox.Run(ctx, func(msg any) {
		outcome := msg.(domain.JobOutcome)
		if err := r.save(ctx, &outcome); err != nil {
			r.logger.Error("failed to save job outcome", "job_id", outcome.JobID,
				"dispatcher_instance", outcome.DispatcherInstance, "error", err)
		}
	})
}

func (r *HistoryRecorder) save(ctx context.Context, outcome *domain.JobOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	if err := r.history.Save(ctx, outcome); err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}
