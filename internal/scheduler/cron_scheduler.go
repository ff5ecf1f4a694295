// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/domain"
)

const submitTimeout = 10 * time.Second

// Parser accepts six-field cron expressions with a leading seconds field.
var Parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Feed submits a job with the given name on every tick of Schedule.
type Feed struct {
	Name     string `mapstructure:"name" validate:"required,max=128"`
	Schedule string `mapstructure:"schedule" validate:"required"`
}

// Feeder submits jobs on cron schedules. It is a load source for the
// cluster: the jobs it creates are ordinary jobs and nothing is persisted.
type Feeder struct {
	cron   *cron.Cron
	jobs   domain.JobSubmitter
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewFeeder creates a feeder submitting through jobs.
func NewFeeder(jobs domain.JobSubmitter, logger *slog.Logger) *Feeder {
	return &Feeder{
		cron:    cron.New(cron.WithParser(Parser)),
		jobs:    jobs,
		logger:  logger.With("component", "job-feeder"),
		tracer:  otel.Tracer("jobmesh-scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// running submissions.
func (f *Feeder) Run(ctx context.Context) error {
	f.logger.Info("job feeder started", "feeds", len(f.Feeds()))
	f.cron.Start()
	<-ctx.Done()
	f.logger.Info("job feeder stopping...")
	<-f.cron.Stop().Done()
	f.logger.Info("job feeder stopped")
	return nil
}

// AddFeed schedules feed, replacing any feed with the same name.
func (f *Feeder) AddFeed(feed Feed) error {
	if feed.Name == "" {
		return fmt.Errorf("feed has no job name")
	}
	schedule, err := Parser.Parse(feed.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for feed %q: %w", feed.Schedule, feed.Name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.entries[feed.Name]; ok {
		f.cron.Remove(id)
	}
	f.entries[feed.Name] = f.cron.Schedule(schedule, &feedJob{
		name:   feed.Name,
		jobs:   f.jobs,
		logger: f.logger.With("job_name", feed.Name),
		tracer: f.tracer,
	})
	f.logger.Info("added feed", "job_name", feed.Name, "schedule", feed.Schedule)
	return nil
}

// RemoveFeed removes the feed with the given name.
func (f *Feeder) RemoveFeed(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.entries[name]; ok {
		f.cron.Remove(id)
		delete(f.entries, name)
		f.logger.Info("removed feed", "job_name", name)
	}
}

// Feeds returns the names of the scheduled feeds.
func (f *Feeder) Feeds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	return names
}

type feedJob struct {
	name   string
	jobs   domain.JobSubmitter
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (j *feedJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	ctx, span := j.tracer.Start(ctx, "scheduler.SubmitJob",
		trace.WithAttributes(attribute.String("job.name", j.name)))
	defer span.End()

	accepted, err := j.jobs.SubmitJob(ctx, j.name)
	if err != nil {
		j.logger.Warn("failed to submit fed job", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job")
		return
	}
	span.SetAttributes(attribute.Int("job.id", accepted.JobID))
	j.logger.Debug("fed job submitted", "job_id", accepted.JobID)
}
