// internal/master/dispatcher.go
package master

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/edwingeng/deque"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/metrics"
)

const announceTimeout = 5 * time.Second

// Config tunes the dispatcher's timers.
type Config struct {
	// DispatchDelay is how long a dispatch cycle waits after being triggered,
	// batching submissions and availability that arrive close together.
	DispatchDelay    time.Duration
	JobTimeout       time.Duration
	AnnounceInterval time.Duration
}

// EventSource is the node-local worker event bus the dispatcher listens on.
type EventSource interface {
	Subscribe(ctx context.Context, subscriber eventbus.Subscriber, types ...reflect.Type) ([]reflect.Type, error)
	Unsubscribe(ctx context.Context, subscriber eventbus.Subscriber, types ...reflect.Type) error
}

// Snapshot is a point-in-time view of the dispatcher.
type Snapshot struct {
	Dispatcher       domain.DispatcherHandle `json:"dispatcher"`
	PendingJobs      []int                   `json:"pending_jobs"`
	AvailableWorkers []domain.WorkerHandle   `json:"available_workers"`
	Assignments      []Assignment            `json:"assignments"`
	CycleScheduled   bool                    `json:"cycle_scheduled"`
	JobsCreated      int                     `json:"jobs_created"`
	JobsCompleted    int                     `json:"jobs_completed"`
	JobsTimedOut     int                     `json:"jobs_timed_out"`
	JobsLost         int                     `json:"jobs_lost"`
}

// Assignment is an active job and the worker executing it.
type Assignment struct {
	JobID  int                 `json:"job_id"`
	Name   string              `json:"name"`
	Worker domain.WorkerHandle `json:"worker"`
}

type createJob struct {
	name  string
	reply chan domain.JobAccepted
}

type workerLost struct {
	worker domain.WorkerHandle
	reason string
}

type nodeLost struct {
	nodeID string
}

type dispatchCycle struct{}

type jobTimeout struct {
	jobID int
}

type announceTick struct{}

// availableEntry is a queued availability. Entries whose seq no longer
// matches availableSet were superseded or withdrawn and are skipped.
type availableEntry struct {
	worker domain.WorkerHandle
	seq    uint64
}

type snapshotQuery struct {
	reply chan Snapshot
}

// Dispatcher is the cluster singleton that queues jobs and hands them to
// available workers, one job per worker at a time. All state lives in the run
// loop; public methods only post messages.
type Dispatcher struct {
	self        domain.DispatcherHandle
	cfg         Config
	events      EventSource
	broadcaster domain.Broadcaster
	messenger   domain.WorkerMessenger
	outcomes    domain.OutcomeSink
	clock       clockwork.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
	mailbox     *actor.Mailbox
	outbox      *actor.Mailbox
	stopped     chan struct{}

	runCtx        context.Context
	nextJobID     int
	queue         deque.Deque
	available     deque.Deque
	availableSet  map[domain.WorkerHandle]uint64
	availableSeq  uint64
	jobs          map[int]*domain.Job
	workerToJob   map[domain.WorkerHandle]int
	timeouts      map[int]clockwork.Timer
	cycleTimer    clockwork.Timer
	announceTimer clockwork.Timer

	completed int
	timedOut  int
	lost      int
}

// NewDispatcher creates a dispatcher identified by self. It does nothing
// until Run is called.
func NewDispatcher(self domain.DispatcherHandle, cfg Config, events EventSource, broadcaster domain.Broadcaster,
	messenger domain.WorkerMessenger, outcomes domain.OutcomeSink, clock clockwork.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		self:         self,
		cfg:          cfg,
		events:       events,
		broadcaster:  broadcaster,
		messenger:    messenger,
		outcomes:     outcomes,
		clock:        clock,
		logger:       logger.With("component", "dispatcher", "dispatcher", self.String()),
		tracer:       otel.Tracer("jobmesh-dispatcher"),
		mailbox:      actor.NewMailbox(),
		outbox:       actor.NewMailbox(),
		stopped:      make(chan struct{}),
		queue:        deque.NewDeque(),
		available:    deque.NewDeque(),
		availableSet: make(map[domain.WorkerHandle]uint64),
		jobs:         make(map[int]*domain.Job),
		workerToJob:  make(map[domain.WorkerHandle]int),
		timeouts:     make(map[int]clockwork.Timer),
	}
}

// Handle returns the identity this dispatcher announces.
func (d *Dispatcher) Handle() domain.DispatcherHandle { return d.self }

// Post accepts worker events from the event bus and the cluster topic.
func (d *Dispatcher) Post(msg any) bool {
	return d.mailbox.Post(msg)
}

// Stopped is closed once Run has returned.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

// Run activates the dispatcher: it starts listening for worker events,
// announces itself and serves requests until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	d.runCtx = ctx

	if _, err := d.events.Subscribe(ctx, d, domain.WorkerEventType); err != nil {
		return fmt.Errorf("failed to subscribe dispatcher to worker events: %w", err)
	}
	err := d.broadcaster.Subscribe(ctx, domain.TopicWorker, func(msg any) {
		if _, ok := msg.(domain.WorkerEvent); ok {
			d.mailbox.Post(msg)
		}
	})
	if err != nil {
		d.unsubscribe()
		return fmt.Errorf("failed to subscribe dispatcher to %q: %w", domain.TopicWorker, err)
	}

	// Announcements are published from the outbox, off the run loop.
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		d.outbox.Run(ctx, func(msg any) { d.publish(ctx, msg.(domain.DispatcherAvailable)) })
	}()

	d.logger.Info("dispatcher started")
	d.announce(true)
	d.mailbox.Run(ctx, d.receive)
	<-outboxDone

	d.stopTimers()
	d.unsubscribe()
	metrics.PendingJobs.Set(0)
	metrics.ActiveAssignments.Set(0)
	metrics.AvailableWorkers.Set(0)
	d.logger.Info("dispatcher stopped", "pending_jobs", d.queue.Len(), "active_jobs", len(d.workerToJob))
	return nil
}

// CreateJob queues a new job and returns its id. It never rejects a job for
// lack of capacity.
func (d *Dispatcher) CreateJob(ctx context.Context, name string) (domain.JobAccepted, error) {
	reply := make(chan domain.JobAccepted, 1)
	if !d.mailbox.Post(createJob{name: name, reply: reply}) {
		return domain.JobAccepted{}, domain.ErrDispatcherStopped
	}
	select {
	case accepted := <-reply:
		return accepted, nil
	case <-d.stopped:
		return domain.JobAccepted{}, domain.ErrDispatcherStopped
	case <-ctx.Done():
		return domain.JobAccepted{}, ctx.Err()
	}
}

// WorkerLost drops the worker from availability and releases any job it was
// executing.
func (d *Dispatcher) WorkerLost(worker domain.WorkerHandle, reason string) {
	d.mailbox.Post(workerLost{worker: worker, reason: reason})
}

// NodeLost is WorkerLost for every worker of a node.
func (d *Dispatcher) NodeLost(nodeID string) {
	d.mailbox.Post(nodeLost{nodeID: nodeID})
}

// Snapshot returns the dispatcher's current state.
func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !d.mailbox.Post(snapshotQuery{reply: reply}) {
		return Snapshot{}, domain.ErrDispatcherStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-d.stopped:
		return Snapshot{}, domain.ErrDispatcherStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (d *Dispatcher) receive(msg any) {
	switch m := msg.(type) {
	case createJob:
		d.onCreateJob(m)
	case domain.WorkerAvailable:
		d.onWorkerAvailable(m.Worker)
	case domain.JobStarted:
		d.onJobStarted(m)
	case domain.JobCompleted:
		d.onJobCompleted(m)
	case domain.WorkerTerminated:
		d.onWorkerLost(m.Worker, m.Reason)
	case workerLost:
		d.onWorkerLost(m.worker, m.reason)
	case nodeLost:
		d.onNodeLost(m.nodeID)
	case dispatchCycle:
		d.runDispatchCycle()
	case jobTimeout:
		d.onJobTimeout(m.jobID)
	case announceTick:
		d.announce(false)
	case snapshotQuery:
		m.reply <- d.snapshot()
	default:
		d.logger.Warn("dispatcher received unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (d *Dispatcher) onCreateJob(m createJob) {
	d.nextJobID++
	job := &domain.Job{
		ID:        d.nextJobID,
		Name:      m.name,
		State:     domain.JobStatePending,
		CreatedAt: d.clock.Now(),
	}
	d.jobs[job.ID] = job
	d.queue.PushBack(job)

	metrics.JobsCreatedTotal.Inc()
	metrics.PendingJobs.Set(float64(d.queue.Len()))
	d.logger.Info("job created", "job_id", job.ID, "job_name", job.Name)

	m.reply <- domain.JobAccepted{JobID: job.ID, Name: job.Name}
	d.scheduleDispatchCycle()
}

func (d *Dispatcher) onWorkerAvailable(worker domain.WorkerHandle) {
	if _, ok := d.availableSet[worker]; ok {
		d.stale("worker_available", "worker already known to be available", "worker", worker.String())
		return
	}
	d.availableSeq++
	d.availableSet[worker] = d.availableSeq
	d.available.PushBack(availableEntry{worker: worker, seq: d.availableSeq})

	metrics.AvailableWorkers.Set(float64(len(d.availableSet)))
	d.logger.Debug("worker available", "worker", worker.String())
	d.scheduleDispatchCycle()
}

func (d *Dispatcher) onJobStarted(m domain.JobStarted) {
	job, ok := d.activeJob(m.JobID, m.Worker)
	if !ok {
		d.stale("job_started", "ignoring start of unknown job", "job_id", m.JobID, "worker", m.Worker.String())
		return
	}
	job.StartedAt = d.clock.Now()
	d.logger.Info("job started", "job_id", job.ID, "worker", m.Worker.String())
}

func (d *Dispatcher) onJobCompleted(m domain.JobCompleted) {
	job, ok := d.activeJob(m.JobID, m.Worker)
	if !ok {
		d.stale("job_completed", "ignoring completion of unknown job", "job_id", m.JobID, "worker", m.Worker.String())
		return
	}
	d.completed++
	d.logger.Info("job completed", "job_id", job.ID, "job_name", job.Name,
		"worker", m.Worker.String(), "execution_time", m.ExecutionTime)
	d.release(job, domain.OutcomeCompleted, m.ExecutionTime, m.Messages)
}

func (d *Dispatcher) onJobTimeout(jobID int) {
	job, ok := d.jobs[jobID]
	if !ok || job.State != domain.JobStateActive {
		d.stale("job_timeout", "ignoring timeout of retired job", "job_id", jobID)
		return
	}
	d.timedOut++
	d.logger.Warn("job timed out, dropping it", "job_id", job.ID, "job_name", job.Name,
		"worker", job.Worker.String(), "timeout", d.cfg.JobTimeout)
	d.release(job, domain.OutcomeTimedOut, 0, nil)
}

func (d *Dispatcher) onWorkerLost(worker domain.WorkerHandle, reason string) {
	delete(d.availableSet, worker)
	metrics.AvailableWorkers.Set(float64(len(d.availableSet)))

	jobID, ok := d.workerToJob[worker]
	if !ok {
		d.logger.Debug("idle worker lost", "worker", worker.String(), "reason", reason)
		return
	}
	job := d.jobs[jobID]
	d.lost++
	d.logger.Warn("worker lost while executing job, dropping it", "job_id", jobID, "worker", worker.String(), "reason", reason)
	d.release(job, domain.OutcomeWorkerLost, 0, nil)
}

func (d *Dispatcher) onNodeLost(nodeID string) {
	d.logger.Warn("node lost", "node_id", nodeID)
	var workers []domain.WorkerHandle
	for w := range d.availableSet {
		if w.NodeID == nodeID {
			workers = append(workers, w)
		}
	}
	for w := range d.workerToJob {
		if w.NodeID == nodeID {
			workers = append(workers, w)
		}
	}
	for _, w := range workers {
		d.onWorkerLost(w, "node "+nodeID+" lost")
	}
}

func (d *Dispatcher) scheduleDispatchCycle() {
	if d.cycleTimer != nil {
		return
	}
	d.cycleTimer = d.clock.AfterFunc(d.cfg.DispatchDelay, func() {
		d.mailbox.Post(dispatchCycle{})
	})
}

// runDispatchCycle pairs the oldest pending jobs with the longest-waiting
// available workers until either runs out.
func (d *Dispatcher) runDispatchCycle() {
	_, span := d.tracer.Start(d.runCtx, "dispatcher.runDispatchCycle")
	defer span.End()
	metrics.DispatchCyclesTotal.Inc()

	dispatched := 0
	for !d.queue.Empty() {
		worker, ok := d.nextAvailableWorker()
		if !ok {
			break
		}
		job := d.queue.PopFront().(*domain.Job)

		if err := d.messenger.SendExecuteJob(worker, domain.ExecuteJob{JobID: job.ID, Name: job.Name}); err != nil {
			d.logger.Warn("failed to send job to worker, requeueing job", "job_id", job.ID, "worker", worker.String(), "error", err)
			d.queue.PushFront(job)
			continue
		}
		d.assign(job, worker)
		dispatched++
	}

	span.SetAttributes(
		attribute.Int("jobs.dispatched", dispatched),
		attribute.Int("jobs.pending", d.queue.Len()),
	)
	metrics.PendingJobs.Set(float64(d.queue.Len()))
	metrics.AvailableWorkers.Set(float64(len(d.availableSet)))
	d.cycleTimer = nil
}

// nextAvailableWorker pops the longest-waiting worker that is still available
// and not already executing a job.
func (d *Dispatcher) nextAvailableWorker() (domain.WorkerHandle, bool) {
	for !d.available.Empty() {
		entry := d.available.PopFront().(availableEntry)
		if !d.isCurrent(entry) {
			continue
		}
		worker := entry.worker
		delete(d.availableSet, worker)
		if jobID, busy := d.workerToJob[worker]; busy {
			d.logger.Debug("skipping busy worker", "worker", worker.String(), "job_id", jobID)
			continue
		}
		return worker, true
	}
	return domain.WorkerHandle{}, false
}

func (d *Dispatcher) isCurrent(entry availableEntry) bool {
	seq, ok := d.availableSet[entry.worker]
	return ok && seq == entry.seq
}

func (d *Dispatcher) assign(job *domain.Job, worker domain.WorkerHandle) {
	job.State = domain.JobStateActive
	job.Worker = &worker
	job.AssignedAt = d.clock.Now()
	d.workerToJob[worker] = job.ID

	jobID := job.ID
	d.timeouts[jobID] = d.clock.AfterFunc(d.cfg.JobTimeout, func() {
		d.mailbox.Post(jobTimeout{jobID: jobID})
	})

	metrics.JobsDispatchedTotal.Inc()
	metrics.ActiveAssignments.Set(float64(len(d.workerToJob)))
	d.logger.Info("job assigned", "job_id", job.ID, "job_name", job.Name, "worker", worker.String())
}

// release retires an active job: it frees the worker's slot, stops the
// timeout and records the outcome.
func (d *Dispatcher) release(job *domain.Job, status domain.OutcomeStatus, executionTime time.Duration, messages []string) {
	if t, ok := d.timeouts[job.ID]; ok {
		t.Stop()
		delete(d.timeouts, job.ID)
	}
	worker := *job.Worker
	delete(d.workerToJob, worker)
	delete(d.jobs, job.ID)

	metrics.JobOutcomesTotal.WithLabelValues(string(status)).Inc()
	metrics.ActiveAssignments.Set(float64(len(d.workerToJob)))

	if d.outcomes != nil {
		d.outcomes.RecordOutcome(domain.JobOutcome{
			JobID:              job.ID,
			Name:               job.Name,
			Worker:             worker,
			Status:             status,
			ExecutionTime:      executionTime,
			Messages:           messages,
			DispatcherInstance: d.self.Instance,
			RecordedAt:         d.clock.Now(),
		})
	}
}

// activeJob returns the job only if it is executing on the given worker.
// Checking the worker keeps events about an earlier dispatcher's job with the
// same id from retiring a job of this one.
func (d *Dispatcher) activeJob(jobID int, worker domain.WorkerHandle) (*domain.Job, bool) {
	job, ok := d.jobs[jobID]
	if !ok || job.State != domain.JobStateActive || *job.Worker != worker {
		return nil, false
	}
	return job, true
}

func (d *Dispatcher) announce(first bool) {
	d.outbox.Post(domain.DispatcherAvailable{Dispatcher: d.self, IsFirstAnnouncement: first})
	d.announceTimer = d.clock.AfterFunc(d.cfg.AnnounceInterval, func() {
		d.mailbox.Post(announceTick{})
	})
}

// publish runs on the outbox goroutine. A periodic announcement is dropped
// when a newer one is already queued behind it.
func (d *Dispatcher) publish(ctx context.Context, msg domain.DispatcherAvailable) {
	if !msg.IsFirstAnnouncement && d.outbox.Len() > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	if err := d.broadcaster.Publish(ctx, domain.TopicDispatcher, msg); err != nil {
		d.logger.Error("failed to announce dispatcher", "first_announcement", msg.IsFirstAnnouncement, "error", err)
		return
	}
	d.logger.Debug("dispatcher announced", "first_announcement", msg.IsFirstAnnouncement)
}

func (d *Dispatcher) stale(event, msg string, args ...any) {
	metrics.StaleEventsTotal.WithLabelValues(event).Inc()
	d.logger.Debug(msg, args...)
}

func (d *Dispatcher) snapshot() Snapshot {
	s := Snapshot{
		Dispatcher:       d.self,
		PendingJobs:      []int{},
		AvailableWorkers: []domain.WorkerHandle{},
		Assignments:      []Assignment{},
		CycleScheduled:   d.cycleTimer != nil,
		JobsCreated:      d.nextJobID,
		JobsCompleted:    d.completed,
		JobsTimedOut:     d.timedOut,
		JobsLost:         d.lost,
	}

	for i, n := 0, d.queue.Len(); i < n; i++ {
		job := d.queue.PopFront().(*domain.Job)
		s.PendingJobs = append(s.PendingJobs, job.ID)
		d.queue.PushBack(job)
	}

	for i, n := 0, d.available.Len(); i < n; i++ {
		entry := d.available.PopFront().(availableEntry)
		d.available.PushBack(entry)
		if d.isCurrent(entry) {
			s.AvailableWorkers = append(s.AvailableWorkers, entry.worker)
		}
	}

	for worker, jobID := range d.workerToJob {
		s.Assignments = append(s.Assignments, Assignment{JobID: jobID, Name: d.jobs[jobID].Name, Worker: worker})
	}
	slices.SortFunc(s.Assignments, func(a, b Assignment) int { return cmp.Compare(a.JobID, b.JobID) })
	return s
}

func (d *Dispatcher) stopTimers() {
	if d.cycleTimer != nil {
		d.cycleTimer.Stop()
		d.cycleTimer = nil
	}
	if d.announceTimer != nil {
		d.announceTimer.Stop()
		d.announceTimer = nil
	}
	for id, t := range d.timeouts {
		t.Stop()
		delete(d.timeouts, id)
	}
}

func (d *Dispatcher) unsubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.events.Unsubscribe(ctx, d); err != nil {
		d.logger.Debug("failed to unsubscribe dispatcher from worker events", "error", err)
	}
}
