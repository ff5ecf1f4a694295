// internal/worker/worker.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"time"

	"github.com/jonboulle/clockwork"

	"jobmesh/internal/actor"
	"jobmesh/internal/domain"
)

// State is a worker's position in its lifecycle.
type State int

const (
	StateWaitingForDispatcher State = iota
	StateWaitingForJob
	StateExecutingJob
)

func (s State) String() string {
	switch s {
	case StateWaitingForDispatcher:
		return "waiting-for-dispatcher"
	case StateWaitingForJob:
		return "waiting-for-job"
	case StateExecutingJob:
		return "executing-job"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Publisher is where a worker reports its events (the node's event bus).
type Publisher interface {
	Publish(event any)
}

// DurationFunc picks the simulated execution time of a job.
type DurationFunc func(job domain.ExecuteJob) time.Duration

// RandomDuration returns a DurationFunc uniformly distributed in [min, max].
func RandomDuration(min, max time.Duration) DurationFunc {
	if max < min {
		max = min
	}
	return func(domain.ExecuteJob) time.Duration {
		return min + time.Duration(rand.Int63n(int64(max-min)+1))
	}
}

type executionFinished struct {
	job      domain.ExecuteJob
	duration time.Duration
}

type stateQuery struct {
	reply chan State
}

var (
	dispatcherAvailableType = reflect.TypeOf(domain.DispatcherAvailable{})
	executeJobType          = reflect.TypeOf(domain.ExecuteJob{})
	executionFinishedType   = reflect.TypeOf(executionFinished{})
)

// Worker executes at most one job at a time. Its behaviour is driven by a
// table of accepted message types per state; anything else is dropped.
type Worker struct {
	handle   domain.WorkerHandle
	events   Publisher
	clock    clockwork.Clock
	duration DurationFunc
	logger   *slog.Logger
	mailbox  *actor.Mailbox

	state      State
	dispatcher domain.DispatcherHandle
	execTimer  clockwork.Timer
	table      map[State]map[reflect.Type]func(msg any)
}

// NewWorker creates a worker in StateWaitingForDispatcher.
func NewWorker(handle domain.WorkerHandle, events Publisher, clock clockwork.Clock, duration DurationFunc, logger *slog.Logger) *Worker {
	w := &Worker{
		handle:   handle,
		events:   events,
		clock:    clock,
		duration: duration,
		logger:   logger.With("component", "worker", "worker", handle.String()),
		mailbox:  actor.NewMailbox(),
		state:    StateWaitingForDispatcher,
	}
	w.table = map[State]map[reflect.Type]func(msg any){
		StateWaitingForDispatcher: {
			dispatcherAvailableType: w.onFirstAnnouncement,
		},
		StateWaitingForJob: {
			executeJobType:          w.onExecuteJob,
			dispatcherAvailableType: w.onAnnouncementWhileIdle,
		},
		StateExecutingJob: {
			executionFinishedType:   w.onExecutionFinished,
			dispatcherAvailableType: w.onAnnouncementWhileBusy,
		},
	}
	return w
}

// Handle returns the worker's identity.
func (w *Worker) Handle() domain.WorkerHandle { return w.handle }

// Post enqueues a message for the worker (DispatcherAvailable or ExecuteJob).
func (w *Worker) Post(msg any) bool {
	return w.mailbox.Post(msg)
}

// State asks the run loop for the current state.
func (w *Worker) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if !w.mailbox.Post(stateQuery{reply: reply}) {
		return 0, fmt.Errorf("worker %s is not running", w.handle)
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run processes messages until ctx is done. A panic while handling a message
// ends the run with an error describing the crash.
func (w *Worker) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.stopExecTimer()

	w.logger.Info("worker waiting for initial announcement from dispatcher")
	w.mailbox.Run(ctx, func(msg any) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker %s crashed handling %T: %v", w.handle, msg, r)
				cancel()
			}
		}()
		w.receive(msg)
	})
	return err
}

func (w *Worker) receive(msg any) {
	if q, ok := msg.(stateQuery); ok {
		q.reply <- w.state
		return
	}

	handler, ok := w.table[w.state][reflect.TypeOf(msg)]
	if !ok {
		w.logger.Warn("worker dropped message not accepted in current state",
			"state", w.state.String(), "message", fmt.Sprintf("%T", msg))
		return
	}
	handler(msg)
}

func (w *Worker) become(state State) {
	w.state = state
	if state == StateWaitingForJob {
		w.logger.Info("worker waiting for job")
		w.announceAvailability()
	}
}

func (w *Worker) announceAvailability() {
	w.events.Publish(domain.WorkerAvailable{Worker: w.handle})
}

func (w *Worker) onFirstAnnouncement(msg any) {
	announcement := msg.(domain.DispatcherAvailable)
	w.logger.Info("worker received initial announcement from dispatcher",
		"dispatcher", announcement.Dispatcher.String())
	w.dispatcher = announcement.Dispatcher
	w.become(StateWaitingForJob)
}

// onAnnouncementWhileIdle re-announces the worker when the dispatcher moved,
// restarted, or explicitly asked with a first announcement.
func (w *Worker) onAnnouncementWhileIdle(msg any) {
	announcement := msg.(domain.DispatcherAvailable)
	if announcement.Dispatcher == w.dispatcher && !announcement.IsFirstAnnouncement {
		return
	}
	w.logger.Info("worker re-announcing availability to dispatcher",
		"dispatcher", announcement.Dispatcher.String(),
		"first_announcement", announcement.IsFirstAnnouncement)
	w.dispatcher = announcement.Dispatcher
	w.announceAvailability()
}

// onAnnouncementWhileBusy only tracks the dispatcher; availability is
// announced anyway once the current job finishes.
func (w *Worker) onAnnouncementWhileBusy(msg any) {
	w.dispatcher = msg.(domain.DispatcherAvailable).Dispatcher
}

func (w *Worker) onExecuteJob(msg any) {
	job := msg.(domain.ExecuteJob)
	d := w.duration(job)
	w.logger.Info("worker executing job", "job_id", job.JobID, "job_name", job.Name, "duration", d)

	w.execTimer = w.clock.AfterFunc(d, func() {
		w.mailbox.Post(executionFinished{job: job, duration: d})
	})
	w.events.Publish(domain.JobStarted{JobID: job.JobID, Worker: w.handle})
	w.become(StateExecutingJob)
}

func (w *Worker) onExecutionFinished(msg any) {
	finished := msg.(executionFinished)
	w.execTimer = nil
	w.logger.Info("worker completed job", "job_id", finished.job.JobID)

	w.events.Publish(domain.NewJobCompleted(finished.job.JobID, w.handle, finished.duration,
		fmt.Sprintf("Job %d completed successfully.", finished.job.JobID)))
	w.become(StateWaitingForJob)
}

func (w *Worker) stopExecTimer() {
	if w.execTimer != nil {
		w.execTimer.Stop()
		w.execTimer = nil
	}
}
