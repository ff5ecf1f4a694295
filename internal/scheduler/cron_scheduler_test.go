package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"jobmesh/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (r *recordingSubmitter) SubmitJob(_ context.Context, name string) (domain.JobAccepted, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.JobAccepted{}, r.err
	}
	r.names = append(r.names, name)
	return domain.JobAccepted{JobID: len(r.names), Name: name}, nil
}

func (r *recordingSubmitter) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFeeder_AddFeed(t *testing.T) {
	f := NewFeeder(&recordingSubmitter{}, testLogger())

	require.NoError(t, f.AddFeed(Feed{Name: "report", Schedule: "*/5 * * * * *"}))
	require.NoError(t, f.AddFeed(Feed{Name: "cleanup", Schedule: "@every 1m"}))
	require.NoError(t, f.AddFeed(Feed{Name: "report", Schedule: "0 * * * * *"}))

	names := f.Feeds()
	sort.Strings(names)
	assert.Equal(t, []string{"cleanup", "report"}, names)
	assert.Len(t, f.cron.Entries(), 2)

	f.RemoveFeed("cleanup")
	assert.Equal(t, []string{"report"}, f.Feeds())
}

func TestFeeder_AddFeedInvalid(t *testing.T) {
	f := NewFeeder(&recordingSubmitter{}, testLogger())

	require.Error(t, f.AddFeed(Feed{Name: "report", Schedule: "not a schedule"}))
	require.Error(t, f.AddFeed(Feed{Name: "", Schedule: "@every 1s"}))
	assert.Empty(t, f.Feeds())
}

func TestFeedJob_Run(t *testing.T) {
	jobs := &recordingSubmitter{}
	f := NewFeeder(jobs, testLogger())
	job := &feedJob{name: "report", jobs: jobs, logger: f.logger, tracer: f.tracer}

	job.Run()
	job.Run()
	assert.Equal(t, []string{"report", "report"}, jobs.submitted())

	jobs.err = errors.New("no dispatcher")
	job.Run()
	assert.Len(t, jobs.submitted(), 2)
}

func TestFeeder_RunSubmits(t *testing.T) {
	jobs := &recordingSubmitter{}
	f := NewFeeder(jobs, testLogger())
	require.NoError(t, f.AddFeed(Feed{Name: "tick", Schedule: "* * * * * *"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(jobs.submitted()) > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "tick", jobs.submitted()[0])
}
