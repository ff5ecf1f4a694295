package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/domain"
	"jobmesh/internal/master"
)

type fakeJobs struct {
	submitted []string
	submitErr error
	history   []*domain.JobOutcome
	page      int
	pageSize  int
}

func (f *fakeJobs) SubmitJob(_ context.Context, name string) (domain.JobAccepted, error) {
	if f.submitErr != nil {
		return domain.JobAccepted{}, f.submitErr
	}
	f.submitted = append(f.submitted, name)
	return domain.JobAccepted{JobID: len(f.submitted), Name: name}, nil
}

func (f *fakeJobs) ListHistory(_ context.Context, page, pageSize int) ([]*domain.JobOutcome, error) {
	f.page, f.pageSize = page, pageSize
	return f.history, nil
}

func (f *fakeJobs) GetOutcome(_ context.Context, instance string, jobID int) (*domain.JobOutcome, error) {
	for _, o := range f.history {
		if o.DispatcherInstance == instance && o.JobID == jobID {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%d", domain.ErrOutcomeNotFound, instance, jobID)
}

type fakeState struct {
	snapshot master.Snapshot
	err      error
}

func (f fakeState) Snapshot(context.Context) (master.Snapshot, error) { return f.snapshot, f.err }

type fakeLocator struct {
	handle domain.DispatcherHandle
	err    error
}

func (f fakeLocator) Dispatcher(context.Context) (domain.DispatcherHandle, error) {
	return f.handle, f.err
}

type fakeStats domain.NodeStats

func (f fakeStats) Collect(context.Context) (domain.NodeStats, error) {
	return domain.NodeStats(f), nil
}

var remote = domain.DispatcherHandle{NodeID: "node-b", Instance: "i-2", Addr: "10.0.0.2:9090"}

func newTestServer(t *testing.T, jobs *fakeJobs, state fakeState, locator fakeLocator) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stats := fakeStats{NodeID: "node-a", AvailableWorkerCount: 3, ActiveWorkerCount: 2, CompletedJobCount: 7, AverageJobExecutionTime: 1500 * time.Millisecond, PoolCapacity: 5}

	mux := http.NewServeMux()
	NewJobHandler(jobs, state, locator, stats, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitJob(t *testing.T) {
	jobs := &fakeJobs{}
	srv := newTestServer(t, jobs, fakeState{}, fakeLocator{})

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"name":"  report  "}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[SubmitJobResponse](t, resp)
	assert.Equal(t, SubmitJobResponse{JobID: 1, Name: "report"}, body)
	assert.Equal(t, []string{"report"}, jobs.submitted)
}

func TestSubmitJob_Validation(t *testing.T) {
	jobs := &fakeJobs{}
	srv := newTestServer(t, jobs, fakeState{}, fakeLocator{})

	for name, payload := range map[string]string{
		"malformed": `{"name":`,
		"missing":   `{}`,
		"blank":     `{"name":"   "}`,
		"too long":  fmt.Sprintf(`{"name":%q}`, strings.Repeat("x", 129)),
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(payload))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, jobs.submitted)
}

func TestSubmitJob_NoDispatcher(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{submitErr: fmt.Errorf("submit: %w", domain.ErrNoDispatcher)}, fakeState{}, fakeLocator{})

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListHistory(t *testing.T) {
	recorded := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	jobs := &fakeJobs{history: []*domain.JobOutcome{{
		JobID:              4,
		Name:               "b",
		Worker:             domain.WorkerHandle{NodeID: "node-a", WorkerID: 2},
		Status:             domain.OutcomeCompleted,
		ExecutionTime:      2 * time.Second,
		DispatcherInstance: "i-1",
		RecordedAt:         recorded,
	}}}
	srv := newTestServer(t, jobs, fakeState{}, fakeLocator{})

	resp, err := http.Get(srv.URL + "/jobs/history?page=2&pageSize=500")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[[]OutcomeResponse](t, resp)
	require.Len(t, body, 1)
	assert.Equal(t, "node-a/worker-2", body[0].Worker)
	assert.Equal(t, int64(2000), body[0].ExecutionTimeMs)
	assert.Equal(t, "completed", body[0].Status)
	assert.Equal(t, 2, jobs.page)
	assert.Equal(t, 20, jobs.pageSize)
}

func TestGetOutcome(t *testing.T) {
	jobs := &fakeJobs{history: []*domain.JobOutcome{{JobID: 9, Name: "z", Status: domain.OutcomeTimedOut, DispatcherInstance: "i-1", RecordedAt: time.Now()}}}
	srv := newTestServer(t, jobs, fakeState{}, fakeLocator{})

	resp, err := http.Get(srv.URL + "/jobs/history/i-1/9")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "timed_out", decode[OutcomeResponse](t, resp).Status)

	resp, err = http.Get(srv.URL + "/jobs/history/i-1/10")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/jobs/history/i-1/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDispatcher(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		local := domain.DispatcherHandle{NodeID: "node-a", Instance: "i-1"}
		srv := newTestServer(t, &fakeJobs{}, fakeState{snapshot: master.Snapshot{Dispatcher: local, PendingJobs: []int{3}}}, fakeLocator{})

		resp, err := http.Get(srv.URL + "/dispatcher")
		require.NoError(t, err)
		body := decode[DispatcherResponse](t, resp)
		assert.True(t, body.Local)
		assert.Equal(t, local, body.Dispatcher)
		require.NotNil(t, body.State)
		assert.Equal(t, []int{3}, body.State.PendingJobs)
	})

	t.Run("remote", func(t *testing.T) {
		srv := newTestServer(t, &fakeJobs{}, fakeState{err: domain.ErrNotDispatcher}, fakeLocator{handle: remote})

		resp, err := http.Get(srv.URL + "/dispatcher")
		require.NoError(t, err)
		body := decode[DispatcherResponse](t, resp)
		assert.False(t, body.Local)
		assert.Equal(t, remote, body.Dispatcher)
		assert.Nil(t, body.State)
	})

	t.Run("unknown", func(t *testing.T) {
		srv := newTestServer(t, &fakeJobs{}, fakeState{err: domain.ErrNotDispatcher}, fakeLocator{err: domain.ErrNoDispatcher})

		resp, err := http.Get(srv.URL + "/dispatcher")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, fakeState{}, fakeLocator{})

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	body := decode[StatsResponse](t, resp)
	assert.Equal(t, StatsResponse{
		NodeID:                    "node-a",
		AvailableWorkerCount:      3,
		ActiveWorkerCount:         2,
		CompletedJobCount:         7,
		AverageJobExecutionTimeMs: 1500,
		PoolCapacity:              5,
	}, body)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, fakeState{}, fakeLocator{})

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `jobmesh_http_requests_total{code="200",method="GET",path="/stats"}`)
}
