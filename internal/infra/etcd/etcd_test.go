package etcd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"

	"jobmesh/internal/domain"
)

// EtcdSuite runs against the cluster named by JOBMESH_TEST_ETCD_ENDPOINTS
// (comma separated) and is skipped without one.
type EtcdSuite struct {
	suite.Suite
	client *clientv3.Client
	logger *slog.Logger
}

func TestEtcdSuite(t *testing.T) {
	endpoints := os.Getenv("JOBMESH_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("JOBMESH_TEST_ETCD_ENDPOINTS not set")
	}
	suite.Run(t, &EtcdSuite{})
}

func (s *EtcdSuite) SetupSuite() {
	client, err := NewClient(strings.Split(os.Getenv("JOBMESH_TEST_ETCD_ENDPOINTS"), ","), 5*time.Second)
	s.Require().NoError(err)
	s.client = client
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *EtcdSuite) SetupTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.client.Delete(ctx, "/jobmesh/", clientv3.WithPrefix())
	s.Require().NoError(err)
}

func (s *EtcdSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *EtcdSuite) TestBroadcaster_PublishSubscribe() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster(s.client, 5*time.Second, s.logger)

	// Published before the subscription; must not be replayed.
	old := domain.DispatcherAvailable{Dispatcher: domain.DispatcherHandle{NodeID: "old", Instance: "i-0"}}
	s.Require().NoError(b.Publish(ctx, domain.TopicDispatcher, old))

	var mu sync.Mutex
	var got []any
	s.Require().NoError(b.Subscribe(ctx, domain.TopicDispatcher, func(msg any) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))

	announce := domain.DispatcherAvailable{
		Dispatcher:          domain.DispatcherHandle{NodeID: "node-a", Instance: uuid.NewString(), Addr: "127.0.0.1:9090"},
		IsFirstAnnouncement: true,
	}
	s.Require().NoError(b.Publish(ctx, domain.TopicDispatcher, announce))
	s.Require().NoError(b.Publish(ctx, domain.TopicWorker, domain.WorkerAvailable{Worker: domain.WorkerHandle{NodeID: "node-a", WorkerID: 1}}))

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	s.Equal(announce, got[0])
	mu.Unlock()
}

func (s *EtcdSuite) TestBroadcaster_DeliversAcrossCompaction() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster(s.client, 5*time.Second, s.logger)
	var mu sync.Mutex
	var got []any
	s.Require().NoError(b.Subscribe(ctx, domain.TopicWorker, func(msg any) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))
	received := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	worker := domain.WorkerHandle{NodeID: "node-a", WorkerID: 1}
	s.Require().NoError(b.Publish(ctx, domain.TopicWorker, domain.WorkerAvailable{Worker: worker}))
	s.Require().Eventually(func() bool { return received() == 1 }, 5*time.Second, 20*time.Millisecond)

	resp, err := s.client.Get(ctx, "/jobmesh/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	s.Require().NoError(err)
	_, err = s.client.Compact(ctx, resp.Header.Revision)
	s.Require().NoError(err)

	s.Require().NoError(b.Publish(ctx, domain.TopicWorker, domain.JobStarted{JobID: 1, Worker: worker}))
	s.Require().Eventually(func() bool { return received() == 2 }, 5*time.Second, 20*time.Millisecond)
}

func (s *EtcdSuite) TestHistoryRepository() {
	ctx := context.Background()
	repo := NewHistoryRepository(s.client, s.logger)

	base := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		s.Require().NoError(repo.Save(ctx, &domain.JobOutcome{
			JobID:              i,
			Name:               "job",
			Status:             domain.OutcomeCompleted,
			DispatcherInstance: "i-1",
			RecordedAt:         base.Add(time.Duration(i) * time.Second),
		}))
	}
	s.Require().Error(repo.Save(ctx, &domain.JobOutcome{JobID: 6}))

	first, err := repo.List(ctx, 1, 2)
	s.Require().NoError(err)
	s.Require().Len(first, 2)
	s.Equal([]int{5, 4}, []int{first[0].JobID, first[1].JobID})

	last, err := repo.List(ctx, 3, 2)
	s.Require().NoError(err)
	s.Require().Len(last, 1)
	s.Equal(1, last[0].JobID)

	empty, err := repo.List(ctx, 4, 2)
	s.Require().NoError(err)
	s.Empty(empty)

	got, err := repo.Get(ctx, "i-1", 3)
	s.Require().NoError(err)
	s.Equal(3, got.JobID)

	_, err = repo.Get(ctx, "i-1", 42)
	s.ErrorIs(err, domain.ErrOutcomeNotFound)
}

func (s *EtcdSuite) TestLeaderElection_SingleLeader() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := NewEtcdLeaderElectionManager(s.client, "node-a", 2*time.Second, s.logger)
	b := NewEtcdLeaderElectionManager(s.client, "node-b", 2*time.Second, s.logger)

	_, err := a.Campaign(ctx)
	s.Require().NoError(err)
	s.True(a.IsLeader())

	won := make(chan error, 1)
	go func() {
		_, err := b.Campaign(ctx)
		won <- err
	}()

	select {
	case <-won:
		s.Fail("second node won while the first still leads")
	case <-time.After(500 * time.Millisecond):
	}

	s.Require().NoError(a.Resign(ctx))
	s.False(a.IsLeader())
	require.NoError(s.T(), <-won)
	s.True(b.IsLeader())
	s.Require().NoError(b.Resign(ctx))
}
