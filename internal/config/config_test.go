package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/scheduler"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ClusterModeStandalone, cfg.ClusterMode)
	assert.Equal(t, 5, cfg.WorkerCount)
	assert.Equal(t, time.Second, cfg.DispatchDelay)
	assert.Equal(t, 10*time.Second, cfg.JobTimeout)
	assert.Equal(t, 10*time.Second, cfg.AnnounceInterval)
	assert.Equal(t, 3*time.Second, cfg.StatsInterval)
	assert.Equal(t, 3, cfg.SupervisorMaxRestarts)
	assert.Equal(t, 5*time.Second, cfg.SupervisorWindow)
	assert.Equal(t, time.Second, cfg.JobMinDuration)
	assert.Equal(t, 10*time.Second, cfg.JobMaxDuration)
	assert.Equal(t, []string{"localhost:2379"}, cfg.EtcdEndpoints)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, ":9090", cfg.AdvertiseAddr())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JOBMESH_NODE_ID", "node-7")
	t.Setenv("JOBMESH_WORKER_COUNT", "12")
	t.Setenv("JOBMESH_JOB_TIMEOUT", "45s")
	t.Setenv("JOBMESH_GRPC_ADVERTISE_ADDR", "10.1.2.3:9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 12, cfg.WorkerCount)
	assert.Equal(t, 45*time.Second, cfg.JobTimeout)
	assert.Equal(t, "10.1.2.3:9090", cfg.AdvertiseAddr())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	yaml := "cluster_mode: etcd\netcd_endpoints:\n  - etcd-1:2379\n  - etcd-2:2379\nworker_count: 2\nlog_level: debug\nfeeds:\n  - name: report\n    schedule: \"*/10 * * * * *\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ClusterModeEtcd, cfg.ClusterMode)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []scheduler.Feed{{Name: "report", Schedule: "*/10 * * * * *"}}, cfg.Feeds)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("cluster mode", func(t *testing.T) {
		t.Setenv("JOBMESH_CLUSTER_MODE", "mesh")
		_, err := Load()
		require.ErrorContains(t, err, "invalid config")
	})

	t.Run("durations", func(t *testing.T) {
		t.Setenv("JOBMESH_JOB_MIN_DURATION", "5s")
		t.Setenv("JOBMESH_JOB_MAX_DURATION", "2s")
		_, err := Load()
		require.ErrorContains(t, err, "JobMaxDuration")
	})

	t.Run("log level", func(t *testing.T) {
		t.Setenv("JOBMESH_LOG_LEVEL", "loud")
		_, err := Load()
		require.Error(t, err)
	})
}
