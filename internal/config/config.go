// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"jobmesh/internal/scheduler"
)

const (
	ClusterModeEtcd       = "etcd"
	ClusterModeStandalone = "standalone"
)

// Config holds all configuration for a jobmesh node or client.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NodeID      string `mapstructure:"node_id"`
	ClusterMode string `mapstructure:"cluster_mode" validate:"oneof=etcd standalone"`

	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints" validate:"required_if=ClusterMode etcd"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl" validate:"gte=1s"`
	BroadcastTTL      time.Duration `mapstructure:"broadcast_ttl" validate:"gte=1s"`

	HttpListenAddr    string `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr    string `mapstructure:"grpc_listen_addr" validate:"required"`
	GrpcAdvertiseAddr string `mapstructure:"grpc_advertise_addr"`

	WorkerCount           int           `mapstructure:"worker_count" validate:"gte=0"`
	DispatchDelay         time.Duration `mapstructure:"dispatch_delay" validate:"gte=0"`
	JobTimeout            time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
	AnnounceInterval      time.Duration `mapstructure:"announce_interval" validate:"gt=0"`
	StatsInterval         time.Duration `mapstructure:"stats_interval" validate:"gt=0"`
	SupervisorMaxRestarts int           `mapstructure:"supervisor_max_restarts" validate:"gte=0"`
	SupervisorWindow      time.Duration `mapstructure:"supervisor_window" validate:"gt=0"`
	JobMinDuration        time.Duration `mapstructure:"job_min_duration" validate:"gte=0"`
	JobMaxDuration        time.Duration `mapstructure:"job_max_duration" validate:"gtefield=JobMinDuration"`

	ClientRefreshInterval time.Duration `mapstructure:"client_refresh_interval" validate:"gt=0"`

	// Feeds are cron-driven job submissions run by every node's job feeder.
	Feeds []scheduler.Feed `mapstructure:"feeds" validate:"dive"`

	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// AdvertiseAddr is the gRPC address other nodes should dial.
func (c *Config) AdvertiseAddr() string {
	if c.GrpcAdvertiseAddr != "" {
		return c.GrpcAdvertiseAddr
	}
	return c.GrpcListenAddr
}

// Load loads configuration from file and environment variables.
// Environment variables use the JOBMESH_ prefix, e.g. JOBMESH_WORKER_COUNT.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("cluster_mode", ClusterModeStandalone)
	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("leader_election_ttl", "10s")
	v.SetDefault("broadcast_ttl", "30s")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":9090")
	v.SetDefault("grpc_advertise_addr", "")
	v.SetDefault("worker_count", 5)
	v.SetDefault("dispatch_delay", "1s")
	v.SetDefault("job_timeout", "10s")
	v.SetDefault("announce_interval", "10s")
	v.SetDefault("stats_interval", "3s")
	v.SetDefault("supervisor_max_restarts", 3)
	v.SetDefault("supervisor_window", "5s")
	v.SetDefault("job_min_duration", "1s")
	v.SetDefault("job_max_duration", "10s")
	v.SetDefault("client_refresh_interval", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("node_id", "")

	v.SetConfigName("config")    // name of config file (without extension)
	v.SetConfigType("yaml")      // or "json", "toml"
	v.AddConfigPath("./configs") // path to look for the config file in
	v.AddConfigPath(".")         // optionally look for config in the working directory
	if path := os.Getenv("JOBMESH_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("jobmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
