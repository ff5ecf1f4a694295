// cmd/node/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "jobmesh/internal/api/http"
	"jobmesh/internal/config"
	"jobmesh/internal/infra/etcd"
	"jobmesh/internal/infra/memory"
	"jobmesh/internal/master"
	"jobmesh/internal/node"
	"jobmesh/internal/tracing"
	"jobmesh/internal/worker"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("node_id", cfg.NodeID)
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("jobmesh-node", cfg.NodeID, cfg.TracingEnabled, os.Stderr, logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting jobmesh node", "cluster_mode", cfg.ClusterMode, "worker_count", cfg.WorkerCount)

	// 3. Create root context and setup graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}

	nodeCfg := node.Config{
		NodeID:        cfg.NodeID,
		AdvertiseAddr: cfg.AdvertiseAddr(),
		Pool: worker.PoolConfig{
			Size:          cfg.WorkerCount,
			MaxRestarts:   cfg.SupervisorMaxRestarts,
			RestartWindow: cfg.SupervisorWindow,
			Duration:      worker.RandomDuration(cfg.JobMinDuration, cfg.JobMaxDuration),
		},
		Dispatcher: master.Config{
			DispatchDelay:    cfg.DispatchDelay,
			JobTimeout:       cfg.JobTimeout,
			AnnounceInterval: cfg.AnnounceInterval,
		},
		StatsInterval: cfg.StatsInterval,
		ClientRefresh: cfg.ClientRefreshInterval,
		Feeds:         cfg.Feeds,
	}
	deps := node.Deps{Listener: lis, Logger: logger}

	// 4. Cluster collaborators: etcd, or in-process for a standalone node
	var n *node.Node
	var discovery *master.NodeDiscovery
	switch cfg.ClusterMode {
	case config.ClusterModeEtcd:
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		discovery = master.NewNodeDiscovery(etcdClient, func(nodeID, addr string) {
			n.NodeLost(nodeID, addr)
		}, logger)

		deps.Broadcaster = etcd.NewBroadcaster(etcdClient, cfg.BroadcastTTL, logger)
		deps.Election = etcd.NewEtcdLeaderElectionManager(etcdClient, cfg.NodeID, cfg.LeaderElectionTTL, logger)
		deps.History = etcd.NewHistoryRepository(etcdClient, logger)
		deps.Resolver = discovery

		registry := worker.NewRegistry(etcdClient, logger)
		regCtx, regCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
		err = registry.Register(regCtx, cfg.NodeID, cfg.AdvertiseAddr(), int64(cfg.LeaderElectionTTL.Seconds()))
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register node: %v", err)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := registry.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister node", "error", err)
			}
		}()
	default:
		deps.Broadcaster = memory.NewBroadcaster()
		deps.Election = memory.NewElection().Manager(cfg.NodeID)
		deps.History = memory.NewHistoryRepository()
	}

	n, err = node.New(nodeCfg, deps)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	if discovery != nil {
		go discovery.WatchNodes(rootCtx)
	}

	// 5. Register routes and start the HTTP API server
	mux := http.NewServeMux()
	http_api.NewJobHandler(n.Jobs(), n.Dispatchers(), n.JobClient(), n.Stats(), logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// 6. Run the node until shutdown
	runErr := n.Run(rootCtx)
	logger.Info("shutting down node gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if runErr != nil {
		logger.Error("node exited with error", "error", runErr)
		return
	}
	logger.Info("node shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
