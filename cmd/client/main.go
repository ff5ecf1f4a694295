// cmd/client/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"jobmesh/internal/client"
	"jobmesh/internal/domain"
	"jobmesh/internal/infra/etcd"
	"jobmesh/internal/infra/rpc"
)

type rootCommand struct {
	cmd       *cobra.Command
	endpoints []string
	addr      string
	timeout   time.Duration
	logger    *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *rootCommand {
	root := &rootCommand{}
	root.cmd = &cobra.Command{
		Use:          "jobmesh-client",
		Short:        "Submit jobs to a jobmesh cluster and watch its dispatcher",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			root.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
		},
	}
	flags := root.cmd.PersistentFlags()
	flags.StringSliceVar(&root.endpoints, "etcd", []string{"localhost:2379"}, "etcd endpoints used to discover the dispatcher")
	flags.StringVar(&root.addr, "addr", "", "gRPC address of the dispatcher node; skips discovery")
	flags.DurationVar(&root.timeout, "timeout", 30*time.Second, "how long to wait for the dispatcher")

	root.cmd.AddCommand(submitCommand(root), watchCommand(root))
	return root
}

func submitCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "submit NAME...",
		Short: "Submit one job per name and print the assigned job ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()

			submit, closeFn, err := root.submitter(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, name := range args {
				accepted, err := submit.SubmitJob(ctx, name)
				if err != nil {
					return fmt.Errorf("submit %q: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d accepted: %s\n", accepted.JobID, accepted.Name)
			}
			return nil
		},
	}
}

func watchCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print dispatcher announcements until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			etcdClient, err := etcd.NewClient(root.endpoints, 5*time.Second)
			if err != nil {
				return err
			}
			defer etcdClient.Close()

			out := cmd.OutOrStdout()
			broadcaster := etcd.NewBroadcaster(etcdClient, time.Minute, root.logger)
			err = broadcaster.Subscribe(cmd.Context(), domain.TopicDispatcher, func(msg any) {
				if a, ok := msg.(domain.DispatcherAvailable); ok {
					fmt.Fprintf(out, "%s dispatcher %s at %s (first=%t)\n",
						time.Now().Format(time.RFC3339), a.Dispatcher, a.Dispatcher.Addr, a.IsFirstAnnouncement)
				}
			})
			if err != nil {
				return err
			}
			<-cmd.Context().Done()
			return nil
		},
	}
}

// submitter returns a direct gRPC submitter when --addr is set, otherwise a
// job client that waits for a dispatcher announcement over etcd.
func (r *rootCommand) submitter(ctx context.Context) (domain.JobSubmitter, func(), error) {
	if r.addr != "" {
		conn, err := rpc.Dial(r.addr)
		if err != nil {
			return nil, nil, err
		}
		return directSubmitter{conn}, func() { _ = conn.Close() }, nil
	}

	etcdClient, err := etcd.NewClient(r.endpoints, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	clients := rpc.NewClients()
	broadcaster := etcd.NewBroadcaster(etcdClient, time.Minute, r.logger)
	jobClient := client.New(broadcaster, client.GRPCTransport{Clients: clients}, clockwork.NewRealClock(), time.Minute, r.logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- jobClient.Run(runCtx) }()

	return jobClient, func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("job client stopped with error", "error", err)
		}
		_ = clients.Close()
		_ = etcdClient.Close()
	}, nil
}

type directSubmitter struct {
	conn *rpc.NodeClient
}

func (s directSubmitter) SubmitJob(ctx context.Context, name string) (domain.JobAccepted, error) {
	return s.conn.CreateJob(ctx, name)
}
