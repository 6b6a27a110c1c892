package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/api"
	"github.com/UniQw/taskcluster/config"
	"github.com/UniQw/taskcluster/executor"
	"github.com/UniQw/taskcluster/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runDrainTimeout time.Duration
	runWatchConfig  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task processor node",
	Example: `  taskprocessor run -c taskprocessor.yaml
  TASKCLUSTER_REDIS_ADDR=redis:6379 taskprocessor run --watch`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().DurationVar(&runDrainTimeout, "drain-timeout", 30*time.Second, "how long shutdown waits for running tasks")
	runCmd.Flags().BoolVar(&runWatchConfig, "watch", false, "apply processor configuration changes from the config file")
}

func runNode(cmd *cobra.Command, _ []string) error {
	loader, err := config.NewLoader(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := loader.Config()
	if err != nil {
		return err
	}

	zl := logging.New(&cfg.Logger)
	defer func() { _ = zl.Sync() }()
	log := taskcluster.NewZapLogger(zl)

	c, err := dial(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	mux := executor.NewMux()
	mux.Use(logTasks(log))
	registerBuiltins(mux)
	exec := executor.New(mux,
		executor.WithTaskTimeout(cfg.Node.TaskTimeout),
		executor.WithLogger(log),
	)

	node, err := taskcluster.NewNode(c.store, c.bus, exec,
		taskcluster.WithProcessorID(cfg.Node.ID),
		taskcluster.WithConfiguration(cfg.Processor),
		taskcluster.WithHeartbeatInterval(cfg.Node.HeartbeatInterval),
		taskcluster.WithMaxHeartbeatRetries(cfg.Node.MaxHeartbeatRetries),
		taskcluster.WithDelayStrategy(cfg.Node.Backoff.Strategy()),
		taskcluster.WithAssignTimeout(cfg.Node.AssignTaskTimeout),
		taskcluster.WithNodeLogger(log),
		taskcluster.WithPollingJob(statsJobName, statsJob(c.client, log)),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	log.Infof("node started id=%s namespace=%s", node.ID(), cfg.Node.Namespace)

	if runWatchConfig && cfgFile != "" {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				log.Warnf("config reload rejected err=%v", err)
				return
			}
			if err := c.client.UpdateConfiguration(ctx, node.ID(), next.Processor); err != nil {
				log.Errorf("config reload failed err=%v", err)
				return
			}
			log.Infof("processor configuration reloaded")
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		app := api.NewApp(api.NewHandler(c.client, log))
		g.Go(func() error {
			log.Infof("api listening addr=%s", cfg.API.Addr)
			return app.Listen(cfg.API.Addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			return app.ShutdownWithTimeout(5 * time.Second)
		})
	}
	g.Go(func() error {
		// an explicit StopProcessor request ends the process as well
		select {
		case <-gctx.Done():
		case <-waitInactive(node):
			return errNodeStopped
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(node, exec, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errNodeStopped) {
		return err
	}
	return nil
}

var errNodeStopped = errors.New("node stopped")

// waitInactive closes the returned channel once the node finished a stop.
func waitInactive(node *taskcluster.Node) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if s := node.State(); s == taskcluster.StateInactive || s == taskcluster.StateDisposed {
				return
			}
		}
	}()
	return done
}

func shutdown(node *taskcluster.Node, exec *executor.Executor, log taskcluster.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), runDrainTimeout)
	defer cancel()
	if err := node.Stop(ctx); err != nil {
		log.Warnf("stop failed err=%v", err)
	}
	if err := node.Wait(ctx); err != nil {
		log.Warnf("drain timed out active=%v", node.ActiveTasks())
	}
	if err := node.Dispose(ctx); err != nil {
		return fmt.Errorf("dispose node: %w", err)
	}
	if err := exec.Wait(ctx); err != nil {
		log.Warnf("executor did not settle err=%v", err)
	}
	log.Infof("node disposed id=%s", node.ID())
	return nil
}
