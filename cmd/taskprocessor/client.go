package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/bus/redisbus"
	"github.com/UniQw/taskcluster/config"
	"github.com/UniQw/taskcluster/store/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// conn bundles the Redis-backed collaborators of one process.
type conn struct {
	rdb    *redis.Client
	store  *redisstore.Store
	bus    *redisbus.Bus
	client *taskcluster.Client
}

func dial(ctx context.Context, cfg *config.Config, log taskcluster.Logger) (*conn, error) {
	rdb := redis.NewClient(cfg.Redis.Options())
	store := redisstore.New(rdb,
		redisstore.WithNamespace(cfg.Node.Namespace),
		redisstore.WithExpiration(cfg.Store.Expiration),
		redisstore.WithRetention(cfg.Store.Retention),
		redisstore.WithArchiveLimit(cfg.Store.ArchiveLimit),
	)
	if err := store.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
	}
	bus := redisbus.New(rdb, redisbus.WithNamespace(cfg.Node.Namespace), redisbus.WithLogger(log))
	client, err := taskcluster.NewClient(store, bus)
	if err != nil {
		_ = bus.Close()
		_ = rdb.Close()
		return nil, err
	}
	return &conn{rdb: rdb, store: store, bus: bus, client: client}, nil
}

func (c *conn) close() {
	_ = c.bus.Close()
	_ = c.rdb.Close()
}

// withClient loads the configuration and runs fn with a connected client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *conn) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	c, err := dial(cmd.Context(), cfg, taskcluster.NopLogger())
	if err != nil {
		return err
	}
	defer c.close()
	return fn(cmd.Context(), c)
}

var (
	submitID       string
	submitPriority string
	submitQueue    string
)

var submitCmd = &cobra.Command{
	Use:     "submit <type> [json-payload]",
	Short:   "Submit a task",
	Example: `  taskprocessor submit sleep '{"duration":2000000000,"steps":4}' --priority high`,
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := taskcluster.ParsePriority(submitPriority)
		if err != nil {
			return err
		}
		payload := []byte("null")
		if len(args) == 2 {
			payload = []byte(args[1])
		}
		opts := []taskcluster.Option{taskcluster.WithPriority(priority)}
		if submitID != "" {
			opts = append(opts, taskcluster.TaskID(submitID))
		}
		if submitQueue != "" {
			opts = append(opts, taskcluster.InPollingQueue(submitQueue))
		}
		return withClient(cmd, func(ctx context.Context, c *conn) error {
			id, err := c.client.Submit(ctx, args[0], payload, opts...)
			if id != "" {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *conn) error {
			return c.client.Cancel(ctx, args[0])
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <processor-id>",
	Short: "Ask a processor to stop gracefully",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *conn) error {
			return c.client.RequestStop(ctx, args[0])
		})
	},
}

var masterYield bool

var masterCmd = &cobra.Command{
	Use:   "master <processor-id>",
	Short: "Move the master role to a processor, or make it yield with --yield",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *conn) error {
			return c.client.RequestMasterModeChange(ctx, args[0], !masterYield)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List processors and the current master",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *conn) error {
			master, err := c.client.GetMasterID(ctx)
			if err != nil {
				return err
			}
			procs, err := c.client.ListProcessors(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMACHINE\tSTATE\tMASTER")
			for _, p := range procs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.TaskProcessorID, p.MachineName, p.State, p.TaskProcessorID == master)
			}
			return w.Flush()
		})
	},
}

var perfWait time.Duration

var perfCmd = &cobra.Command{
	Use:   "perf [processor-id]",
	Short: "Request performance reports and print them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *conn) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, perfWait)
			defer cancel()

			enc := &taskcluster.JSONEncoder{}
			out := cmd.OutOrStdout()
			err := c.bus.Subscribe(taskcluster.ChannelPerformanceReport, func(_ context.Context, b []byte) {
				var ev taskcluster.PerformanceReportEvent
				if enc.Decode(b, &ev) != nil {
					return
				}
				fmt.Fprintf(out, "%s cpu=%.1f%% mem=%.1f%% active=%d\n",
					ev.TaskProcessorID, ev.CPUPercent, ev.MemoryPercent, ev.ActiveTasks)
			})
			if err != nil {
				return err
			}
			if err := c.client.RequestPerformanceReport(ctx, target); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "explicit task id")
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "normal", "low, normal, high or very_high")
	submitCmd.Flags().StringVarP(&submitQueue, "queue", "q", "", "polling queue key")
	masterCmd.Flags().BoolVar(&masterYield, "yield", false, "ask the processor to give up the role")
	perfCmd.Flags().DurationVar(&perfWait, "wait", 3*time.Second, "how long to collect reports")

	rootCmd.AddCommand(submitCmd, cancelCmd, stopCmd, masterCmd, statusCmd, perfCmd)
}
