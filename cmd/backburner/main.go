// Command backburner runs job workers and operates on their tubes.
//
// Subcommands:
//
//	work       run workers on the given tubes until SIGINT or SIGTERM
//	enqueue    put a job on its tube
//	kick       move buried jobs of a tube back to ready
//	stats-job  print the broker's record of a job
//	tubes      list the tubes known to the broker with their ready counts
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-backburner-worker/internal/concurrency"
	"go-backburner-worker/internal/config"
	"go-backburner-worker/internal/connection"
	"go-backburner-worker/internal/job"
	"go-backburner-worker/internal/logging"
	"go-backburner-worker/internal/redis"
	"go-backburner-worker/internal/sidecar"
	"go-backburner-worker/internal/worker"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "backburner",
		Short:         "Background job worker on a beanstalk-style queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		workCmd(),
		enqueueCmd(),
		kickCmd(),
		statsJobCmd(),
		tubesCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// buildRegistry routes the configured sidecar classes to a sidecar client.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*job.Registry, error) {
	reg := job.NewRegistry()
	if len(cfg.Sidecar.Classes) == 0 {
		return reg, nil
	}

	client, err := sidecar.NewClient(cfg.Sidecar)
	if err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		logger.Warn("sidecar health check failed", "url", cfg.Sidecar.URL, "error", err)
	}
	sidecar.Register(reg, client, cfg.Sidecar.Classes...)
	return reg, nil
}

func openConnection(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*connection.Connection, error) {
	return connection.New(ctx, redis.Dialer(cfg.Broker),
		connection.WithMaxReconnects(cfg.Broker.MaxReconnects),
		connection.WithReconnectRate(cfg.Broker.ReconnectRate),
		connection.WithLogger(logger),
	)
}

// ── work ──────────────────────────────────────────────────────────────────────

func workCmd() *cobra.Command {
	var concurrencyFlag int
	cmd := &cobra.Command{
		Use:   "work [tube...]",
		Short: "Process jobs from the given tubes, or from every known tube",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if concurrencyFlag > 0 {
				cfg.Worker.Concurrency = concurrencyFlag
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			reg, err := buildRegistry(ctx, cfg, logger)
			if err != nil {
				return err
			}

			opts := worker.Options{
				Config:   cfg,
				Registry: reg,
				Dialer:   redis.Dialer(cfg.Broker),
				Logger:   logger,
				OnError: func(ec worker.ErrorContext) {
					logger.Debug("job error reported", "name", ec.JobName, "error", ec.Err)
				},
			}
			group := concurrency.NewWorkerGroup(cfg.Worker.Concurrency, opts, args...)
			if err := group.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			stop()
			logger.Info("shutting down", "timeout", cfg.Worker.ShutdownTimeout)
			return group.Shutdown(cfg.Worker.ShutdownTimeout)
		},
	}
	cmd.Flags().IntVarP(&concurrencyFlag, "concurrency", "n", 0, "number of workers (overrides worker.concurrency)")
	return cmd
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		pri   int64
		label string
		delay time.Duration
		ttr   time.Duration
		queue string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <class> [json-args]",
		Short: "Put a job on its tube",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			var jobArgs []any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &jobArgs); err != nil {
					return fmt.Errorf("args must be a JSON array: %w", err)
				}
			}

			eo := worker.EnqueueOptions{PriorityLabel: label, Delay: delay, TTR: ttr, Queue: queue}
			if pri >= 0 {
				p := uint32(pri)
				eo.Priority = &p
			}

			opts := worker.Options{Config: cfg, Dialer: redis.Dialer(cfg.Broker), Logger: logger}
			receipt, err := worker.Enqueue(cmd.Context(), opts, args[0], jobArgs, eo)
			if err != nil {
				return err
			}
			if receipt == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "enqueue declined by hook")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", receipt.ID, receipt.Tube)
			return nil
		},
	}
	cmd.Flags().Int64Var(&pri, "pri", -1, "explicit priority (lower runs first)")
	cmd.Flags().StringVar(&label, "label", "", "named priority from job.priority_labels")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes ready")
	cmd.Flags().DurationVar(&ttr, "ttr", 0, "time to run before the job is released again")
	cmd.Flags().StringVar(&queue, "queue", "", "tube to put the job on instead of the class tube")
	return cmd
}

// ── kick ──────────────────────────────────────────────────────────────────────

func kickCmd() *cobra.Command {
	var bound int
	cmd := &cobra.Command{
		Use:   "kick <tube>",
		Short: "Move buried jobs of a tube back to ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			conn, err := openConnection(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			tube := worker.ExpandTubeName(cfg.Queue.TubeNamespace, cfg.Queue.NamespaceSeparator, args[0])
			n, err := conn.Kick(cmd.Context(), tube, bound)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kicked %d jobs on %s\n", n, tube)
			return nil
		},
	}
	cmd.Flags().IntVar(&bound, "bound", 1, "maximum number of jobs to kick")
	return cmd
}

// ── stats-job ─────────────────────────────────────────────────────────────────

func statsJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats-job <id>",
		Short: "Print the broker's record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			conn, err := openConnection(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			stats, err := conn.StatsJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"id":       stats.ID,
				"tube":     stats.Tube,
				"state":    stats.State,
				"pri":      stats.Priority,
				"ttr":      stats.TTR.String(),
				"age":      stats.Age.Round(time.Second).String(),
				"reserves": stats.Reserves,
				"releases": stats.Releases,
				"timeouts": stats.Timeouts,
				"buries":   stats.Buries,
				"kicks":    stats.Kicks,
			})
		},
	}
}

// ── tubes ─────────────────────────────────────────────────────────────────────

func tubesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tubes",
		Short: "List the tubes known to the broker with their ready counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			client, err := redis.NewClient(cmd.Context(), cfg.Broker)
			if err != nil {
				return err
			}
			defer client.Close()

			tubes, err := client.Tubes(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tubes {
				ready, err := client.GetQueueSize(cmd.Context(), t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", t, ready)
			}
			return nil
		},
	}
}
