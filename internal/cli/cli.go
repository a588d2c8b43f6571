// ============================================================================
// wikigraph CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands driving the coordinator
//
// Command Structure:
//   wikigraph                      # Root command
//   ├── run                        # Full analysis against live workers
//   │   ├── --sample               # Distance jobs per dimension
//   │   ├── --dimensions           # articles,categories
//   │   └── --snapshot             # Report file
//   ├── replay                     # Rebuild distances from an AOF, repair the rest
//   │   └── --log                  # Append-only log path
//   ├── explore <job-id>...        # Enqueue jobs without waiting
//   ├── status                     # Leadership and last report
//   │   └── --addr                 # Health endpoint
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run and replay:
//   1. Load and validate config, set up logging
//   2. Connect to Redis
//   3. Start the health and metrics endpoints when enabled
//   4. Run the analysis pipeline until done or SIGINT/SIGTERM
//   5. Save the report snapshot and print a summary
//
// Errors abort the run and make the process exit non-zero; leadership and
// the lost-job monitor are released on every path.
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/wikigraph/internal/analyze"
	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/broker/redisbroker"
	"github.com/ChuLiYu/wikigraph/internal/config"
	"github.com/ChuLiYu/wikigraph/internal/controller"
	"github.com/ChuLiYu/wikigraph/internal/graphinfo"
	"github.com/ChuLiYu/wikigraph/internal/metrics"
	"github.com/ChuLiYu/wikigraph/internal/server"
	"github.com/ChuLiYu/wikigraph/internal/snapshot"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

const Version = "1.0.0"

type rootOptions struct {
	configFile string
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "wikigraph",
		Short: "wikigraph: coordinator for Wikipedia link graph analytics",
		Long: `wikigraph drives graph jobs through Redis-connected workers with:
- rate limited bulk submission
- lost job recovery
- single active coordinator
- streaming distance aggregation and AOF replay`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildReplayCommand(opts))
	rootCmd.AddCommand(buildExploreCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// run / replay
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var (
		sample     int64
		dimensions []string
		snapshotTo string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a full analysis against live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("sample") {
				cfg.Analysis.Sample = sample
			}
			if cmd.Flags().Changed("dimensions") {
				cfg.Analysis.Dimensions = dimensions
			}
			if cmd.Flags().Changed("snapshot") {
				cfg.Snapshot.Path = snapshotTo
			}
			cfg.Replay.Log = ""
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runAnalysis(cmd, cfg)
		},
	}

	cmd.Flags().Int64Var(&sample, "sample", 0, "distance jobs per dimension (0 = every node)")
	cmd.Flags().StringSliceVar(&dimensions, "dimensions", nil, "dimensions to aggregate: articles, categories")
	cmd.Flags().StringVar(&snapshotTo, "snapshot", "", "report snapshot path")
	return cmd
}

func buildReplayCommand(opts *rootOptions) *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild distance aggregates from an append-only log",
		Long:  "Decode cached distance results from a Redis AOF file, then run live jobs only for the nodes the log misses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if logPath != "" {
				cfg.Replay.Log = logPath
			}
			if cfg.Replay.Log == "" {
				return fmt.Errorf("replay log is required (use --log or replay.log)")
			}
			return runAnalysis(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&logPath, "log", "", "append-only log to replay")
	return cmd
}

func runAnalysis(cmd *cobra.Command, cfg *config.Config) error {
	logger, cleanup, err := cfg.SetupLogger()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := redisbroker.New(cfg.RedisOptions(), logger)
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	report, err := execute(ctx, cfg, b, logger)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), cfg, report)
	return nil
}

func analyzeConfig(cfg *config.Config) (analyze.Config, error) {
	dims, err := cfg.Dimensions()
	if err != nil {
		return analyze.Config{}, err
	}
	return analyze.Config{
		Dimensions:  dims,
		Sample:      cfg.Analysis.Sample,
		KeepClosest: cfg.Analysis.KeepClosest,
		Seed:        cfg.Analysis.Seed,
		ReplayLog:   cfg.Replay.Log,
		Controller:  cfg.ControllerConfig(),
		Monitor:     cfg.MonitorConfig(),
		Leader:      cfg.LeaderConfig(),
	}, nil
}

// backupSaver keeps the previous reports next to the new one.
type backupSaver struct {
	mgr  *snapshot.Manager
	keep int
}

func (s backupSaver) Write(report *graphinfo.Report) error {
	return s.mgr.WriteWithBackup(report, s.keep)
}

// execute runs one analysis with the health and metrics endpoints alongside.
// Either endpoint failing aborts the analysis.
func execute(ctx context.Context, cfg *config.Config, b broker.Broker, logger *slog.Logger) (*graphinfo.Report, error) {
	acfg, err := analyzeConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	acfg.Metrics = metrics.NewCollector(reg)
	acfg.Logger = logger
	if cfg.Snapshot.Path != "" {
		acfg.Saver = backupSaver{mgr: snapshot.NewManager(cfg.Snapshot.Path), keep: cfg.Snapshot.KeepBackups}
	}

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServers := context.WithCancel(gctx)
	defer stopServers()

	if cfg.Health.Enabled {
		hs := server.New(logger)
		acfg.Leader.OnChange = hs.SetLeader
		g.Go(func() error { return hs.ListenAndServe(srvCtx, cfg.Health.Addr) })
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			return metrics.Serve(srvCtx, cfg.Metrics.Addr, reg)
		})
	}

	var report *graphinfo.Report
	g.Go(func() error {
		defer stopServers()
		r, err := analyze.New(b, acfg)
		if err != nil {
			return err
		}
		report, err = r.Run(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func printSummary(w io.Writer, cfg *config.Config, report *graphinfo.Report) {
	fmt.Fprintf(w, "Analysis finished at %s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  nodes %d, articles %d (%d links), categories %d (%d links)\n",
		report.Counts.Nodes, report.Counts.Articles, report.Counts.ArticleLinks,
		report.Counts.Categories, report.Counts.CategoryLinks)

	for _, dim := range types.Dimensions {
		snap, ok := report.Aggregates[dim.String()]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %s: %d/%d nodes valid, average distance %.3f\n",
			dim, snap.NodesValid, snap.NodesDone, snap.AvgDistance())
		for i, c := range report.Centers[dim.String()] {
			if i == 3 {
				break
			}
			fmt.Fprintf(w, "    center %s (%.3f)\n", c.Name, c.AvgDistance)
		}
	}
	fmt.Fprintf(w, "  interesting nodes: %d\n", len(report.Interesting))
	if cfg.Snapshot.Path != "" {
		fmt.Fprintf(w, "  report saved to %s\n", cfg.Snapshot.Path)
	}
}

// ============================================================================
// explore
// ============================================================================

func buildExploreCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explore <job-id>...",
		Short: "Enqueue jobs without waiting for their results",
		Long:  "Each job id (e.g. aD42, cS) is reported as 'already running' when a result is cached, otherwise it is pushed and reported as 'enqueued'.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			logger, cleanup, err := cfg.SetupLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			b := redisbroker.New(cfg.RedisOptions(), logger)
			defer b.Close()
			return explore(cmd.Context(), cmd.OutOrStdout(), cfg, b, logger, args)
		},
	}
	return cmd
}

func explore(ctx context.Context, w io.Writer, cfg *config.Config, b broker.Broker, logger *slog.Logger, ids []string) error {
	for _, id := range ids {
		if _, _, _, err := types.JobID(id).Parse(); err != nil {
			return fmt.Errorf("job %q: %w", id, err)
		}
	}

	ccfg := cfg.ControllerConfig()
	ccfg.Explore = true
	ccfg.Logger = logger
	ctrl, err := controller.New(b, ccfg)
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := ctrl.Explore(ctx, types.JobID(id))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", id, st)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Long:  "Query the coordinator's health endpoint and summarise the last saved report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Health.Addr = addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health endpoint (default health.addr)")
	return cmd
}

func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func showStatus(ctx context.Context, w io.Writer, cfg *config.Config) error {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           wikigraph Coordinator Status                    ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Redis:        %s\n", cfg.Redis.Addr)
	fmt.Fprintf(w, "  ├─ Dimensions:   %s\n", strings.Join(cfg.Analysis.Dimensions, ", "))
	fmt.Fprintf(w, "  └─ Mutex Period: %s\n", cfg.Mutex.Period)

	fmt.Fprintln(w, "Coordinator:")
	addr := dialAddr(cfg.Health.Addr)
	st, err := server.Check(ctx, addr, server.CoordinatorService)
	if err != nil {
		fmt.Fprintf(w, "  └─ %s not reachable: %v\n", addr, err)
	} else {
		fmt.Fprintf(w, "  └─ %s %s\n", addr, st)
	}

	fmt.Fprintln(w, "Last Report:")
	if cfg.Snapshot.Path == "" {
		fmt.Fprintln(w, "  └─ snapshots disabled")
		return nil
	}
	report, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	switch {
	case err == nil:
		fmt.Fprintf(w, "  ├─ Generated:   %s\n", report.GeneratedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  ├─ Nodes:       %d\n", report.Counts.Nodes)
		fmt.Fprintf(w, "  └─ Interesting: %d\n", len(report.Interesting))
		showAggregates(w, report)
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		fmt.Fprintf(w, "  └─ none at %s\n", cfg.Snapshot.Path)
	default:
		return err
	}
	return nil
}

// showAggregates rebuilds each saved aggregate to report its progress and
// its most central node.
func showAggregates(w io.Writer, report *graphinfo.Report) {
	for _, dim := range types.Dimensions {
		snap, ok := report.Aggregates[dim.String()]
		if !ok {
			continue
		}
		agg := graphinfo.Restore(dim, snap, nil)
		state := "partial"
		select {
		case <-agg.Done():
			state = "complete"
		default:
		}
		fmt.Fprintf(w, "%s (%s):\n", dim, state)
		fmt.Fprintf(w, "  ├─ Valid:       %d/%d\n", snap.NodesValid, snap.NodesDone)
		fmt.Fprintf(w, "  ├─ Avg Dist:    %.3f\n", snap.AvgDistance())
		if closest := agg.Closest(); len(closest) > 0 {
			fmt.Fprintf(w, "  └─ Most Central: node %s (%.3f)\n", closest[0].Node, closest[0].AvgDistance)
		} else {
			fmt.Fprintln(w, "  └─ Most Central: none")
		}
	}
}
