package main

// Self-contained walkthrough on an in-memory broker:
//
//	go run ./cmd/demo start    # analysis with workers that lose some jobs,
//	                           # every command logged to data/demo.aof
//	go run ./cmd/demo recover  # fresh broker, distances rebuilt from the log

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/wikigraph/internal/analyze"
	"github.com/ChuLiYu/wikigraph/internal/aof"
	"github.com/ChuLiYu/wikigraph/internal/broker/memory"
	"github.com/ChuLiYu/wikigraph/internal/config"
	"github.com/ChuLiYu/wikigraph/internal/graphinfo"
	"github.com/ChuLiYu/wikigraph/internal/worker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

const (
	demoNodes   = 300
	demoSeed    = 2024
	dropEvery   = 20
	demoWorkers = 8
	logPath     = "data/demo.aof"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dataset := worker.NewDataset(rand.New(rand.NewSource(demoSeed)), demoNodes, 4, 2, 7)

	var err error
	switch mode {
	case "start":
		err = start(ctx, dataset, logger)
	case "recover":
		err = recoverRun(ctx, dataset, logger)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		log.Fatalf("demo failed: %v", err)
	}
}

func demoConfig(logger *slog.Logger) analyze.Config {
	cfg := config.Default()
	cfg.Submitter.Interval = 20 * time.Millisecond
	cfg.Monitor.DefaultGrace = 300 * time.Millisecond
	cfg.Monitor.GraceByPrefix = nil
	cfg.Monitor.PopTimeout = 50 * time.Millisecond
	cfg.Mutex.Period = 50 * time.Millisecond

	return analyze.Config{
		KeepClosest: 10,
		Seed:        demoSeed,
		Controller:  cfg.ControllerConfig(),
		Monitor:     cfg.MonitorConfig(),
		Leader:      cfg.LeaderConfig(),
		Logger:      logger,
	}
}

func startWorkers(ctx context.Context, b *memory.Broker, exec worker.Executor, logger *slog.Logger) (*worker.Pool, error) {
	pool := worker.NewPool(b, exec, worker.PoolConfig{Workers: demoWorkers, PollTimeout: 50 * time.Millisecond, Logger: logger})
	return pool, pool.Start(ctx)
}

func start(ctx context.Context, d *worker.Dataset, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	if err := os.Remove(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	w, err := aof.Open(logPath, false)
	if err != nil {
		return err
	}
	b := memory.New(memory.WithLog(w), memory.WithLogger(logger))
	defer w.Close()
	defer b.Close()

	if err := d.Publish(ctx, b); err != nil {
		return err
	}
	flaky := worker.Flaky(d.Executor(10), dropEvery)
	pool, err := startWorkers(ctx, b, flaky, logger)
	if err != nil {
		return err
	}
	defer pool.Stop()

	fmt.Printf("✓ %d node wiki published, %d workers losing every %dth job\n", demoNodes, demoWorkers, dropEvery)
	began := time.Now()
	report, err := run(ctx, b, demoConfig(logger))
	if err != nil {
		return err
	}
	fmt.Printf("✓ Analysis done in %s, %d jobs were lost and rescheduled\n", time.Since(began).Round(time.Millisecond), len(flaky.Lost()))
	printReport(report)
	fmt.Printf("\n💡 Every broker command was logged to %s; run 'go run ./cmd/demo recover' to rebuild from it\n", logPath)
	return nil
}

func recoverRun(ctx context.Context, d *worker.Dataset, logger *slog.Logger) error {
	if _, err := os.Stat(logPath); err != nil {
		return fmt.Errorf("no log to recover from, run the start mode first: %w", err)
	}
	b := memory.New(memory.WithLogger(logger))
	defer b.Close()
	if err := d.Publish(ctx, b); err != nil {
		return err
	}
	pool, err := startWorkers(ctx, b, d.Executor(10), logger)
	if err != nil {
		return err
	}
	defer pool.Stop()

	cfg := demoConfig(logger)
	cfg.ReplayLog = logPath
	began := time.Now()
	report, err := run(ctx, b, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Aggregates rebuilt from %s in %s\n", logPath, time.Since(began).Round(time.Millisecond))
	printReport(report)
	return nil
}

func run(ctx context.Context, b *memory.Broker, cfg analyze.Config) (*graphinfo.Report, error) {
	r, err := analyze.New(b, cfg)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

func printReport(report *graphinfo.Report) {
	fmt.Printf("\n📊 %d nodes: %d articles, %d categories\n", report.Counts.Nodes, report.Counts.Articles, report.Counts.Categories)
	for _, dim := range types.Dimensions {
		snap, ok := report.Aggregates[dim.String()]
		if !ok {
			continue
		}
		fmt.Printf("  %-10s valid %d/%d, average distance %.3f, largest SCC %d\n",
			dim, snap.NodesValid, snap.NodesDone, snap.AvgDistance(), snap.LargestSCC)
		for i, c := range report.Centers[dim.String()] {
			if i == 3 {
				break
			}
			fmt.Printf("    center %-16s %.3f\n", c.Name, c.AvgDistance)
		}
	}
	fmt.Printf("  interesting nodes: %d\n", len(report.Interesting))
}
