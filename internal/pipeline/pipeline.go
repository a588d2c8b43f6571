// ============================================================================
// wikigraph Pipeline - staged execution with barriers
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Function: run ordered stages of independent tasks
//
// Semantics:
//   - tasks of one stage run concurrently, in no particular order
//   - stage N+1 starts only after every task of stage N returned
//   - a stage without tasks completes immediately
//   - the first task error cancels its stage's context; Run returns that
//     error once the stage's other tasks returned, and no later stage runs
// ============================================================================

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/wikigraph/internal/metrics"
)

// Task is one unit of work in a stage.
type Task func(ctx context.Context) error

// Stage is a named set of tasks that run concurrently.
type Stage struct {
	Name  string
	Tasks []Task
}

// Pipeline runs stages in order.
type Pipeline struct {
	stages []Stage

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// New returns a pipeline over stages.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, Logger: slog.Default()}
}

// Run executes every stage.
func (p *Pipeline) Run(ctx context.Context) error {
	log := p.Logger.With("component", "pipeline")
	for i, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		log.Info("stage started", "stage", st.Name, "index", i, "tasks", len(st.Tasks))

		g, gctx := errgroup.WithContext(ctx)
		for _, task := range st.Tasks {
			task := task
			g.Go(func() error { return task(gctx) })
		}
		err := g.Wait()

		elapsed := time.Since(start)
		p.Metrics.ObserveStage(st.Name, elapsed)
		if err != nil {
			log.Error("stage failed", "stage", st.Name, "elapsed", elapsed, "error", err)
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
		log.Info("stage finished", "stage", st.Name, "elapsed", elapsed)
	}
	return nil
}
