// ============================================================================
// wikigraph Analyze - one end-to-end analysis run
// ============================================================================
//
// Package: internal/analyze
// File: analyze.go
// Function: own every component of a run and drive them through the stage
// pipeline
//
// Leadership is won before anything else; only then does the lost-job monitor
// start. Stages:
//  1. init       graph counts, SCC per dimension, PageRank
//  2. distances  per dimension, live (bulk submit) or replayed (command log
//                plus repair); waits for each aggregate to complete
//  3. centers    closeness centers out of each aggregate
//  4. names      center names, interesting node dedupe
//  5. details    interesting node names and per-dimension details
//  6. finish     stop monitor and leadership, save the report
//
// A failing stage aborts the run; the monitor and the leadership mutex are
// stopped on every exit path.
// ============================================================================

package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/controller"
	"github.com/ChuLiYu/wikigraph/internal/graphinfo"
	"github.com/ChuLiYu/wikigraph/internal/leader"
	"github.com/ChuLiYu/wikigraph/internal/metrics"
	"github.com/ChuLiYu/wikigraph/internal/monitor"
	"github.com/ChuLiYu/wikigraph/internal/pipeline"
	"github.com/ChuLiYu/wikigraph/internal/replay"
	"github.com/ChuLiYu/wikigraph/internal/sample"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Saver persists the finished report.
type Saver interface {
	Write(report *graphinfo.Report) error
}

// Config configures a run.
type Config struct {
	// Dimensions to aggregate; empty means articles and categories.
	Dimensions []types.Dimension
	// Sample is how many nodes per dimension get a distance job; 0 or at
	// least the node count means every node.
	Sample int64
	// KeepClosest is how many closeness centers each dimension retains.
	KeepClosest int
	// Seed drives the sample permutation; 0 picks one from the clock.
	Seed int64
	// ReplayLog, when set, is an append-only command log to rebuild the
	// distance aggregates from before any live job runs.
	ReplayLog string

	Controller controller.Config
	Monitor    monitor.Config
	Leader     leader.Config

	Saver   Saver
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Runner is the per-run context: every component and all state of one
// analysis.
type Runner struct {
	broker broker.Broker
	cfg    Config
	log    *slog.Logger

	ctrl    *controller.Controller
	monitor *monitor.Monitor
	mutex   *leader.Mutex

	report      *graphinfo.Report
	aggregates  map[types.Dimension]*graphinfo.Aggregate
	interesting graphinfo.InterestingSet
	rng         *rand.Rand

	mu sync.Mutex // guards report fields written by concurrent tasks
}

// New wires a run over b.
func New(b broker.Broker, cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Dimensions) == 0 {
		cfg.Dimensions = types.Dimensions
	}
	if cfg.KeepClosest <= 0 {
		cfg.KeepClosest = graphinfo.DefaultKeepClosest
	}
	if cfg.Sample < 0 {
		return nil, fmt.Errorf("analyze: sample must not be negative, got %d", cfg.Sample)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	cfg.Controller.Metrics = cfg.Metrics
	cfg.Controller.Logger = cfg.Logger
	ctrl, err := controller.New(b, cfg.Controller)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		broker:     b,
		cfg:        cfg,
		log:        cfg.Logger.With("component", "analyze"),
		ctrl:       ctrl,
		report:     graphinfo.NewReport(),
		aggregates: make(map[types.Dimension]*graphinfo.Aggregate),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}

	mcfg := cfg.Monitor
	mcfg.Metrics, mcfg.Logger = cfg.Metrics, cfg.Logger
	mcfg.OnReschedule = func(id types.JobID) { r.log.Debug("job rescheduled", "job", id) }
	r.monitor = monitor.New(b, mcfg)

	lcfg := cfg.Leader
	lcfg.Metrics, lcfg.Logger = cfg.Metrics, cfg.Logger
	r.mutex = leader.New(b, lcfg)

	for _, dim := range cfg.Dimensions {
		r.aggregates[dim] = graphinfo.NewAggregate(dim, cfg.KeepClosest, cfg.Metrics)
	}
	return r, nil
}

// Controller exposes the dispatcher of the run.
func (r *Runner) Controller() *controller.Controller { return r.ctrl }

// Mutex exposes the leadership lock of the run.
func (r *Runner) Mutex() *leader.Mutex { return r.mutex }

// Aggregate returns the aggregate of dim, or nil.
func (r *Runner) Aggregate(dim types.Dimension) *graphinfo.Aggregate { return r.aggregates[dim] }

// Run executes the whole analysis and returns the report.
func (r *Runner) Run(ctx context.Context) (*graphinfo.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Nothing touches the queues until leadership is won: the monitor clears
	// queue:running, which belongs to whichever instance holds the mutex.
	if err := r.mutex.Start(ctx); err != nil {
		return nil, err
	}
	defer r.shutdown()
	if err := r.monitor.Start(ctx); err != nil {
		return nil, err
	}

	p := pipeline.New(
		pipeline.Stage{Name: "init", Tasks: r.initTasks()},
		pipeline.Stage{Name: "distances", Tasks: r.perDimension(r.distances)},
		pipeline.Stage{Name: "centers", Tasks: r.perDimension(r.centers)},
		pipeline.Stage{Name: "names", Tasks: append(r.perDimension(r.centerNames), r.dedupe)},
		pipeline.Stage{Name: "details", Tasks: append(r.perDimension(r.details), r.interestingNames)},
		pipeline.Stage{Name: "finish", Tasks: []pipeline.Task{r.finish}},
	)
	p.Logger, p.Metrics = r.cfg.Logger, r.cfg.Metrics
	if err := p.Run(ctx); err != nil {
		return nil, err
	}
	return r.report, nil
}

// shutdown stops whatever is still running.
func (r *Runner) shutdown() {
	if err := r.monitor.Stop(); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		r.log.Warn("stop monitor", "error", err)
	}
	if err := r.mutex.Stop(); err != nil && !errors.Is(err, leader.ErrNotHeld) {
		r.log.Warn("stop leadership", "error", err)
	}
}

func (r *Runner) perDimension(fn func(ctx context.Context, dim types.Dimension) error) []pipeline.Task {
	tasks := make([]pipeline.Task, 0, len(r.cfg.Dimensions))
	for _, dim := range r.cfg.Dimensions {
		dim := dim
		tasks = append(tasks, func(ctx context.Context) error { return fn(ctx, dim) })
	}
	return tasks
}

// ============================================================================
// Stage 1: init
// ============================================================================

func (r *Runner) initTasks() []pipeline.Task {
	tasks := []pipeline.Task{r.counts, r.pageRanks}
	return append(tasks, r.perDimension(r.scc)...)
}

func (r *Runner) counts(ctx context.Context) error {
	counts, err := r.ctrl.FetchCounts(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.report.Counts = counts
	r.mu.Unlock()
	return nil
}

func (r *Runner) scc(ctx context.Context, dim types.Dimension) error {
	res, err := r.ctrl.Submit(ctx, types.NewJobID(dim, types.CmdSCC, 0))
	if err != nil {
		return err
	}
	var scc types.SCCResult
	if err := res.Decode(&scc); err != nil {
		return fmt.Errorf("%s scc: %w", dim, err)
	}
	largest := r.aggregates[dim].SetLargestSCC(scc.Components)
	r.log.Info("largest scc", "dimension", dim, "size", largest)

	r.mu.Lock()
	r.report.SCC[dim.String()] = scc.Components
	r.mu.Unlock()
	return nil
}

func (r *Runner) pageRanks(ctx context.Context) error {
	res, err := r.ctrl.Submit(ctx, types.NewJobID(types.DimArticles, types.CmdPageRank, 0))
	if err != nil {
		return err
	}
	var pr types.PageRankResult
	if err := res.Decode(&pr); err != nil {
		return fmt.Errorf("pagerank: %w", err)
	}
	ranked := graphinfo.RankedNodes(pr)
	for _, n := range ranked {
		r.interesting.Add(n.Node, graphinfo.SourcePageRank)
	}
	err = r.ctrl.ResolveNames(ctx, len(ranked),
		func(i int) types.NodeID { return ranked[i].Node },
		func(i int, name string) { ranked[i].Name = name })
	if err != nil {
		return fmt.Errorf("pagerank names: %w", err)
	}
	r.mu.Lock()
	r.report.PageRanks = ranked
	r.mu.Unlock()
	return nil
}

// ============================================================================
// Stage 2: distances
// ============================================================================

// sampleNodes picks the nodes whose distance jobs feed the aggregate.
func (r *Runner) sampleNodes(total int64) (int64, controller.Mapper) {
	if r.cfg.Sample == 0 || r.cfg.Sample >= total {
		return total, controller.Identity
	}
	r.mu.Lock()
	perm := sample.NewGroupPermutation(total, r.rng)
	r.mu.Unlock()
	return r.cfg.Sample, perm.Get
}

func (r *Runner) distances(ctx context.Context, dim types.Dimension) error {
	agg := r.aggregates[dim]
	r.mu.Lock()
	counts := r.report.Counts
	r.mu.Unlock()
	agg.SetTotals(counts.Of(dim))

	n, mapper := r.sampleNodes(counts.Nodes)
	if err := agg.SetSampleSize(n); err != nil {
		return fmt.Errorf("%s: %w", dim, err)
	}

	var err error
	if r.cfg.ReplayLog != "" {
		err = r.replayDistances(ctx, agg, n, mapper)
	} else {
		err = r.liveDistances(ctx, agg, n, mapper)
	}
	if err != nil {
		return fmt.Errorf("%s distances: %w", dim, err)
	}

	select {
	case <-agg.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s := agg.Snapshot()
	r.log.Info("distances aggregated", "dimension", dim,
		"nodes", s.NodesDone, "valid", s.NodesValid, "avg_distance", s.AvgDistance())
	return nil
}

func (r *Runner) liveDistances(ctx context.Context, agg *graphinfo.Aggregate, n int64, mapper controller.Mapper) error {
	var mu sync.Mutex
	var firstErr error
	bulk, err := r.ctrl.BulkSubmit(ctx, n, agg.Dimension().Prefix(types.CmdDistance), mapper, func(res types.Result) {
		if err := agg.AddJobResult(res); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	})
	if err != nil {
		return err
	}
	if err := bulk.Wait(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

func (r *Runner) replayDistances(ctx context.Context, agg *graphinfo.Aggregate, n int64, mapper controller.Mapper) error {
	wanted := make([]types.NodeID, 0, n)
	for i := int64(1); i <= n; i++ {
		wanted = append(wanted, mapper(i))
	}
	rp := replay.New(agg, wanted, r.cfg.Logger)

	f, err := os.Open(r.cfg.ReplayLog)
	if err != nil {
		return fmt.Errorf("open command log: %w", err)
	}
	defer f.Close()
	if err := rp.Replay(f); err != nil {
		return err
	}
	return rp.Repair(ctx, r.ctrl)
}

// ============================================================================
// Stages 3-5: centers, names, details
// ============================================================================

func (r *Runner) centers(_ context.Context, dim types.Dimension) error {
	agg := r.aggregates[dim]
	snap := agg.Snapshot()
	centers := agg.Closest()
	for _, c := range centers {
		r.interesting.Add(c.Node, graphinfo.SourceCloseness)
	}
	r.mu.Lock()
	r.report.Aggregates[dim.String()] = snap
	r.report.Centers[dim.String()] = centers
	r.mu.Unlock()
	return nil
}

func (r *Runner) centerNames(ctx context.Context, dim types.Dimension) error {
	r.mu.Lock()
	centers := r.report.Centers[dim.String()]
	r.mu.Unlock()
	// each dimension owns its slice; only names are written
	return r.ctrl.ResolveNames(ctx, len(centers),
		func(i int) types.NodeID { return centers[i].Node },
		func(i int, name string) { centers[i].Name = name })
}

func (r *Runner) dedupe(context.Context) error {
	r.interesting.Dedupe()
	r.log.Info("interesting nodes", "count", r.interesting.Len())
	return nil
}

func (r *Runner) interestingNames(ctx context.Context) error {
	return r.ctrl.ResolveNames(ctx, r.interesting.Len(), r.interesting.Node, r.interesting.SetName)
}

func (r *Runner) details(ctx context.Context, dim types.Dimension) error {
	return r.ctrl.ResolveInfo(ctx, dim, r.interesting.Len(), r.interesting.Node,
		func(i int, in, out int64, countDist []int64) {
			r.interesting.SetDetail(i, dim, graphinfo.NewNodeDetail(in, out, countDist))
		})
}

// ============================================================================
// Stage 6: finish
// ============================================================================

func (r *Runner) finish(context.Context) error {
	if err := r.monitor.Stop(); err != nil {
		return err
	}
	if err := r.mutex.Stop(); err != nil {
		return err
	}

	r.mu.Lock()
	r.report.GeneratedAt = time.Now().UTC()
	r.report.Interesting = r.interesting.Nodes()
	report := r.report
	r.mu.Unlock()

	if r.cfg.Saver == nil {
		return nil
	}
	if err := r.cfg.Saver.Write(report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	r.log.Info("report saved")
	return nil
}
