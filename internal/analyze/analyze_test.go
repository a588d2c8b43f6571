package analyze

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/internal/aof"
	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/broker/memory"
	"github.com/ChuLiYu/wikigraph/internal/controller"
	"github.com/ChuLiYu/wikigraph/internal/graphinfo"
	"github.com/ChuLiYu/wikigraph/internal/leader"
	"github.com/ChuLiYu/wikigraph/internal/monitor"
	"github.com/ChuLiYu/wikigraph/internal/snapshot"
	"github.com/ChuLiYu/wikigraph/internal/topk"
	"github.com/ChuLiYu/wikigraph/internal/worker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

const nodes = 30

// dataset is a 30 node wiki where every fifth node is a category.
func dataset() *worker.Dataset {
	return worker.NewDataset(rand.New(rand.NewSource(42)), nodes, 3, 2, 5)
}

func seed(t *testing.T, b broker.Broker, d *worker.Dataset) {
	t.Helper()
	require.NoError(t, d.Publish(context.Background(), b))
}

func startWorkers(t *testing.T, b broker.Broker, exec worker.Executor) {
	t.Helper()
	p := worker.NewPool(b, exec, worker.PoolConfig{Workers: 4, PollTimeout: 10 * time.Millisecond})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
}

func testConfig() Config {
	ctrl := controller.DefaultConfig()
	ctrl.Submitter.Interval = time.Millisecond
	return Config{
		KeepClosest: 5,
		Seed:        7,
		Controller:  ctrl,
		Monitor:     monitor.Config{DefaultGrace: time.Second, PopTimeout: 10 * time.Millisecond},
		Leader:      leader.Config{Period: 5 * time.Millisecond},
	}
}

func runAnalysis(t *testing.T, b broker.Broker, cfg Config) (*Runner, *graphinfo.Report) {
	t.Helper()
	r, err := New(b, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	report, err := r.Run(ctx)
	require.NoError(t, err)
	return r, report
}

func TestRunProducesReport(t *testing.T) {
	d := dataset()
	articles, categories := d.Articles, d.Categories
	b := memory.New()
	defer b.Close()
	seed(t, b, d)
	startWorkers(t, b, d.Executor(4))

	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "report.json")
	cfg.Saver = snapshot.NewManager(path)
	r, report := runAnalysis(t, b, cfg)

	assert.False(t, r.Mutex().Held(), "leadership released")
	assert.Equal(t, int64(nodes), report.Counts.Nodes)
	assert.Equal(t, articles.SCC(), report.SCC["articles"])
	assert.Equal(t, categories.SCC(), report.SCC["categories"])

	require.Len(t, report.PageRanks, 4)
	for _, pr := range report.PageRanks {
		assert.NotEmpty(t, pr.Name)
	}

	arts := report.Aggregates["articles"]
	assert.Equal(t, int64(nodes), arts.NodesDone)
	assert.Equal(t, int64(nodes-nodes/5), arts.NodesValid, "category nodes are invalid articles")
	assert.Equal(t, articles.Edges(), arts.Links)

	for _, dim := range []string{"articles", "categories"} {
		centers := report.Centers[dim]
		require.NotEmpty(t, centers, dim)
		assert.LessOrEqual(t, len(centers), 5)
		for i, c := range centers {
			assert.NotEmpty(t, c.Name)
			if i > 0 {
				assert.LessOrEqual(t, centers[i-1].AvgDistance, c.AvgDistance)
			}
		}
	}

	require.NotEmpty(t, report.Interesting)
	for i, n := range report.Interesting {
		if i > 0 {
			assert.Less(t, report.Interesting[i-1].Node, n.Node, "deduplicated and sorted")
		}
		assert.NotEmpty(t, n.Name)
		assert.Contains(t, n.Details, "categories")
		if !d.IsCategory(n.Node) {
			in, out := articles.Degree(n.Node)
			assert.Equal(t, in, n.Details["articles"].InDegree)
			assert.Equal(t, out, n.Details["articles"].OutDegree)
		} else {
			assert.Equal(t, graphinfo.NodeDetail{}, n.Details["articles"], "placeholders for failed jobs")
		}
	}

	saved, err := snapshot.NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, report.Counts, saved.Counts)
	assert.Equal(t, len(report.Interesting), len(saved.Interesting))
}

func TestRunWithSample(t *testing.T) {
	d := dataset()
	b := memory.New()
	defer b.Close()
	seed(t, b, d)
	startWorkers(t, b, d.Executor(0))

	cfg := testConfig()
	cfg.Sample = 10
	cfg.Dimensions = []types.Dimension{types.DimCategories}
	_, report := runAnalysis(t, b, cfg)

	assert.Equal(t, int64(10), report.Aggregates["categories"].SampleSize)
	assert.Equal(t, int64(10), report.Aggregates["categories"].NodesDone)
	assert.NotContains(t, report.Aggregates, "articles")
}

func TestReplayRunMatchesLiveRun(t *testing.T) {
	d := dataset()
	exec := d.Executor(0)

	logPath := filepath.Join(t.TempDir(), "appendonly.aof")
	w, err := aof.Open(logPath, false)
	require.NoError(t, err)
	live := memory.New(memory.WithLog(w))
	seed(t, live, d)
	startWorkers(t, live, exec)
	_, liveReport := runAnalysis(t, live, testConfig())
	require.NoError(t, live.Close())
	require.NoError(t, w.Close())

	// A fresh broker with no cached results whose workers refuse distance
	// jobs: every distance has to come from the log.
	fresh := memory.New()
	defer fresh.Close()
	seed(t, fresh, d)
	startWorkers(t, fresh, worker.ExecutorFunc(func(ctx context.Context, id types.JobID) (string, error) {
		if _, cmd, _, _ := id.Parse(); cmd == types.CmdDistance {
			return "", errors.New("distance jobs disabled")
		}
		return exec.Execute(ctx, id)
	}))
	cfg := testConfig()
	cfg.ReplayLog = logPath
	_, replayReport := runAnalysis(t, fresh, cfg)

	for _, dim := range []string{"articles", "categories"} {
		want, got := liveReport.Aggregates[dim], replayReport.Aggregates[dim]
		assert.Equal(t, want.Histogram, got.Histogram, dim)
		assert.Equal(t, want.DistanceSum, got.DistanceSum, dim)
		assert.Equal(t, want.ReachableSum, got.ReachableSum, dim)
		assert.Equal(t, want.NodesValid, got.NodesValid, dim)
		assert.Equal(t, priorities(want.Closest), priorities(got.Closest), dim)
	}
}

// priorities ignores which of several equally central nodes was kept.
func priorities(entries []topk.Entry[types.NodeID]) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Priority
	}
	sort.Float64s(out)
	return out
}

func TestRunAbortsWhenLeadershipContended(t *testing.T) {
	d := dataset()
	b := memory.New()
	defer b.Close()
	seed(t, b, d)
	startWorkers(t, b, d.Executor(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// another instance renewing its own leadership
		for ctx.Err() == nil {
			_, _ = b.Incr(ctx, broker.MutexKey)
			time.Sleep(time.Millisecond)
		}
	}()

	cfg := testConfig()
	cfg.Leader.Period = 20 * time.Millisecond
	r, err := New(b, cfg)
	require.NoError(t, err)
	_, err = r.Run(ctx)
	assert.ErrorIs(t, err, leader.ErrContended)
	assert.False(t, r.Mutex().Held())
}

func TestContendedRunLeavesQueuesAlone(t *testing.T) {
	b := memory.New()
	defer b.Close()
	seed(t, b, dataset())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the active leader has two jobs in flight
	require.NoError(t, b.Push(ctx, broker.RunningQueue, "aD7"))
	require.NoError(t, b.Push(ctx, broker.RunningQueue, "aD8"))
	go func() {
		for ctx.Err() == nil {
			_, _ = b.Incr(ctx, broker.MutexKey)
			time.Sleep(time.Millisecond)
		}
	}()

	cfg := testConfig()
	cfg.Leader.Period = 20 * time.Millisecond
	r, err := New(b, cfg)
	require.NoError(t, err)
	_, err = r.Run(ctx)
	require.ErrorIs(t, err, leader.ErrContended)

	assert.Equal(t, []string{"aD7", "aD8"}, b.Range(broker.RunningQueue))
	assert.Empty(t, b.Range(broker.JobsQueue), "no job submitted without leadership")
}

func TestRunFailsWithoutCounts(t *testing.T) {
	b := memory.New()
	defer b.Close()
	startWorkers(t, b, dataset().Executor(0))

	r, err := New(b, testConfig())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, controller.ErrCountMissing)
}

func TestNewRejectsNegativeSample(t *testing.T) {
	cfg := testConfig()
	cfg.Sample = -1
	_, err := New(memory.New(), cfg)
	assert.Error(t, err)
}
