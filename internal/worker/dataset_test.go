package worker

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/internal/broker/memory"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

func TestDatasetPublish(t *testing.T) {
	d := NewDataset(rand.New(rand.NewSource(1)), 20, 3, 2, 4)
	b := memory.New()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, b))

	c := d.Counts()
	assert.Equal(t, int64(20), c.Nodes)
	assert.Equal(t, int64(5), c.Categories)
	assert.Equal(t, int64(15), c.Articles)
	assert.Equal(t, d.Articles.Edges(), c.ArticleLinks)

	name, err := b.Get(ctx, broker.NameKey(8))
	require.NoError(t, err)
	assert.Equal(t, "c:Topic 8", name)
	name, err = b.Get(ctx, broker.NameKey(7))
	require.NoError(t, err)
	assert.Equal(t, "a:Article 7", name)

	n, err := b.Get(ctx, broker.CountCategories)
	require.NoError(t, err)
	assert.Equal(t, "5", n)
}

func TestDatasetExecutorRefusesCategoryArticles(t *testing.T) {
	d := NewDataset(rand.New(rand.NewSource(1)), 10, 2, 2, 5)
	exec := d.Executor(3)

	_, err := exec.Execute(context.Background(), types.NewJobID(types.DimArticles, types.CmdDistance, 5))
	assert.ErrorIs(t, err, ErrNodeIsCategory)

	_, err = exec.Execute(context.Background(), types.NewJobID(types.DimCategories, types.CmdDistance, 5))
	assert.NoError(t, err)
}

func TestDatasetWithoutCategories(t *testing.T) {
	d := NewDataset(rand.New(rand.NewSource(1)), 10, 2, 2, 0)
	assert.False(t, d.IsCategory(5))
	assert.Equal(t, int64(0), d.Counts().Categories)
}

func TestFlakyDropsFirstAttemptOnly(t *testing.T) {
	calls := 0
	f := Flaky(ExecutorFunc(func(ctx context.Context, id types.JobID) (string, error) {
		calls++
		return "ok", nil
	}), 2)
	ctx := context.Background()

	_, err := f.Execute(ctx, "aD1")
	assert.NoError(t, err)
	_, err = f.Execute(ctx, "aD2")
	assert.ErrorIs(t, err, ErrNoResult)
	_, err = f.Execute(ctx, "aD2")
	assert.NoError(t, err, "retry succeeds")
	_, err = f.Execute(ctx, "aD3")
	assert.NoError(t, err)
	_, err = f.Execute(ctx, "aD4")
	assert.ErrorIs(t, err, ErrNoResult)

	assert.Equal(t, []types.JobID{"aD2", "aD4"}, f.Lost())
	assert.Equal(t, 3, calls)
}
