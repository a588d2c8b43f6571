package worker

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Dataset is a synthetic wiki: two link graphs over one node id space plus
// the name records and counters the import step would publish.
type Dataset struct {
	Articles   *Graph
	Categories *Graph
	// CategoryEvery marks every k-th node as a category page; 0 means none.
	CategoryEvery int
}

// NewDataset draws both graphs from rng.
func NewDataset(rng *rand.Rand, nodes, articleDegree, categoryDegree, categoryEvery int) *Dataset {
	return &Dataset{
		Articles:      RandomGraph(rng, nodes, articleDegree),
		Categories:    RandomGraph(rng, nodes, categoryDegree),
		CategoryEvery: categoryEvery,
	}
}

func (d *Dataset) IsCategory(n types.NodeID) bool {
	return d.CategoryEvery > 0 && int64(n)%int64(d.CategoryEvery) == 0
}

// Counts is what Publish writes under the s:count:* keys.
func (d *Dataset) Counts() types.Counts {
	c := types.Counts{
		Nodes:         int64(d.Articles.N()),
		ArticleLinks:  d.Articles.Edges(),
		CategoryLinks: d.Categories.Edges(),
	}
	for i := types.NodeID(1); i <= types.NodeID(c.Nodes); i++ {
		if d.IsCategory(i) {
			c.Categories++
		}
	}
	c.Articles = c.Nodes - c.Categories
	return c
}

// Name is the stored name record of node n.
func (d *Dataset) Name(n types.NodeID) string {
	if d.IsCategory(n) {
		return fmt.Sprintf("c:Topic %d", n)
	}
	return fmt.Sprintf("a:Article %d", n)
}

// Publish writes the name records and counters to b.
func (d *Dataset) Publish(ctx context.Context, b broker.Broker) error {
	c := d.Counts()
	for i := types.NodeID(1); i <= types.NodeID(c.Nodes); i++ {
		if err := b.Set(ctx, broker.NameKey(i), d.Name(i)); err != nil {
			return fmt.Errorf("publish name %d: %w", i, err)
		}
	}
	for key, v := range map[string]int64{
		broker.CountNodes:         c.Nodes,
		broker.CountArticles:      c.Articles,
		broker.CountArticleLinks:  c.ArticleLinks,
		broker.CountCategories:    c.Categories,
		broker.CountCategoryLinks: c.CategoryLinks,
	} {
		if err := b.Set(ctx, key, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}
	}
	return nil
}

// Executor answers jobs over the dataset.
func (d *Dataset) Executor(pageRankResults int) *GraphExecutor {
	return &GraphExecutor{
		Articles:        d.Articles,
		Categories:      d.Categories,
		IsCategory:      d.IsCategory,
		PageRankResults: pageRankResults,
	}
}
