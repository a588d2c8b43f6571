package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/wikigraph/internal/broker"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// DisplayName turns a stored name record into its wiki form: "a:" is
// stripped, "c:" becomes "Category:".
func DisplayName(raw string) string {
	switch {
	case strings.HasPrefix(raw, "a:"):
		return raw[2:]
	case strings.HasPrefix(raw, "c:"):
		return "Category:" + raw[2:]
	default:
		return raw
	}
}

// ResolveNames looks up the display name of total nodes. getNode(i) names the
// node for index i and setName(i, name) receives its name; both are called
// from the calling goroutine. A missing record fails the whole call with
// ErrNameNotFound. Returning is the completion signal, for total == 0 too.
func (c *Controller) ResolveNames(ctx context.Context, total int, getNode func(i int) types.NodeID, setName func(i int, name string)) error {
	batch := c.cfg.NameBatch
	for start := 0; start < total; start += batch {
		end := start + batch
		if end > total {
			end = total
		}
		nodes := make([]types.NodeID, end-start)
		keys := make([]string, end-start)
		for i := start; i < end; i++ {
			nodes[i-start] = getNode(i)
			keys[i-start] = broker.NameKey(nodes[i-start])
		}
		vals, err := c.broker.MGet(ctx, keys...)
		if err != nil {
			return fmt.Errorf("fetch names: %w", err)
		}
		for k, v := range vals {
			if v == nil {
				return fmt.Errorf("node %s: %w", nodes[k], ErrNameNotFound)
			}
			setName(start+k, DisplayName(*v))
		}
	}
	return nil
}

// ResolveInfo runs the degree job and then the distance job of dim for total
// nodes. A failed degree job yields (0, 0), a failed distance job an empty
// histogram; setInfo is called for every index either way. setInfo may run
// concurrently for distinct indices. Only broker failures and ctx end the
// call early.
func (c *Controller) ResolveInfo(ctx context.Context, dim types.Dimension, total int, getNode func(i int) types.NodeID, setInfo func(i int, inDegree, outDegree int64, countDist []int64)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InfoConcurrency)
	for i := 0; i < total; i++ {
		i := i
		node := getNode(i)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			deg, err := c.Submit(gctx, types.NewJobID(dim, types.CmdDegree, node))
			if err != nil {
				return err
			}
			var info types.DegreeResult
			if err := deg.Decode(&info); err != nil {
				c.log.Debug("degree unavailable", "node", node, "dimension", dim, "error", err)
				info = types.DegreeResult{}
			}

			dist, err := c.Submit(gctx, types.NewJobID(dim, types.CmdDistance, node))
			if err != nil {
				return err
			}
			var hist types.DistanceResult
			if err := dist.Decode(&hist); err != nil {
				c.log.Debug("distances unavailable", "node", node, "dimension", dim, "error", err)
				hist = types.DistanceResult{}
			}

			setInfo(i, info.InDegree, info.OutDegree, hist.CountDist)
			return nil
		})
	}
	return g.Wait()
}

// FetchCounts reads the s:count:* keys in one round trip.
func (c *Controller) FetchCounts(ctx context.Context) (types.Counts, error) {
	keys := []string{
		broker.CountNodes,
		broker.CountArticles,
		broker.CountArticleLinks,
		broker.CountCategories,
		broker.CountCategoryLinks,
	}
	vals, err := c.broker.MGet(ctx, keys...)
	if err != nil {
		return types.Counts{}, fmt.Errorf("fetch counts: %w", err)
	}
	parsed := make([]int64, len(keys))
	var errs []error
	for i, v := range vals {
		if v == nil {
			errs = append(errs, fmt.Errorf("%s: %w", keys[i], ErrCountMissing))
			continue
		}
		n, err := strconv.ParseInt(*v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", keys[i], err))
			continue
		}
		parsed[i] = n
	}
	if len(errs) > 0 {
		return types.Counts{}, errors.Join(errs...)
	}
	return types.Counts{
		Nodes:         parsed[0],
		Articles:      parsed[1],
		ArticleLinks:  parsed[2],
		Categories:    parsed[3],
		CategoryLinks: parsed[4],
	}, nil
}
