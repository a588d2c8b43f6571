// Package types defines the domain model shared by the wikigraph coordinator:
// job identifiers, job results and the payload shapes produced by graph workers.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JobID identifies a unit of externally computed work.
//
// Structure: <dimension><command><node>, e.g. "aD42" is the distance histogram
// of node 42 in the article graph. Jobs over a whole graph ("aS", "aR") carry
// no node part.
type JobID string

// Dimension selects which graph a job runs against.
type Dimension byte

const (
	DimArticles   Dimension = 'a' // article link graph
	DimCategories Dimension = 'c' // category link graph
)

// Dimensions lists every aggregated graph dimension in report order.
var Dimensions = []Dimension{DimArticles, DimCategories}

func (d Dimension) String() string {
	switch d {
	case DimArticles:
		return "articles"
	case DimCategories:
		return "categories"
	default:
		return "unknown"
	}
}

// ParseDimension accepts a dimension by name ("articles") or letter ("a").
func ParseDimension(s string) (Dimension, error) {
	for _, d := range Dimensions {
		if s == d.String() || s == string(rune(d)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dimension %q", s)
}

// Command is the graph computation requested from a worker.
type Command byte

const (
	CmdDistance Command = 'D' // count of nodes per shortest-path distance
	CmdDegree   Command = 'I' // in/out degree
	CmdSCC      Command = 'S' // strongly connected component sizes
	CmdPageRank Command = 'R' // top PageRank scores
)

// NodeID is a graph node identifier; valid ids start at 1.
type NodeID int64

func (n NodeID) String() string { return strconv.FormatInt(int64(n), 10) }

// Prefix returns the job-name prefix for a command in this dimension.
func (d Dimension) Prefix(cmd Command) string {
	return string([]byte{byte(d), byte(cmd)})
}

// NewJobID builds a job id. A zero node produces a whole-graph job.
func NewJobID(dim Dimension, cmd Command, node NodeID) JobID {
	if node == 0 {
		return JobID(dim.Prefix(cmd))
	}
	return JobID(dim.Prefix(cmd) + node.String())
}

// ErrMalformedJobID is returned when a job id does not follow the naming scheme.
var ErrMalformedJobID = errors.New("malformed job id")

// Parse splits a job id into its dimension, command and node parts.
func (id JobID) Parse() (Dimension, Command, NodeID, error) {
	if len(id) < 2 {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrMalformedJobID, string(id))
	}
	dim, cmd := Dimension(id[0]), Command(id[1])
	if len(id) == 2 {
		return dim, cmd, 0, nil
	}
	n, err := strconv.ParseInt(string(id[2:]), 10, 64)
	if err != nil || n < 1 {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrMalformedJobID, string(id))
	}
	return dim, cmd, NodeID(n), nil
}

// Result is the outcome of one job as cached or announced by a worker.
type Result struct {
	JobID   JobID           `json:"job_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"error,omitempty"` // non-empty marks a worker-reported failure
}

// Failed reports whether the worker returned an error marker.
func (r Result) Failed() bool { return r.Err != "" }

// Decode unmarshals the success payload into v.
func (r Result) Decode(v any) error {
	if r.Failed() {
		return fmt.Errorf("job %s failed: %s", r.JobID, r.Err)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode result of %s: %w", r.JobID, err)
	}
	return nil
}

// ParseResult turns the serialized form stored under result:<id> (or announced on
// announce:<id>) into a Result. Workers report failures as {"error": "..."}.
func ParseResult(id JobID, raw string) Result {
	var marker struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return Result{JobID: id, Err: "malformed result: " + err.Error()}
	}
	if marker.Error != "" {
		return Result{JobID: id, Err: marker.Error}
	}
	return Result{JobID: id, Payload: json.RawMessage(raw)}
}

// Counts holds the graph size counters published by the import step.
type Counts struct {
	Nodes         int64 `json:"nodes"`
	Articles      int64 `json:"articles"`
	ArticleLinks  int64 `json:"article_links"`
	Categories    int64 `json:"categories"`
	CategoryLinks int64 `json:"category_links"`
}

// Of returns the node and link counts of one dimension.
func (c Counts) Of(dim Dimension) (nodes, links int64) {
	if dim == DimCategories {
		return c.Categories, c.CategoryLinks
	}
	return c.Articles, c.ArticleLinks
}

// ============================================================================
// Worker payload shapes
// ============================================================================

// DistanceResult is the payload of a D job. CountDist[d] holds how many nodes
// sit at minimum distance d; CountDist[0] is the node itself.
type DistanceResult struct {
	CountDist []int64 `json:"count_dist"`
}

// DegreeResult is the payload of an I job.
type DegreeResult struct {
	InDegree  int64 `json:"in_degree"`
	OutDegree int64 `json:"out_degree"`
}

// SCCResult is the payload of an S job: [size, count] pairs.
type SCCResult struct {
	Components [][2]int64 `json:"components"`
}

// PageRankResult is the payload of an R job: [score, node] pairs.
type PageRankResult struct {
	Ranks [][2]float64 `json:"ranks"`
}
