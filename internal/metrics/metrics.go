// ============================================================================
// wikigraph Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: counters and gauges for the coordinator, exposed on /metrics
//
// Metric groups:
//
//  1. Dispatch (Counter):
//     - wikigraph_jobs_submitted_total: jobs pushed onto queue:jobs
//     - wikigraph_cache_hits_total: submissions answered from result:<id>
//     - wikigraph_results_total{outcome}: announcements received (ok / error)
//
//  2. Recovery (Counter):
//     - wikigraph_jobs_rescheduled_total: lost jobs pushed back by the monitor
//     - wikigraph_jobs_verified_total: in-flight markers found completed
//
//  3. Flow control (Gauge):
//     - wikigraph_queue_depth: last observed length of queue:jobs
//     - wikigraph_bulk_size: current submitter bulk size
//
//  4. Aggregation:
//     - wikigraph_results_aggregated_total{dimension,valid}
//     - wikigraph_stage_duration_seconds{stage} (Histogram)
//
//  5. Leadership:
//     - wikigraph_leader (Gauge, 1 while the mutex is held)
//     - wikigraph_mutex_renewals_total
//
// Every Record/Set method is a no-op on a nil *Collector so components can run
// without instrumentation.
//
// Example queries:
//
//	# Lost-job rate
//	rate(wikigraph_jobs_rescheduled_total[5m])
//
//	# Backlog vs. admission window
//	wikigraph_queue_depth / wikigraph_bulk_size
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wikigraph"

// Collector holds the coordinator metrics.
type Collector struct {
	jobsSubmitted   prometheus.Counter
	cacheHits       prometheus.Counter
	results         *prometheus.CounterVec
	jobsRescheduled prometheus.Counter
	jobsVerified    prometheus.Counter

	queueDepth prometheus.Gauge
	bulkSize   prometheus.Gauge

	aggregated    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	leader   prometheus.Gauge
	renewals prometheus.Counter
}

// NewCollector creates the metrics and registers them on reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs pushed onto the work queue",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Submissions answered from the result cache",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Job results received, by outcome",
		}, []string{"outcome"}),
		jobsRescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rescheduled_total",
			Help:      "Lost jobs pushed back onto the work queue",
		}),
		jobsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_verified_total",
			Help:      "In-flight markers whose result was present after the grace period",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Last observed length of the work queue",
		}),
		bulkSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bulk_size",
			Help:      "Current admission window of the bulk submitter",
		}),
		aggregated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_aggregated_total",
			Help:      "Distance results folded into an aggregate",
		}, []string{"dimension", "valid"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this instance holds the leadership mutex",
		}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutex_renewals_total",
			Help:      "Leadership counter increments after acquisition",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.cacheHits, c.results, c.jobsRescheduled, c.jobsVerified,
		c.queueDepth, c.bulkSize, c.aggregated, c.stageDuration, c.leader, c.renewals,
	)
	return c
}

// RecordSubmitted counts a push onto the work queue.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCacheHit counts a submission answered from the cache.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordResult counts an announced result.
func (c *Collector) RecordResult(failed bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.results.WithLabelValues(outcome).Inc()
}

// RecordRescheduled counts a lost job pushed back by the monitor.
func (c *Collector) RecordRescheduled() {
	if c == nil {
		return
	}
	c.jobsRescheduled.Inc()
}

// RecordVerified counts an in-flight marker whose job completed.
func (c *Collector) RecordVerified() {
	if c == nil {
		return
	}
	c.jobsVerified.Inc()
}

func (c *Collector) SetQueueDepth(n int64) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) SetBulkSize(n int) {
	if c == nil {
		return
	}
	c.bulkSize.Set(float64(n))
}

// RecordAggregated counts one node folded into the aggregate of dimension.
func (c *Collector) RecordAggregated(dimension string, valid bool) {
	if c == nil {
		return
	}
	c.aggregated.WithLabelValues(dimension, strconv.FormatBool(valid)).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetLeader flips the leadership gauge.
func (c *Collector) SetLeader(held bool) {
	if c == nil {
		return
	}
	if held {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
}

func (c *Collector) RecordRenewal() {
	if c == nil {
		return
	}
	c.renewals.Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
