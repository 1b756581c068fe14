// ============================================================================
// Pipeline Metrics - Prometheus
// ============================================================================
//
// Package: internal/metrics
//
// Metric families:
//
//   1. Item counters (Counter, labelled by stage):
//      - alvs_items_done_total: items whose output was committed
//      - alvs_items_skipped_total: items skipped because the output already existed
//      - alvs_items_failed_total: items that failed (recoverable or fatal)
//
//   2. Durations (Histogram):
//      - alvs_stage_duration_seconds{stage}: wall time of one stage call
//      - alvs_tool_duration_seconds{tool,outcome}: external tool invocations
//
//   3. State (Gauge):
//      - alvs_stage_in_progress{stage}: 1 while a stage is executing
//      - alvs_last_success_timestamp_seconds{stage}
//
// Exposure:
//   - `alvs run` serves /metrics while the run is in progress (--metrics-port)
//   - batch jobs on the cluster are short-lived and push to a Pushgateway
//     at exit when metrics.pushgateway is configured
//
// Example queries:
//
//   # docking throughput
//   rate(alvs_items_done_total{stage="dock"}[5m])
//
//   # 95th percentile Uni-Dock call
//   histogram_quantile(0.95, rate(alvs_tool_duration_seconds_bucket{tool="unidock"}[1h]))
//
// Every Collector owns its registry, so several collectors (tests, a library
// user) never collide on the global default registerer.
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

const namespace = "alvs"

// Buckets for stages and tools; docking and training run for minutes to hours.
var durationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 12 * 3600}

// Collector holds the pipeline metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry *prometheus.Registry

	itemsDone    *prometheus.CounterVec
	itemsSkipped *prometheus.CounterVec
	itemsFailed  *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec
	toolDuration  *prometheus.HistogramVec

	inProgress  *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry. Go runtime and
// process collectors are included so a pushed job carries its memory profile.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_done_total",
			Help:      "Stage items whose output was committed",
		}, []string{"stage"}),
		itemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Stage items skipped because their output already existed",
		}, []string{"stage"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Stage items that failed",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one stage call",
			Buckets:   durationBuckets,
		}, []string{"stage"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Wall time of external tool invocations",
			Buckets:   durationBuckets,
		}, []string{"tool", "outcome"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_in_progress",
			Help:      "1 while the stage is executing",
		}, []string{"stage"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful stage completion",
		}, []string{"stage"}),
	}

	c.registry.MustRegister(
		c.itemsDone,
		c.itemsSkipped,
		c.itemsFailed,
		c.stageDuration,
		c.toolDuration,
		c.inProgress,
		c.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry (tests use it with testutil)
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordDone records a committed item
func (c *Collector) RecordDone(stage types.StageName) {
	if c == nil {
		return
	}
	c.itemsDone.WithLabelValues(string(stage)).Inc()
}

// RecordSkipped records an item whose output already existed
func (c *Collector) RecordSkipped(stage types.StageName) {
	if c == nil {
		return
	}
	c.itemsSkipped.WithLabelValues(string(stage)).Inc()
}

// RecordFailed records a failed item
func (c *Collector) RecordFailed(stage types.StageName) {
	if c == nil {
		return
	}
	c.itemsFailed.WithLabelValues(string(stage)).Inc()
}

// StageStarted marks stage as in progress and returns a function that records
// its duration and outcome.
func (c *Collector) StageStarted(stage types.StageName) func(err error) {
	if c == nil {
		return func(error) {}
	}
	start := time.Now()
	label := string(stage)
	c.inProgress.WithLabelValues(label).Set(1)
	return func(err error) {
		c.inProgress.WithLabelValues(label).Set(0)
		c.stageDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if err == nil {
			c.lastSuccess.WithLabelValues(label).SetToCurrentTime()
		}
	}
}

// ObserveTool records one external tool invocation.
func (c *Collector) ObserveTool(tool string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.toolDuration.WithLabelValues(filepath.Base(tool), outcome).Observe(d.Seconds())
}

// Handler returns the /metrics handler for this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Push sends every metric to a Pushgateway under job, grouped by instance.
func (c *Collector) Push(ctx context.Context, url, job, instance string) error {
	if c == nil || url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(c.registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Server serves /metrics until its context is cancelled
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// StartServer listens on port (0 picks a free one) and serves the collector's
// registry in the background.
func (c *Collector) StartServer(port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "addr", s.Addr(), "error", err)
		}
	}()
	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
