// Package metrics exports scheduler activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ariyn/wake/internal/wake/graph"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	// Steps counts scheduler steps (one consumed message each) per node.
	Steps *prometheus.CounterVec
	// Rows counts rows consumed ("in") and emitted ("out") per node.
	Rows *prometheus.CounterVec
	// Runs counts finished runs by status.
	Runs *prometheus.CounterVec
	// RunDuration is the wall time of a run.
	RunDuration *prometheus.HistogramVec
	// InProgress is the number of runs currently executing.
	InProgress *prometheus.GaugeVec
}

var (
	once     sync.Once
	defaults *Metrics
)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Steps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wake_batches_total",
				Help: "Total number of messages processed by graph nodes",
			},
			[]string{"query", "node", "kind"},
		),
		Rows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wake_rows_total",
				Help: "Total number of rows consumed and emitted by graph nodes",
			},
			[]string{"query", "node", "direction"},
		),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wake_runs_total",
				Help: "Total number of finished query runs",
			},
			[]string{"query", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wake_run_duration_seconds",
				Help:    "Query run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query"},
		),
		InProgress: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wake_runs_in_progress",
				Help: "Number of query runs currently executing",
			},
			[]string{"query"},
		),
	}
}

// Default returns the collectors registered with the default registry.
func Default() *Metrics {
	once.Do(func() {
		defaults = New(prometheus.DefaultRegisterer)
	})
	return defaults
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer returns a graph.Observer that records the runs of one query.
func (m *Metrics) Observer(query string) graph.Observer {
	return &observer{m: m, query: query}
}

type observer struct {
	m     *Metrics
	query string
}

func (o *observer) RunStarted(string) {
	o.m.InProgress.WithLabelValues(o.query).Inc()
}

func (o *observer) Step(_ string, node string, kind graph.Kind, rowsIn, rowsOut int, _ time.Duration) {
	o.m.Steps.WithLabelValues(o.query, node, kind.String()).Inc()
	if rowsIn > 0 {
		o.m.Rows.WithLabelValues(o.query, node, "in").Add(float64(rowsIn))
	}
	if rowsOut > 0 {
		o.m.Rows.WithLabelValues(o.query, node, "out").Add(float64(rowsOut))
	}
}

func (o *observer) NodeFinished(string, graph.NodeStats) {}

func (o *observer) RunFinished(_ string, err error, d time.Duration) {
	o.m.InProgress.WithLabelValues(o.query).Dec()
	o.m.Runs.WithLabelValues(o.query, status(err)).Inc()
	o.m.RunDuration.WithLabelValues(o.query).Observe(d.Seconds())
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	var ge *graph.Error
	if errors.As(err, &ge) {
		return ge.Kind.String()
	}
	return "error"
}
