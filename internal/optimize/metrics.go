package optimize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by the optimizer.
type Metrics struct {
	BucketsSaved    *prometheus.CounterVec
	Containers      *prometheus.CounterVec
	RebuildDuration *prometheus.HistogramVec
	Runs            *prometheus.CounterVec
	LastRunSaved    prometheus.Gauge
}

// NewMetrics registers the optimizer collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		BucketsSaved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogopt_buckets_saved_total",
				Help: "Total number of buckets eliminated by container swaps",
			},
			[]string{"site"},
		),
		Containers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogopt_containers_total",
				Help: "Containers processed, by outcome",
			},
			[]string{"outcome"}, // swapped, no_gain, empty, already_optimized, ...
		),
		RebuildDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogopt_rebuild_duration_seconds",
				Help:    "Time spent rebuilding and committing one container",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Runs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogopt_runs_total",
				Help: "Optimization runs, by final status",
			},
			[]string{"status"},
		),
		LastRunSaved: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "catalogopt_last_run_buckets_saved",
				Help: "Buckets eliminated by the most recent run",
			},
		),
	}
}

func (m *Metrics) observe(r *Result) {
	if m == nil {
		return
	}
	m.Containers.WithLabelValues(string(r.Outcome)).Inc()
	if r.Saved > 0 {
		m.BucketsSaved.WithLabelValues(r.Path.Site).Add(float64(r.Saved))
	}
	if r.Type != "" && r.Duration > 0 {
		m.RebuildDuration.WithLabelValues(r.Type).Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) observeRun(rep *RunReport) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(rep.Status).Inc()
	m.LastRunSaved.Set(float64(rep.Saved))
}
