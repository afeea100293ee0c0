// Package metrics registers the Prometheus collectors the scheduler and the
// HTTP layer report through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	BusySlots     prometheus.Gauge
	QueueDepth    prometheus.Gauge
	JobDuration   *prometheus.HistogramVec
	AuthFailures  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glow_jobs_submitted_total",
			Help: "Jobs accepted into the registry, by kind.",
		}, []string{"kind"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glow_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by kind and state.",
		}, []string{"kind", "state"}),
		BusySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glow_worker_busy_slots",
			Help: "Worker slots currently executing a job.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glow_queue_depth",
			Help: "Jobs in state pending at the last poll.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "glow_job_duration_seconds",
			Help:    "Handler wall time from claim to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glow_auth_failures_total",
			Help: "Requests rejected with an invalid credential.",
		}),
	}
	reg.MustRegister(m.JobsSubmitted, m.JobsFinished, m.BusySlots, m.QueueDepth, m.JobDuration, m.AuthFailures)
	return m
}
