// Package metrics exposes Prometheus instrumentation for the scheduler and
// the delivery worker pool.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetcron"

// Skip reasons.
const (
	SkipTaskRunning = "task_running"
	SkipTaskLocked  = "task_locked"
	SkipNotOwner    = "not_owner"
	SkipLeaseError  = "lease_error"
)

type Registry struct {
	Fires          *prometheus.CounterVec
	Skips          *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ArmedJobs      prometheus.Gauge
	Drift          *prometheus.GaugeVec
	WorkerRequests *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		Fires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "fires_total",
				Help:      "Timer fires observed, before lock checks",
			},
			[]string{"variant"},
		),
		Skips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "skips_total",
				Help:      "Fires skipped by lock checks",
			},
			[]string{"reason"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Completed executions by outcome",
			},
			[]string{"variant", "outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "run_duration_seconds",
				Help:      "Wall clock duration of executions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"variant"},
		),
		ArmedJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "armed_jobs",
				Help:      "Live timer handles in this process",
			},
		),
		Drift: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "drift_jobs",
				Help:      "Handles out of step with stored definitions at the last check",
			},
			[]string{"kind"},
		),
		WorkerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "requests_total",
				Help:      "Delivery requests handled by outcome",
			},
			[]string{"outcome"},
		),
		WorkerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "request_duration_seconds",
				Help:      "Time spent invoking handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"class"},
		),
	}
}

// Outcome maps a return code to a label value.
func Outcome(code int) string {
	if code == 0 {
		return "success"
	}
	return "failure"
}

func (r *Registry) ObserveRun(variant string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(variant, Outcome(code)).Inc()
	r.RunDuration.WithLabelValues(variant).Observe(elapsed.Seconds())
}

func (r *Registry) Fire(variant string) {
	if r == nil {
		return
	}
	r.Fires.WithLabelValues(variant).Inc()
}

func (r *Registry) Skip(reason string) {
	if r == nil {
		return
	}
	r.Skips.WithLabelValues(reason).Inc()
}

func (r *Registry) SetArmed(n int) {
	if r == nil {
		return
	}
	r.ArmedJobs.Set(float64(n))
}

// SetDrift records stale handles and enabled jobs without a handle.
func (r *Registry) SetDrift(stale, missing int) {
	if r == nil {
		return
	}
	r.Drift.WithLabelValues("stale").Set(float64(stale))
	r.Drift.WithLabelValues("missing").Set(float64(missing))
}

func (r *Registry) ObserveWorker(class string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.WorkerRequests.WithLabelValues(Outcome(code)).Inc()
	r.WorkerDuration.WithLabelValues(class).Observe(elapsed.Seconds())
}
