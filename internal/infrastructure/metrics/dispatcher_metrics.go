package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatcherMetrics contains Prometheus metrics for monitoring the schedule
// dispatcher and run executor.
type DispatcherMetrics struct {
	DueBacklog      prometheus.Gauge
	RunsDispatched  *prometheus.CounterVec
	RunsCompleted   *prometheus.CounterVec
	ClaimConflicts  prometheus.Counter
	RunsInFlight    prometheus.Gauge
	RunDuration     *prometheus.HistogramVec
	PollDuration    prometheus.Histogram
	DueBatchSize    prometheus.Histogram
	DispatchErrors  prometheus.Counter
}

// NewDispatcherMetrics creates and registers dispatcher metrics with the given registerer.
func NewDispatcherMetrics(registerer prometheus.Registerer) *DispatcherMetrics {
	metrics := &DispatcherMetrics{
		DueBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_dispatcher_due_backlog",
			Help: "Number of due, unclaimed schedules seen at the last poll",
		}),
		RunsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_dispatcher_runs_dispatched_total",
				Help: "Total number of runs handed to the executor",
			},
			[]string{"trigger"}, // trigger: scheduled/manual/adhoc
		),
		RunsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_dispatcher_runs_completed_total",
				Help: "Total number of finished runs by terminal status",
			},
			[]string{"status"},
		),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_dispatcher_claim_conflicts_total",
			Help: "Total number of claims lost to a concurrent dispatcher or manual trigger",
		}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_dispatcher_runs_in_flight",
			Help: "Number of runs currently executing",
		}),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_dispatcher_run_duration_seconds",
				Help:    "Wall time of one run from dispatch to terminal state",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_dispatcher_poll_duration_seconds",
			Help:    "Time spent scanning for due schedules in one poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		DueBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_dispatcher_due_batch_size",
			Help:    "Number of due schedules found per poll cycle",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_dispatcher_errors_total",
			Help: "Total number of poll or dispatch failures",
		}),
	}

	registerer.MustRegister(
		metrics.DueBacklog,
		metrics.RunsDispatched,
		metrics.RunsCompleted,
		metrics.ClaimConflicts,
		metrics.RunsInFlight,
		metrics.RunDuration,
		metrics.PollDuration,
		metrics.DueBatchSize,
		metrics.DispatchErrors,
	)

	return metrics
}
