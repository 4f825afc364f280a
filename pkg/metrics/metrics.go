package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph metrics
	VariablesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflow_variables_total",
			Help: "Total number of variables by health",
		},
		[]string{"health"},
	)

	ComputationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflow_computations_total",
			Help: "Total number of computations by health",
		},
		[]string{"health"},
	)

	ProblemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflow_problems_total",
			Help: "Quarantined computations by reason",
		},
		[]string{"reason"},
	)

	LogicalClock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflow_logical_clock",
			Help: "Current logical clock value",
		},
	)

	// Scheduler metrics
	ReadyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflow_ready_queue_depth",
			Help: "Computations waiting in the ready queue",
		},
	)

	RunningBodies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflow_running_bodies",
			Help: "Computation bodies currently in flight",
		},
	)

	BodiesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_bodies_started_total",
			Help: "Total number of body executions started",
		},
	)

	BodiesCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_bodies_committed_total",
			Help: "Total number of body executions that committed outputs",
		},
	)

	BodiesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_bodies_failed_total",
			Help: "Total number of body executions that ended in a runtime error",
		},
	)

	BodiesAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_bodies_aborted_total",
			Help: "Total number of body executions cancelled before settling",
		},
	)

	BodiesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_bodies_pruned_total",
			Help: "Total number of executions skipped by input pruning",
		},
	)

	BodyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reflow_body_duration_seconds",
			Help:    "Body execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Repair metrics
	Recoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_recoveries_total",
			Help: "Total number of problem computations recovered",
		},
	)

	Quarantines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_quarantines_total",
			Help: "Total number of computations quarantined",
		},
	)

	// Observer metrics
	ObserverNotifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_observer_notifications_total",
			Help: "Total number of observer callbacks delivered",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(VariablesTotal)
	prometheus.MustRegister(ComputationsTotal)
	prometheus.MustRegister(ProblemsTotal)
	prometheus.MustRegister(LogicalClock)
	prometheus.MustRegister(ReadyQueueDepth)
	prometheus.MustRegister(RunningBodies)
	prometheus.MustRegister(BodiesStarted)
	prometheus.MustRegister(BodiesCommitted)
	prometheus.MustRegister(BodiesFailed)
	prometheus.MustRegister(BodiesAborted)
	prometheus.MustRegister(BodiesPruned)
	prometheus.MustRegister(BodyDuration)
	prometheus.MustRegister(Recoveries)
	prometheus.MustRegister(Quarantines)
	prometheus.MustRegister(ObserverNotifications)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
