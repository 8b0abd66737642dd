// Package metrics exposes Prometheus instrumentation for the render farm
// scheduler core: fleet gauges, scheduling-cycle histograms, and counters
// for the events the audit sink records.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farmsched_nodes_total",
			Help: "Number of compute nodes added, labelled by their status when added; later status changes and removals are not reflected",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farmsched_jobs_total",
			Help: "Number of render jobs accepted, labelled by their status at submission; later status changes are not reflected",
		},
		[]string{"status"},
	)

	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmsched_clients_total",
			Help: "Total number of registered clients",
		},
	)

	// Scheduling cycle metrics
	SchedulingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farmsched_scheduling_cycle_duration_seconds",
			Help:    "Duration of a single scheduling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_jobs_scheduled_total",
			Help: "Total number of jobs assigned to a node by the scheduler",
		},
	)

	JobsPreemptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_jobs_preempted_total",
			Help: "Total number of running jobs preempted to make room for a higher-priority job",
		},
	)

	JobsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmsched_jobs_skipped_total",
			Help: "Total number of scheduling skips by reason",
		},
		[]string{"reason"},
	)

	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_jobs_failed_total",
			Help: "Total number of jobs that reached FAILED (error cap, missed deadline, or rejected at submission)",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_jobs_completed_total",
			Help: "Total number of jobs that reached 100% progress",
		},
	)

	// Node failure / recovery metrics
	NodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_node_failures_total",
			Help: "Total number of node failure events handled by the recovery manager",
		},
	)

	JobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_jobs_requeued_total",
			Help: "Total number of jobs requeued after a node failure",
		},
	)

	// Resource partitioner metrics
	ResourceAllocationScaledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_resource_allocation_scaled_total",
			Help: "Total number of partition cycles where guaranteed allocations were scaled down to fit the fleet",
		},
	)

	ResourceBorrowedPct = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farmsched_resource_borrowed_pct",
			Help: "Percentage of fleet capacity currently borrowed, by borrowing client",
		},
		[]string{"client_id"},
	)

	// Energy optimizer metrics
	EnergyModeChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmsched_energy_mode_changes_total",
			Help: "Total number of energy mode transitions",
		},
	)

	EstimatedEnergySavings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmsched_estimated_energy_savings",
			Help: "Estimated energy cost savings of the current mode versus PERFORMANCE, last computed value",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(SchedulingCycleDuration)
	prometheus.MustRegister(JobsScheduledTotal)
	prometheus.MustRegister(JobsPreemptedTotal)
	prometheus.MustRegister(JobsSkippedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(NodeFailuresTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(ResourceAllocationScaledTotal)
	prometheus.MustRegister(ResourceBorrowedPct)
	prometheus.MustRegister(EnergyModeChangesTotal)
	prometheus.MustRegister(EstimatedEnergySavings)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
