package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gantry"
)

// Metrics holds all Prometheus metrics for the control plane
type Metrics struct {
	// Event ingest metrics
	EventsIngested  *prometheus.CounterVec
	EventsMalformed prometheus.Counter

	// Policy metrics
	EvaluationsTotal *prometheus.CounterVec
	RulesFired       *prometheus.CounterVec
	ActionsApplied   *prometheus.CounterVec
	MergesTotal      *prometheus.CounterVec

	// Runner metrics
	RunnersByState    *prometheus.GaugeVec
	AcquireDuration   prometheus.Histogram
	AcquireResults    *prometheus.CounterVec
	ProvisionDuration *prometheus.HistogramVec
	ProvisionRetries  *prometheus.CounterVec
	PreemptionsTotal  *prometheus.CounterVec

	// Dispatch metrics
	DispatchRuns *prometheus.CounterVec
	DispatchJobs *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Provider metrics
	ProviderOperations *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec

	// System metrics
	ControllerInfo *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total number of canonical events ingested",
			},
			[]string{"kind"},
		),
		EventsMalformed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_malformed_total",
				Help:      "Total number of raw events discarded as malformed",
			},
		),

		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy evaluations",
			},
			[]string{"trigger"},
		),
		RulesFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_rules_fired_total",
				Help:      "Total number of rule firings by rule name",
			},
			[]string{"rule"},
		),
		ActionsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_applied_total",
				Help:      "Total number of actions applied",
			},
			[]string{"kind", "status"},
		),
		MergesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_total",
				Help:      "Total number of merge attempts",
			},
			[]string{"status"},
		),

		RunnersByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners",
				Help:      "Number of runner instances by spec and lifecycle state",
			},
			[]string{"spec", "state"},
		),
		AcquireDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runner_acquire_duration_seconds",
				Help:      "Time spent waiting for a runner in Acquire",
				Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		AcquireResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_acquire_total",
				Help:      "Acquire outcomes by spec",
			},
			[]string{"spec", "result"},
		),
		ProvisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runner_provision_duration_seconds",
				Help:      "Duration of provider provisioning calls",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		),
		ProvisionRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_provision_retries_total",
				Help:      "Provisioning retries by spec",
			},
			[]string{"spec"},
		),
		PreemptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_preemptions_total",
				Help:      "Preemptible instances that disappeared externally",
			},
			[]string{"spec"},
		),

		DispatchRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_runs_total",
				Help:      "Matrix dispatch runs by aggregate result",
			},
			[]string{"result"},
		),
		DispatchJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_jobs_total",
				Help:      "Matrix build jobs by terminal status",
			},
			[]string{"status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_job_duration_seconds",
				Help:      "Duration of individual matrix build jobs",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"os"},
		),

		ProviderOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_operations_total",
				Help:      "Total number of provider operations",
			},
			[]string{"provider", "operation", "status"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the controller",
			},
			[]string{"version", "provider", "mode"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}

	return m
}
