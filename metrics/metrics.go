// Package metrics exposes the engine's Prometheus instruments. Callers
// register nothing; promauto wires everything into the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_runs_started_total",
			Help: "Total number of workflow runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_runs_completed_total",
			Help: "Total number of runs that reached a terminal state",
		},
		[]string{"status"},
	)

	// Tick metrics
	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_ticks_total",
			Help: "Total number of replay ticks executed",
		},
		[]string{"result"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_tick_duration_seconds",
			Help:    "Replay tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_steps_executed_total",
			Help: "Total number of step attempts executed",
		},
		[]string{"result"},
	)

	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_step_duration_seconds",
			Help:    "Step attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StepRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_step_retries_total",
			Help: "Total number of step retries scheduled",
		},
	)

	// Queue metrics
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_messages_dispatched_total",
			Help: "Total number of queue messages dispatched to handlers",
		},
		[]string{"queue_kind"},
	)

	MessagesRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_messages_requeued_total",
			Help: "Total number of messages re-enqueued after lifetime expiry",
		},
	)

	// Hook metrics
	HooksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_hooks_created_total",
			Help: "Total number of hooks created",
		},
	)

	HooksResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_hooks_resumed_total",
			Help: "Total number of hooks resumed",
		},
	)

	// Health metrics
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_health_checks_total",
			Help: "Total number of queue health probes",
		},
		[]string{"endpoint", "healthy"},
	)
)
