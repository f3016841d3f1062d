package pipeline

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

func metricLabels() prometheus.Labels {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "registrar-pipeline"
	}
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return prometheus.Labels{"service": service, "instance": instance}
}

var reg = prometheus.WrapRegistererWith(metricLabels(), prometheus.DefaultRegisterer)

var (
	tasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_tasks_enqueued_total",
			Help: "Total number of registration tasks created by the payment trigger",
		},
		[]string{"task_type"},
	)

	taskProcessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_task_process_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"task_type", "status", "reason"},
	)

	taskProcessLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registration_task_process_latency_seconds",
			Help:    "Latency of one task execution including in-process retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registration_tasks_pending",
			Help: "Number of registration tasks currently pending",
		},
	)

	retryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_retry_attempts_total",
			Help: "Total number of operation attempts through the retry layer",
		},
		[]string{"operation"},
	)

	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_breaker_state",
			Help: "Circuit breaker state per operation (0 closed, 1 half_open, 2 open)",
		},
		[]string{"operation"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "to"},
	)

	notificationDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatch_total",
			Help: "Total number of notification dispatch attempts",
		},
		[]string{"status", "reason"},
	)

	reconcileSweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_sync_reconcile_total",
			Help: "Total number of per-assignment reconcile outcomes",
		},
		[]string{"result", "reason"},
	)

	reconcileSweepLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "room_sync_reconcile_latency_seconds",
			Help:    "Latency of one full room sync sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	tasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registration_tasks_reclaimed_total",
			Help: "Total number of orphaned in_progress tasks returned to pending",
		},
	)

	chatRoomsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "care_team_chat_rooms",
			Help: "Number of care-team chat rooms, refreshed after each sweep",
		},
	)
)

func init() {
	reg.MustRegister(
		tasksEnqueuedTotal,
		taskProcessTotal,
		taskProcessLatencySeconds,
		tasksPendingGauge,
		retryAttemptsTotal,
		breakerStateGauge,
		breakerTransitionsTotal,
		notificationDispatchTotal,
		reconcileSweepTotal,
		reconcileSweepLatencySeconds,
		tasksReclaimedTotal,
		chatRoomsGauge,
	)
}

func observeBreakerState(operation, state string) {
	var v float64
	switch state {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	breakerStateGauge.WithLabelValues(operation).Set(v)
}
