package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PayloadsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_payloads_received_total",
		Help: "Remote-data payloads received, labelled by type and outcome (stored, stale, error).",
	}, []string{"type", "outcome"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_reconcile_runs_total",
		Help: "Reconciliation runs, labelled by result (ok, rejected, error).",
	}, []string{"result"})

	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_reconcile_operations_total",
		Help: "Store operations produced by reconciliation, labelled by kind.",
	}, []string{"op"})

	ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_reconcile_skipped_documents_total",
		Help: "Malformed or superseded schedule documents skipped during reconciliation.",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_reconcile_duration_ms",
		Help:    "Reconciliation latency in milliseconds, including the store commit.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_custom_events_received_total",
		Help: "Custom events received, labelled by source.",
	}, []string{"source"})

	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_triggers_fired_total",
		Help: "Trigger goals reached, labelled by trigger type.",
	}, []string{"trigger_type"})

	ActiveSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automation_active_schedules",
		Help: "Schedules with live trigger subscriptions.",
	})

	ExecutionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_executions_enqueued_total",
		Help: "Executions placed on the execution queue.",
	})

	ExecutionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_executions_dropped_total",
		Help: "Executions rejected due to a full queue.",
	})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_executions_total",
		Help: "Finished executions, labelled by schedule type and status (finished, aborted, failed).",
	}, []string{"schedule_type", "status"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_execution_duration_ms",
		Help:    "Execution latency in milliseconds, excluding the configured delay.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automation_queue_utilization_ratio",
		Help: "Current execution queue utilization (0–1).",
	})
)
