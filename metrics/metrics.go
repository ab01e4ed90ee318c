// Package metrics declares the Prometheus instruments exported by the
// signalwatch core pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LogsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_logs_ingested_total",
			Help: "Total number of log records accepted by the ingestion writer.",
		},
		[]string{"tenant"},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_notifications_published_total",
			Help: "Total number of logs_new notifications published, including chunks.",
		},
		[]string{"project"},
	)

	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalwatch_listener_reconnects_total",
			Help: "Total number of notification listener reconnect attempts.",
		},
	)

	ListenerTerminalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalwatch_listener_terminal_errors_total",
			Help: "Total number of times the listener gave up after exhausting reconnect attempts.",
		},
	)

	SubscriberDispatchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalwatch_subscriber_dispatch_errors_total",
			Help: "Total number of subscriber callback errors, isolated per subscriber.",
		},
	)

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by queue name and backend.",
		},
		[]string{"queue", "backend"},
	)

	// JobsCompleted exists because the in-DB backend deletes completed
	// rows (spec's jobs table has no completed-row history), so the
	// jobs table alone can't report a completed count. This counter is
	// the operator-facing substitute, incremented by each queue backend's
	// completion path on every successful job, regardless of backend.
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_jobs_completed_total",
			Help: "Total number of jobs completed successfully, by queue name and backend.",
		},
		[]string{"queue", "backend"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_jobs_failed_total",
			Help: "Total number of jobs that exhausted all retry attempts, by queue name and backend.",
		},
		[]string{"queue", "backend"},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_rule_evaluations_total",
			Help: "Total number of rule evaluation attempts, by rule id and result.",
		},
		[]string{"rule", "result"},
	)

	DetectionEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_detection_events_total",
			Help: "Total number of detection events emitted, by severity.",
		},
		[]string{"severity"},
	)

	IncidentsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalwatch_incidents_opened_total",
			Help: "Total number of new incidents opened by the correlator.",
		},
	)

	IncidentsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalwatch_incidents_appended_total",
			Help: "Total number of detection events appended to an existing open incident.",
		},
	)

	WorkerPoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalwatch_worker_pool_queue_depth",
			Help: "Current number of queued tasks in a worker pool.",
		},
		[]string{"pool"},
	)

	RegexModifierTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_regex_modifier_timeouts_total",
			Help: "Total number of field|re predicate evaluations that hit the backtracking timeout, by rule id.",
		},
		[]string{"rule"},
	)

	FanoutTasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalwatch_fanout_tasks_dropped_total",
			Help: "Total number of best-effort publish/enqueue tasks dropped because the fan-out worker pool's queue was full, by task kind.",
		},
		[]string{"kind"},
	)
)
