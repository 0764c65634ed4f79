package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_events_ingested_total",
			Help: "Total number of events accepted for detection",
		},
		[]string{"source"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_events_rejected_total",
			Help: "Total number of malformed events rejected before evaluation",
		},
		[]string{"reason"},
	)

	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_batches_processed_total",
			Help: "Total number of event batches processed",
		},
		[]string{"outcome"},
	)

	BatchProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatwatch_batch_processing_duration_seconds",
			Help:    "Time taken to evaluate and persist one batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	RuleEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatwatch_rule_evaluation_duration_seconds",
			Help:    "Time taken by a single rule evaluation",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"rule"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_rule_matches_total",
			Help: "Total number of rule candidates produced",
		},
		[]string{"rule"},
	)

	EvaluatorFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_evaluator_faults_total",
			Help: "Total number of rule evaluations that errored, panicked or timed out",
		},
		[]string{"rule"},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_alerts_generated_total",
			Help: "Total number of alerts persisted",
		},
		[]string{"rule", "severity"},
	)

	AlertsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_alerts_deduplicated_total",
			Help: "Total number of alerts suppressed because their dedup key already existed",
		},
		[]string{"rule"},
	)

	AlertPersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_alert_persist_failures_total",
			Help: "Total number of alert persistence failures",
		},
		[]string{"rule"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_notifications_sent_total",
			Help: "Total number of notifications delivered",
		},
		[]string{"destination"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_notifications_failed_total",
			Help: "Total number of notification delivery failures",
		},
		[]string{"destination"},
	)

	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threatwatch_notification_queue_depth",
			Help: "Number of notifications waiting for a dispatcher worker",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_dead_letters_total",
			Help: "Total number of batches parked in the dead-letter table",
		},
		[]string{"source", "reason"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatwatch_store_query_duration_seconds",
			Help:    "Latency of event and alert store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"store", "operation"},
	)

	DedupCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatwatch_dedup_cache_hits_total",
			Help: "Total number of alert inserts short-circuited by the dedup cache",
		},
	)

	EventsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatwatch_events_expired_total",
			Help: "Total number of events removed by the retention sweep",
		},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_config_reloads_total",
			Help: "Total number of configuration reload attempts",
		},
		[]string{"result"},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatwatch_panics_recovered_total",
			Help: "Total number of panics recovered in background goroutines",
		},
		[]string{"component"},
	)
)
