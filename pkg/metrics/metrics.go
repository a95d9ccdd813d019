package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection and session metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_connections_total",
			Help: "Total number of inbound connections accepted",
		},
		[]string{"listener"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mta_connections_current",
			Help: "Current number of active inbound connections",
		},
		[]string{"listener"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_connections_rejected_total",
			Help: "Connections refused before the banner",
		},
		[]string{"listener", "reason"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_commands_total",
			Help: "Total number of SMTP commands processed",
		},
		[]string{"listener", "command"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mta_command_duration_seconds",
			Help:    "Duration of SMTP command handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"listener", "command"},
	)

	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_messages_received_total",
			Help: "Messages accepted into the queue",
		},
		[]string{"listener"},
	)

	BytesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_bytes_received_total",
			Help: "Message payload bytes accepted over SMTP",
		},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"listener", "result"},
	)
)

// Policy metrics
var (
	PolicyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_policy_rejections_total",
			Help: "Commands rejected by the policy engine",
		},
		[]string{"check"},
	)

	GreylistEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_greylist_events_total",
			Help: "Greylisting outcomes by type",
		},
		[]string{"event"}, // "deferred", "passed", "known"
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mta_queue_depth",
			Help: "Messages in the queue by lifecycle state",
		},
		[]string{"state"},
	)

	QueueOldestAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mta_queue_oldest_age_seconds",
			Help: "Age of the oldest active queue entry",
		},
	)

	QueueEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_queue_enqueued_total",
			Help: "Messages enqueued",
		},
	)

	BouncesGeneratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_bounces_generated_total",
			Help: "Bounce messages generated",
		},
	)
)

// Delivery metrics
var (
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_delivery_attempts_total",
			Help: "Per-recipient delivery attempt outcomes",
		},
		[]string{"result"}, // "delivered", "deferred", "bounced"
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mta_delivery_duration_seconds",
			Help:    "Duration of outbound delivery transactions",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"result"},
	)

	DeliveryWorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mta_delivery_workers_busy",
			Help: "Delivery workers currently processing a message",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mta_delivery_circuit_state",
			Help: "Per-domain delivery circuit state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"domain"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mta_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_db_transactions_total",
			Help: "Total number of database transactions",
		},
		[]string{"result"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mta_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mta_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mta_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mta_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mta_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mta_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	PayloadCorruptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mta_payload_corrupt_total",
			Help: "Payloads failing checksum verification on read",
		},
	)
)
