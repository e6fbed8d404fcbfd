package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "archimedes"

// Scoring pipeline
var (
	TransactionsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "transactions_scored_total",
		Help:      "Transactions scored by resulting risk tier and degraded flag",
	}, []string{"tier", "degraded"})

	ScoringLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "latency_seconds",
		Help:      "End-to-end latency of the real-time scoring path",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	ValidationRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "validation_rejected_total",
		Help:      "Input records rejected before scoring",
	})

	RuleHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "hits_total",
		Help:      "Rule baseline hits by tag",
	}, []string{"tag"})

	ScorerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ensemble",
		Name:      "scorer_latency_seconds",
		Help:      "Latency of individual scorer invocations",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5},
	}, []string{"scorer"})

	ScorerUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ensemble",
		Name:      "scorer_unavailable_total",
		Help:      "Scorers dropped from the ensemble by reason",
	}, []string{"scorer", "reason"})
)

// Alerts
var (
	AlertDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "decisions_total",
		Help:      "Alert manager outcomes (created, appended, skipped)",
	}, []string{"outcome", "pattern"})

	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "transitions_total",
		Help:      "Investigator-driven alert status transitions",
	}, []string{"from", "to"})
)

// Network analysis
var (
	PropagationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "propagation_duration_seconds",
		Help:      "Duration of suspicion propagation passes",
		Buckets:   prometheus.DefBuckets,
	})

	NetworkAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "accounts",
		Help:      "Accounts in the latest suspicion snapshot",
	})

	NetworkScoreAge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "score_age_seconds",
		Help:      "Age of the suspicion snapshot at the last lookup",
	})

	NetworkStaleLookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "stale_lookups_total",
		Help:      "Lookups served from a snapshot older than the staleness ceiling",
	})
)

// Messaging
var MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "messaging",
	Name:      "messages_consumed_total",
	Help:      "Consumed transaction messages by result",
}, []string{"topic", "result"})

// Database connection pool metrics
var (
	DBOpenConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Number of open connections in the DB pool",
	}, []string{"db"})

	DBIdleConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_idle_connections",
		Help:      "Number of idle connections in the DB pool",
	}, []string{"db"})

	DBInUseConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Number of in-use connections in the DB pool",
	}, []string{"db"})
)

// RecordsPruned counts rows removed by retention sweeps.
var RecordsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "records_pruned_total",
	Help:      "Records removed by retention sweeps",
}, []string{"store"})
