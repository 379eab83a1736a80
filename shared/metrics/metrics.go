package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeSuccess           = "success"
	OutcomeInvalid           = "invalid"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeUpstreamError     = "upstream_error"
	OutcomePersistenceError  = "persistence_error"
)

var (
	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txms_transactions_processed_total",
		Help: "Transactions handled by the command side, by type and outcome.",
	}, []string{"type", "outcome"})

	TransactionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txms_transaction_duration_seconds",
		Help:    "End-to-end latency of PerformTransaction.",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txms_notifications_published_total",
		Help: "Transaction notifications handed to the broker, by outcome flag and publish result.",
	}, []string{"status", "result"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txms_stream_subscriptions_active",
		Help: "Live transaction feeds currently held open by clients.",
	})
)

func RecordTransaction(txType, outcome string) {
	TransactionsProcessed.WithLabelValues(txType, outcome).Inc()
}

func StartTimer() *prometheus.Timer {
	return prometheus.NewTimer(TransactionLatency)
}
