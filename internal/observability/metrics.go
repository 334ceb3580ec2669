// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	TradesDetected    *prometheus.CounterVec
	WebhookRequests   *prometheus.CounterVec
	TradesApplied     *prometheus.CounterVec
	DataGaps          *prometheus.CounterVec
	ClassifySkipped   *prometheus.CounterVec
	WatcherErrors     *prometheus.CounterVec
	WatermarkBlock    *prometheus.GaugeVec
	PollDuration      *prometheus.HistogramVec
	RPCCallLatency    *prometheus.HistogramVec
	WSReconnects      prometheus.Counter
	AnalyticsFailures prometheus.Counter

	// Trigger metrics
	TriggerFires      *prometheus.CounterVec
	TriggerRejections *prometheus.CounterVec
	QueueDepth        prometheus.Gauge

	// Dispatch metrics
	DispatchOutcomes *prometheus.CounterVec
	ExecutorLatency  *prometheus.HistogramVec
	EventsDropped    prometheus.Counter

	// Reconciliation metrics
	InvariantMismatches prometheus.Gauge
	LastReconcileRun    prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradeflow"
	}

	return &Metrics{
		TradesDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_detected_total",
			Help:      "Classified trade legs by chain, source and action",
		}, []string{"chain", "source", "action"}),
		WebhookRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by HTTP status",
		}, []string{"status"}),
		TradesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "trades_applied_total",
			Help:      "Ledger applications by outcome (applied, duplicate, rejected, failed)",
		}, []string{"outcome"}),
		DataGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "data_gaps_total",
			Help:      "Sells that could not be matched to recorded state",
		}, []string{"kind"}),
		ClassifySkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "classify_skipped_total",
			Help:      "Transactions that produced no trade, by reason",
		}, []string{"chain", "reason"}),
		WatcherErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "watcher_errors_total",
			Help:      "Watcher failures by chain",
		}, []string{"chain"}),
		WatermarkBlock: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "watermark_block",
			Help:      "Last fully processed block per chain",
		}, []string{"chain"}),
		PollDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one EVM poll cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_latency_seconds",
			Help:      "RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "method"}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_reconnects_total",
			Help:      "Solana WebSocket reconnects",
		}),
		AnalyticsFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "analytics_failures_total",
			Help:      "Failed writes to the trade event sink",
		}),

		TriggerFires: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "fires_total",
			Help:      "Auto-buy requests enqueued by trigger type",
		}, []string{"type"}),
		TriggerRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "rejections_total",
			Help:      "Qualified candidates dropped by a safety gate",
		}, []string{"type", "reason"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "queue_depth",
			Help:      "Pending auto-buy requests",
		}),

		DispatchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatched requests by chain and outcome (executed, recommended)",
		}, []string{"chain", "outcome"}),
		ExecutorLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "executor_latency_seconds",
			Help:      "Executor call latency",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"chain", "kind"}),

		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the bus buffer was full",
		}),
		InvariantMismatches: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "invariant_mismatches",
			Help:      "Positions whose quantity differs from their open lots at the last run",
		}),
		LastReconcileRun: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "last_run_timestamp",
			Help:      "Unix timestamp of the last reconciliation run",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTradeDetected counts a classified trade leg.
func RecordTradeDetected(chain, source, action string) {
	DefaultMetrics.TradesDetected.WithLabelValues(chain, source, action).Inc()
}

// RecordWebhook counts a webhook response.
func RecordWebhook(status string) {
	DefaultMetrics.WebhookRequests.WithLabelValues(status).Inc()
}

// RecordApply counts a ledger application outcome.
func RecordApply(outcome string) {
	DefaultMetrics.TradesApplied.WithLabelValues(outcome).Inc()
}

// RecordDataGap counts a data-gap warning.
func RecordDataGap(kind string) {
	DefaultMetrics.DataGaps.WithLabelValues(kind).Inc()
}

// RecordClassifySkipped counts a transaction that yielded no trade.
func RecordClassifySkipped(chain, reason string) {
	DefaultMetrics.ClassifySkipped.WithLabelValues(chain, reason).Inc()
}

// RecordWatcherError counts a watcher failure.
func RecordWatcherError(chain string) {
	DefaultMetrics.WatcherErrors.WithLabelValues(chain).Inc()
}

// SetWatermark updates the chain watermark gauge.
func SetWatermark(chain string, block uint64) {
	DefaultMetrics.WatermarkBlock.WithLabelValues(chain).Set(float64(block))
}

// RecordPoll records one poll cycle duration.
func RecordPoll(chain string, seconds float64) {
	DefaultMetrics.PollDuration.WithLabelValues(chain).Observe(seconds)
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(chain, method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(chain, method).Observe(seconds)
}

// RecordWSReconnect counts a WebSocket reconnect.
func RecordWSReconnect() {
	DefaultMetrics.WSReconnects.Inc()
}

// RecordAnalyticsFailure counts a failed analytics write.
func RecordAnalyticsFailure() {
	DefaultMetrics.AnalyticsFailures.Inc()
}

// RecordTriggerFire counts an enqueued auto-buy.
func RecordTriggerFire(triggerType string) {
	DefaultMetrics.TriggerFires.WithLabelValues(triggerType).Inc()
}

// RecordTriggerRejection counts a gate rejection.
func RecordTriggerRejection(triggerType, reason string) {
	DefaultMetrics.TriggerRejections.WithLabelValues(triggerType, reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(n int) {
	DefaultMetrics.QueueDepth.Set(float64(n))
}

// RecordDispatch counts a dispatch outcome.
func RecordDispatch(chain, outcome string) {
	DefaultMetrics.DispatchOutcomes.WithLabelValues(chain, outcome).Inc()
}

// RecordExecutorLatency records one executor call.
func RecordExecutorLatency(chain, kind string, seconds float64) {
	DefaultMetrics.ExecutorLatency.WithLabelValues(chain, kind).Observe(seconds)
}

// RecordEventDropped counts an event the bus could not buffer.
func RecordEventDropped() {
	DefaultMetrics.EventsDropped.Inc()
}

// RecordReconcileRun records the result of a reconciliation pass.
func RecordReconcileRun(mismatches int, unixSeconds int64) {
	DefaultMetrics.InvariantMismatches.Set(float64(mismatches))
	DefaultMetrics.LastReconcileRun.Set(float64(unixSeconds))
}
