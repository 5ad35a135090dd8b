package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmeter_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmeter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmeter_rate_limit_decisions_total",
			Help: "Rate limit decisions by tier, mode, and outcome.",
		},
		[]string{"tier", "mode", "outcome"},
	)

	PointsDeductedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmeter_points_deducted_total",
			Help: "Points deducted, split by bucket vs extra-usage balance.",
		},
		[]string{"source"},
	)

	PointsRefundedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmeter_points_refunded_total",
			Help: "Points refunded, split by bucket vs extra-usage balance.",
		},
		[]string{"source"},
	)

	StreamAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmeter_stream_aborts_total",
			Help: "Stream aborts by cause (user, preemptive, disconnect).",
		},
		[]string{"cause"},
	)

	CancelWatchers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmeter_cancel_watchers",
			Help: "Active cancellation watchers by transport (pubsub, polling).",
		},
		[]string{"transport"},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmeter_active_streams",
			Help: "Streams currently registered as resumable.",
		},
	)

	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmeter_ledger_operations_total",
			Help: "Billing ledger operations by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitDecisions,
		PointsDeductedTotal,
		PointsRefundedTotal,
		StreamAborts,
		CancelWatchers,
		ActiveStreams,
		LedgerOperations,
	)
}
