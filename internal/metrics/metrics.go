package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_webhooks_received_total",
		Help: "Total webhook deliveries by outcome.",
	}, []string{"outcome"})

	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradegate_webhook_duration_seconds",
		Help:    "End-to-end webhook processing latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	RateLimitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_rate_limit_rejected_total",
		Help: "Total webhook deliveries rejected by the rate limiter.",
	})

	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_duplicate_deliveries_total",
		Help: "Total webhook deliveries acknowledged as duplicates.",
	})

	ViolationsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_violations_total",
		Help: "Total compliance violations by rule type and severity.",
	}, []string{"rule_type", "severity"})

	TradesBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_trades_blocked_total",
		Help: "Total trades blocked by compliance evaluation.",
	})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_notifications_total",
		Help: "Total notification delivery attempts by channel and status.",
	}, []string{"channel", "status"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_cache_hits_total",
		Help: "Rule cache hits by tier.",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_cache_misses_total",
		Help: "Rule cache misses by tier.",
	}, []string{"tier"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_breaker_state",
		Help: "Circuit breaker state by dependency (0=closed, 1=half-open, 2=open).",
	}, []string{"dependency"})
)
