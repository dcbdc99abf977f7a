package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SendsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_sends_accepted_total",
		Help: "Total sends accepted past rate limiting and dedup.",
	})
	SendsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_sends_duplicate_total",
		Help: "Total sends suppressed by the idempotency cache.",
	})
	SendsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_sends_rate_limited_total",
		Help: "Total sends rejected by admission control.",
	})

	Deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_deliveries_total",
		Help: "Total per-recipient deliveries acknowledged.",
	})
	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_delivery_retries_total",
		Help: "Total redelivery attempts after ack timeout.",
	})
	Failures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_delivery_failures_total",
		Help: "Total recipients marked failed after retry exhaustion.",
	})

	OfflineEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_offline_enqueued_total",
		Help: "Total entries appended to offline queues.",
	})
	OfflineDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_offline_drained_total",
		Help: "Total entries delivered from offline queues on reconnect.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_realtime_online_users",
		Help: "Users with at least one active connection on this instance.",
	})
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_realtime_active_connections",
		Help: "Active connections on this instance.",
	})

	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_realtime_delivery_latency_seconds",
		Help:    "Send accept to acknowledgment latency.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})
)

func Register() {
	prometheus.MustRegister(
		SendsAccepted, SendsDuplicate, SendsRateLimited,
		Deliveries, Retries, Failures,
		OfflineEnqueued, OfflineDrained,
		OnlineUsers, ActiveConnections,
		DeliveryLatency,
	)
}
