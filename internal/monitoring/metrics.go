package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Coalescer
var (
	SignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_coalescer_signals_total",
		Help: "Total number of refetch signals observed",
	})

	CoalescedSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_coalescer_coalesced_signals_total",
		Help: "Total number of signals absorbed by an already pending refetch",
	})

	BusyRearmsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_coalescer_busy_rearms_total",
		Help: "Total number of times a due refetch was deferred because a fetch was in flight",
	})

	CoalescedRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_coalescer_refreshes_total",
		Help: "Total number of refreshes triggered by the coalescer",
	})

	CancelledRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_coalescer_cancelled_total",
		Help: "Total number of pending refetches cancelled before firing",
	})
)

// Collapser
var (
	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_collapser_requests_total",
		Help: "Total number of backend queries requested",
	})

	CollapsedRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_collapser_collapsed_requests_total",
		Help: "Total number of queries that joined an inflight call",
	})

	BackendCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_collapser_backend_calls_total",
		Help: "Total backend calls made",
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_collapser_cache_hits_total",
		Help: "Total cache hits",
	})

	InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livedata_collapser_inflight_requests",
		Help: "Current number of inflight query groups",
	})

	CachedResults = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livedata_collapser_cached_results",
		Help: "Current number of cached results",
	})

	BackendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livedata_collapser_backend_latency_seconds",
		Help:    "Backend query duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Live data
var (
	FetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_fetch_errors_total",
		Help: "Total number of failed live data fetches",
	})

	SubscriptionEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_subscription_events_total",
		Help: "Total number of asset events received from the backend subscription",
	})

	SubscriptionReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_subscription_reconnects_total",
		Help: "Total number of subscription reconnect attempts",
	})

	LastRefreshTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livedata_last_refresh_timestamp_seconds",
		Help: "Unix time of the last successful live data refresh",
	})
)

// API
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_api_requests_total",
		Help: "Total number of API requests by surface, route and outcome",
	}, []string{"surface", "route", "code"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livedata_api_stream_clients",
		Help: "Current number of websocket clients receiving live data updates",
	})
)
