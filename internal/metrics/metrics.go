package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tiered Cache Metrics
var (
	// CacheHits tracks cache hits by tier (l1/l2)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits by tier (l1/l2)",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks lookups that missed every tier
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache lookups that missed every tier",
		},
	)

	// CacheStaleServes tracks expired entries served as failover
	CacheStaleServes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_stale_serves_total",
			Help: "Total expired cache entries served during upstream failover",
		},
	)

	// CacheEvictions tracks L1 entries evicted by reason (lru/expired/invalidated)
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total L1 cache evictions by reason (lru/expired/invalidated)",
		},
		[]string{"reason"},
	)

	// CacheSize tracks current number of L1 entries
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of entries in the L1 cache",
		},
	)

	// CacheL2Errors tracks absorbed L2 tier failures by operation
	CacheL2Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_l2_errors_total",
			Help: "Total absorbed L2 cache failures by operation (get/set/del)",
		},
		[]string{"operation"},
	)

	// CacheCompressions tracks values gzip-compressed before L2 storage
	CacheCompressions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_compressions_total",
			Help: "Total values compressed before L2 storage",
		},
	)
)

// Fetch Gateway Metrics
var (
	// UpstreamRequestsTotal tracks upstream requests by collection and result
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream requests by collection and result (success/error)",
		},
		[]string{"collection", "result"},
	)

	// UpstreamRequestDuration tracks upstream request latency by collection
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"collection"},
	)

	// UpstreamRetriesTotal tracks retry attempts after transient failures
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total upstream retry attempts by collection",
		},
		[]string{"collection"},
	)

	// RateLimitRejections tracks fetches rejected by the shared token bucket
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total fetches rejected because the upstream request budget was exhausted",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// SingleflightShared tracks fetches collapsed onto an identical in-flight call
	SingleflightShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "singleflight_shared_total",
			Help: "Total fetches that shared the result of an identical in-flight call",
		},
	)

	// BatchFetchDuration tracks batch fetch duration
	BatchFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_fetch_duration_seconds",
			Help:    "Batch fetch duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// Connection Registry Metrics
var (
	// ConnectionsCurrent tracks current registered connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_current",
			Help: "Current number of registered connections",
		},
	)

	// ConnectionsAuthenticated tracks current authenticated connections
	ConnectionsAuthenticated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_authenticated",
			Help: "Current number of authenticated connections",
		},
	)

	// ConnectionsTotal tracks connection attempts by result (accepted/rejected)
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_total",
			Help: "Total connection attempts by result (accepted/rejected)",
		},
		[]string{"result"},
	)

	// ConnectionsRejected tracks rejected connection attempts by reason
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Total connections rejected by reason (rate_limit/ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// TopicsCurrent tracks current topics with at least one subscriber or buffered message
	TopicsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "topics_current",
			Help: "Current number of live topics",
		},
	)

	// SubscriptionsCurrent tracks total active subscriptions across all topics
	SubscriptionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_current",
			Help: "Total active subscriptions across all topics",
		},
	)

	// AuthFailures tracks failed authentication attempts
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Total failed token verifications",
		},
	)
)

// Broadcast Server Metrics
var (
	// MessagesReceived tracks client messages received by type
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Total client messages received by type",
		},
		[]string{"type"},
	)

	// MessagesSent tracks server messages sent by type
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total server messages sent by type",
		},
		[]string{"type"},
	)

	// MessagesReplayed tracks buffered messages replayed to new subscribers
	MessagesReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_replayed_total",
			Help: "Total buffered messages replayed to new subscribers",
		},
	)

	// SlowClientsEvicted tracks clients evicted because their send buffer filled
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slow_clients_evicted_total",
			Help: "Total clients evicted because their send buffer was full",
		},
	)

	// HeartbeatEvictions tracks clients evicted after missed heartbeats
	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_evictions_total",
			Help: "Total clients evicted after two missed heartbeat intervals",
		},
	)

	// ConnectionMessageRateLimited tracks messages rejected by per-connection buckets
	ConnectionMessageRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connection_messages_rate_limited_total",
			Help: "Total client messages rejected by per-connection rate limits",
		},
	)

	// MessageSendDuration tracks websocket message send duration
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// ConnectionDuration tracks websocket connection duration
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)
)

// Ingest Watcher Metrics
var (
	// IngestSweepsTotal tracks watcher sweeps by result
	IngestSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_sweeps_total",
			Help: "Total ingest sweeps by result (success/partial/error)",
		},
		[]string{"result"},
	)

	// IngestUpdatesPublished tracks update events published after a sweep
	IngestUpdatesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_updates_published_total",
			Help: "Total update events published to subscribers",
		},
	)

	// IngestSweepDuration tracks sweep duration
	IngestSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_sweep_duration_seconds",
			Help:    "Ingest sweep duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// Redis Client Metrics
var (
	// RedisOpsTotal tracks Redis commands by operation and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by command and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis command latency
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks failed connection attempts
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection establishment failures",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)

// HTTP Error Metrics
// Note: http_errors_total{type} is provided by internal/errors package
