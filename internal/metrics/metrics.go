package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricefeed_sessions_active",
			Help: "Number of active client sessions",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_sessions_total",
			Help: "Total sessions opened",
		},
		[]string{"kind"}, // authenticated, anonymous
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricefeed_sessions_expired_total",
			Help: "Total sessions disconnected by idle expiry",
		},
	)

	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricefeed_subscriptions",
			Help: "Number of active session/symbol subscriptions",
		},
	)

	// Broadcast metrics
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_broadcast_deliveries_total",
			Help: "Per-recipient broadcast sends by outcome",
		},
		[]string{"outcome"}, // delivered, failed
	)

	PriceBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_price_broadcasts_total",
			Help: "Total ticker broadcasts with at least one recipient",
		},
		[]string{"symbol"},
	)

	BroadcastLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricefeed_broadcast_latency_ms",
			Help:    "Time to fan one ticker out to every recipient in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
		},
	)

	ControlMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_control_messages_total",
			Help: "Total control messages sent to clients",
		},
		[]string{"type"},
	)

	// Exchange metrics
	ExchangeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_exchange_requests_total",
			Help: "Total adapter calls by outcome",
		},
		[]string{"exchange", "outcome"}, // ok, error, skipped_unhealthy, skipped_budget, panic
	)

	ExchangeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricefeed_exchange_request_latency_ms",
			Help:    "Adapter call latency in milliseconds",
			Buckets: []float64{5, 10, 50, 100, 250, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"exchange"},
	)

	ExchangeHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricefeed_exchange_healthy",
			Help: "1 when the exchange adapter is healthy",
		},
		[]string{"exchange"},
	)

	ExchangeLiveUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_exchange_live_updates_total",
			Help: "Total tickers pushed by exchange live streams",
		},
		[]string{"exchange"},
	)

	RateBudgetUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricefeed_rate_budget_usage_percent",
			Help: "Share of the per-window request budget in use",
		},
		[]string{"exchange"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_cache_hits_total",
			Help: "Total ticker cache hits",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_cache_misses_total",
			Help: "Total ticker cache misses",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricefeed_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_publish_success_total",
			Help: "Total successful snapshot publishes",
		},
		[]string{"sink"}, // redis, kafka
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_publish_failures_total",
			Help: "Total failed snapshot publishes",
		},
		[]string{"sink"},
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricefeed_publish_latency_ms",
			Help:    "Snapshot publish latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
		[]string{"sink"},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	lastRate    float64
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

// GetRate returns events per second since the previous call. Calls closer
// than a second apart return the previous rate.
func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()
	if elapsed < 1.0 {
		return rt.lastRate
	}

	current := atomic.LoadInt64(&rt.count)
	rt.lastRate = float64(current-rt.lastCount) / elapsed
	rt.lastCount = current
	rt.lastUpdated = now
	return rt.lastRate
}

var priceBroadcastTracker = NewRateTracker()

// TrackPriceBroadcast counts one ticker broadcast for a symbol
func TrackPriceBroadcast(symbol string) {
	PriceBroadcasts.WithLabelValues(symbol).Inc()
	priceBroadcastTracker.Increment()
}

// GetPriceBroadcastsPerSecond returns current ticker broadcasts/sec
func GetPriceBroadcastsPerSecond() float64 {
	return priceBroadcastTracker.GetRate()
}

// RecordDeliveries adds per-recipient outcomes of one broadcast
func RecordDeliveries(delivered, failed int) {
	if delivered > 0 {
		BroadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		BroadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
	}
}

// SetExchangeHealthy mirrors an adapter's health flag
func SetExchangeHealthy(exchange string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	ExchangeHealthy.WithLabelValues(exchange).Set(v)
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

func updateCacheHitRatio(tier string) {
	hits := CounterValue(CacheHits.WithLabelValues(tier))
	misses := CounterValue(CacheMisses.WithLabelValues(tier))

	if total := hits + misses; total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hits / total)
	}
}

// CounterValue reads the current value of a counter
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// DeliveryTotals returns the lifetime delivered and failed broadcast sends
func DeliveryTotals() (delivered, failed float64) {
	return CounterValue(BroadcastDeliveries.WithLabelValues("delivered")),
		CounterValue(BroadcastDeliveries.WithLabelValues("failed"))
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Microseconds()) / 1000)
}
