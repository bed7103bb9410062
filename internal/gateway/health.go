package gateway

import (
	"sync/atomic"

	"github.com/NickAiNYC/ViolationSentinel/internal/cache"
)

// RequestStats summarises fetch outcomes since startup.
type RequestStats struct {
	Total       uint64 `json:"total"`
	Failed      uint64 `json:"failed"`
	StaleServed uint64 `json:"stale_served"`
}

// HealthReport is the gateway section of the service health surface.
type HealthReport struct {
	Status            string            `json:"status"`
	CircuitBreakers   map[string]string `json:"circuit_breakers"`
	RateLimiterTokens float64           `json:"rate_limiter_tokens"`
	CacheStats        *cache.Stats      `json:"cache_stats,omitempty"`
	RequestStats      RequestStats      `json:"request_stats"`
}

// Health reports breaker states, remaining request budget and cache
// effectiveness. Status is degraded while any breaker is not closed.
func (g *Gateway) Health() HealthReport {
	breakers := g.breakers.states()

	status := "healthy"
	for _, state := range breakers {
		if state != "closed" {
			status = "degraded"
			break
		}
	}

	report := HealthReport{
		Status:            status,
		CircuitBreakers:   breakers,
		RateLimiterTokens: g.limiter.Tokens(),
		RequestStats: RequestStats{
			Total:       atomic.LoadUint64(&g.totalFetches),
			Failed:      atomic.LoadUint64(&g.failed),
			StaleServed: atomic.LoadUint64(&g.staleServed),
		},
	}

	if g.cache != nil {
		stats := g.cache.Stats()
		report.CacheStats = &stats
	}

	return report
}
