// Package gateway mediates all access to the upstream open-data service.
// Every fetch passes a shared token bucket, a per-collection circuit breaker
// and a bounded retry loop; results are cached and stale copies are served
// when the upstream is unavailable.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/NickAiNYC/ViolationSentinel/internal/cache"
	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
	"github.com/NickAiNYC/ViolationSentinel/internal/retry"
)

// Options configure a Gateway. Zero values fall back to defaults.
type Options struct {
	BaseURL         string
	AppToken        string
	UpstreamTimeout time.Duration

	RateLimitRequests int           // default 1000
	RateLimitWindow   time.Duration // default 60s

	BreakerFailureThreshold uint          // default 5
	BreakerRecoveryDelay    time.Duration // default 60s

	RetryMaxAttempts int           // default 3
	RetryBaseDelay   time.Duration // default 1s
	RetryMaxDelay    time.Duration // default 10s

	BatchConcurrency int // default 50

	CacheTTL time.Duration // ttl for fetched results; 0 uses the cache default
}

func (o *Options) applyDefaults() {
	if o.RateLimitRequests <= 0 {
		o.RateLimitRequests = 1000
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = 60 * time.Second
	}
	if o.BreakerFailureThreshold == 0 {
		o.BreakerFailureThreshold = 5
	}
	if o.BreakerRecoveryDelay <= 0 {
		o.BreakerRecoveryDelay = 60 * time.Second
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 10 * time.Second
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 50
	}
}

// Result carries the outcome of one entry in a batch fetch.
type Result struct {
	Records []json.RawMessage
	Err     error
}

// Gateway is safe for concurrent use.
type Gateway struct {
	client   *upstreamClient
	cache    *cache.TieredCache // may be nil
	limiter  *rate.Limiter
	breakers *breakerRegistry
	sf       singleflight.Group
	opts     Options

	totalFetches uint64
	failed       uint64
	staleServed  uint64
}

// New creates a gateway. tiered may be nil to disable caching entirely.
func New(tiered *cache.TieredCache, opts Options) *Gateway {
	opts.applyDefaults()

	// Token bucket refills continuously at requests/window with a burst of
	// the full window budget, matching an "N requests per window" contract.
	limit := rate.Limit(float64(opts.RateLimitRequests) / opts.RateLimitWindow.Seconds())

	return &Gateway{
		client:   newUpstreamClient(opts.BaseURL, opts.AppToken, opts.UpstreamTimeout),
		cache:    tiered,
		limiter:  rate.NewLimiter(limit, opts.RateLimitRequests),
		breakers: newBreakerRegistry(opts.BreakerFailureThreshold, opts.BreakerRecoveryDelay),
		opts:     opts,
	}
}

// Fetch retrieves the records for one request. With useCache, fresh cached
// values short-circuit the upstream entirely and failures fall back to stale
// copies before surfacing a typed error.
func (g *Gateway) Fetch(ctx context.Context, req FetchRequest, useCache bool) ([]json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, vserrors.ValidationError(err.Error())
	}

	atomic.AddUint64(&g.totalFetches, 1)
	cacheKey := req.CacheKey()

	if useCache && g.cache != nil {
		if raw, ok := g.cache.Get(ctx, cacheKey); ok {
			records, err := decodeRecords(raw)
			if err == nil {
				return records, nil
			}
			// Corrupt cached value: drop it and fall through to the upstream.
			g.cache.Invalidate(ctx, cacheKey)
		}
	}

	records, err := g.guardedFetch(ctx, req, cacheKey, useCache)
	if err == nil {
		return records, nil
	}

	atomic.AddUint64(&g.failed, 1)

	if useCache && g.cache != nil && isFailoverEligible(err) {
		if raw, ok := g.cache.GetStale(ctx, cacheKey); ok {
			if stale, decodeErr := decodeRecords(raw); decodeErr == nil {
				atomic.AddUint64(&g.staleServed, 1)
				slog.Warn("Serving stale cached records after upstream failure",
					"collection", req.Collection,
					"key", req.Key(),
					"error", err)
				return stale, nil
			}
		}
	}

	return nil, err
}

// guardedFetch runs the limiter, breaker and retry pipeline. Concurrent calls
// with the same cache key collapse onto a single upstream request.
func (g *Gateway) guardedFetch(ctx context.Context, req FetchRequest, cacheKey string, storeResult bool) ([]json.RawMessage, error) {
	value, err, shared := g.sf.Do(cacheKey, func() (any, error) {
		if !g.limiter.Allow() {
			metrics.RateLimitRejections.Inc()
			return nil, vserrors.RateLimitExceeded("upstream request budget exhausted").
				WithContext("collection", req.Collection)
		}

		cb := g.breakers.forCollection(req.Collection)
		if !cb.TryAcquirePermit() {
			return nil, vserrors.CircuitOpen(req.Collection)
		}

		policy := retry.Policy{
			MaxAttempts:      g.opts.RetryMaxAttempts,
			InitialBackoff:   g.opts.RetryBaseDelay,
			MaxBackoff:       g.opts.RetryMaxDelay,
			RateLimitBackoff: g.opts.RetryMaxDelay,
			Jitter:           true,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				metrics.UpstreamRetriesTotal.WithLabelValues(req.Collection).Inc()
				slog.Warn("Retrying upstream fetch",
					"collection", req.Collection,
					"attempt", attempt,
					"backoff", backoff,
					"error", err)
			},
		}

		records, err := retry.Do(ctx, policy, classifyUpstreamError, func() ([]json.RawMessage, error) {
			return g.client.fetch(ctx, req)
		})
		if err != nil {
			cb.RecordError(err)
			return nil, vserrors.UpstreamError(
				fmt.Sprintf("fetch from %s failed", req.Collection), err).
				WithContext("collection", req.Collection).
				WithContext("key", req.Key())
		}
		cb.RecordSuccess()

		if storeResult && g.cache != nil {
			if raw, marshalErr := json.Marshal(records); marshalErr == nil {
				g.cache.Set(ctx, cacheKey, raw, g.opts.CacheTTL)
			}
		}

		return records, nil
	})

	if shared {
		metrics.SingleflightShared.Inc()
	}
	if err != nil {
		return nil, err
	}
	return value.([]json.RawMessage), nil
}

// FetchBatch fans requests out over a bounded worker pool. Each entry fails or
// succeeds independently; a cancelled context stops new requests from being
// issued while in-flight ones run to completion.
func (g *Gateway) FetchBatch(ctx context.Context, reqs []FetchRequest) map[string]Result {
	start := time.Now()
	defer func() {
		metrics.BatchFetchDuration.Observe(time.Since(start).Seconds())
	}()

	results := make(map[string]Result, len(reqs))
	var mu sync.Mutex

	group := &errgroup.Group{}
	group.SetLimit(g.opts.BatchConcurrency)

	for _, req := range reqs {
		group.Go(func() error {
			key := req.Key()

			if ctx.Err() != nil {
				mu.Lock()
				results[key] = Result{Err: fmt.Errorf("batch cancelled: %w", ctx.Err())}
				mu.Unlock()
				return nil
			}

			records, err := g.Fetch(ctx, req, true)
			mu.Lock()
			results[key] = Result{Records: records, Err: err}
			mu.Unlock()
			return nil
		})
	}

	_ = group.Wait()
	return results
}

// InvalidateCollection drops every cached result for a collection.
func (g *Gateway) InvalidateCollection(ctx context.Context, collection string) {
	if g.cache != nil {
		g.cache.InvalidatePrefix(ctx, collection+":")
	}
}

// isFailoverEligible reports whether an error class may be masked by a stale
// cached value: budget exhaustion, an open breaker or an exhausted retry loop.
func isFailoverEligible(err error) bool {
	var structured *vserrors.Error
	if !errors.As(err, &structured) {
		return false
	}
	switch structured.Type {
	case vserrors.TypeRateLimit, vserrors.TypeCircuitOpen, vserrors.TypeUpstream:
		return true
	default:
		return false
	}
}

func decodeRecords(raw json.RawMessage) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}
