// Package cache implements the two-tier read cache in front of the fetch
// gateway: a fixed-capacity in-process LRU (L1) backed by an optional Redis
// tier (L2) with longer TTLs and transparent compression of large values.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// gzipMarker prefixes compressed payloads stored in L2.
var gzipMarker = []byte("GZIP:")

const l2KeyPrefix = "cache:"

// Options configure a TieredCache. Zero values fall back to defaults.
type Options struct {
	L1Capacity           int           // default 1000
	L1TTL                time.Duration // default 5m
	L2TTL                time.Duration // default 1h
	L2Retention          time.Duration // how long stale values stay readable, default 24h
	L2Timeout            time.Duration // per-operation budget, default 2s
	CompressionThreshold int           // bytes, default 1024
}

func (o *Options) applyDefaults() {
	if o.L1Capacity <= 0 {
		o.L1Capacity = 1000
	}
	if o.L1TTL <= 0 {
		o.L1TTL = 5 * time.Minute
	}
	if o.L2TTL <= 0 {
		o.L2TTL = time.Hour
	}
	if o.L2Retention < o.L2TTL {
		o.L2Retention = 24 * time.Hour
	}
	if o.L2Timeout <= 0 {
		o.L2Timeout = 2 * time.Second
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = 1024
	}
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	L1Hits      uint64  `json:"l1_hits"`
	L2Hits      uint64  `json:"l2_hits"`
	Misses      uint64  `json:"misses"`
	StaleServes uint64  `json:"stale_serves"`
	L2Errors    uint64  `json:"l2_errors"`
	L1Size      int     `json:"l1_size"`
	L1Capacity  int     `json:"l1_capacity"`
	HitRate     float64 `json:"hit_rate"`
}

// l2Envelope wraps values stored in Redis. Retention outlives the logical TTL
// so GetStale can serve values the normal read path already considers expired.
type l2Envelope struct {
	StoredAt   int64  `json:"stored_at"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Payload    []byte `json:"payload"`
}

// TieredCache is safe for concurrent use. All L2 failures degrade silently:
// they are logged and counted, never surfaced to callers.
type TieredCache struct {
	l1    *lruCache
	rdb   *redis.Client // nil means L1-only operation
	opts  Options
	clock clockwork.Clock

	l1Hits      atomic.Uint64
	l2Hits      atomic.Uint64
	misses      atomic.Uint64
	staleServes atomic.Uint64
	l2Errors    atomic.Uint64
}

// New creates a tiered cache. rdb may be nil, in which case the cache runs
// on the L1 tier alone.
func New(rdb *redis.Client, opts Options, clock clockwork.Clock) *TieredCache {
	opts.applyDefaults()
	return &TieredCache{
		l1:    newLRUCache(opts.L1Capacity, clock),
		rdb:   rdb,
		opts:  opts,
		clock: clock,
	}
}

// Get returns a live value, checking L1 before L2. An L2 hit is written back
// to L1 with the remaining logical lifetime capped at the L1 TTL.
func (t *TieredCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if value, ok := t.l1.get(key); ok {
		t.l1Hits.Add(1)
		metrics.CacheHits.WithLabelValues("l1").Inc()
		return value, true
	}

	if value, ok := t.l2Get(ctx, key, false); ok {
		t.l2Hits.Add(1)
		metrics.CacheHits.WithLabelValues("l2").Inc()
		t.l1.set(key, value, t.opts.L1TTL)
		return value, true
	}

	t.misses.Add(1)
	metrics.CacheMisses.Inc()
	return nil, false
}

// GetStale returns a value even if its TTL has lapsed, for failover when the
// upstream is unavailable. L1 expired entries are checked first, then any L2
// value still within its retention window.
func (t *TieredCache) GetStale(ctx context.Context, key string) (json.RawMessage, bool) {
	if value, ok := t.l1.getStale(key); ok {
		t.staleServes.Add(1)
		metrics.CacheStaleServes.Inc()
		return value, true
	}

	if value, ok := t.l2Get(ctx, key, true); ok {
		t.staleServes.Add(1)
		metrics.CacheStaleServes.Inc()
		return value, true
	}

	return nil, false
}

// Set writes a value to both tiers. ttl <= 0 uses the configured L1 TTL.
func (t *TieredCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.opts.L1TTL
	}
	t.l1.set(key, value, ttl)
	t.l2Set(ctx, key, value)
}

// Invalidate removes a single key from both tiers.
func (t *TieredCache) Invalidate(ctx context.Context, key string) {
	t.l1.invalidate(key)

	if t.rdb == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, t.opts.L2Timeout)
	defer cancel()

	if err := t.rdb.Del(opCtx, l2KeyPrefix+key).Err(); err != nil {
		t.absorbL2Error("del", key, err)
	}
}

// InvalidatePrefix removes every key sharing the given prefix from both
// tiers. Used when a whole collection is refreshed.
func (t *TieredCache) InvalidatePrefix(ctx context.Context, prefix string) {
	t.l1.invalidatePrefix(prefix)

	if t.rdb == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, t.opts.L2Timeout)
	defer cancel()

	iter := t.rdb.Scan(opCtx, 0, l2KeyPrefix+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(opCtx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.absorbL2Error("scan", prefix, err)
		return
	}

	if len(keys) > 0 {
		if err := t.rdb.Del(opCtx, keys...).Err(); err != nil {
			t.absorbL2Error("del", prefix, err)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (t *TieredCache) Stats() Stats {
	l1Hits := t.l1Hits.Load()
	l2Hits := t.l2Hits.Load()
	misses := t.misses.Load()

	total := l1Hits + l2Hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(l1Hits+l2Hits) / float64(total)
	}

	return Stats{
		L1Hits:      l1Hits,
		L2Hits:      l2Hits,
		Misses:      misses,
		StaleServes: t.staleServes.Load(),
		L2Errors:    t.l2Errors.Load(),
		L1Size:      t.l1.size(),
		L1Capacity:  t.opts.L1Capacity,
		HitRate:     hitRate,
	}
}

// l2Get reads from Redis. With allowStale, values past their logical TTL but
// still within retention are returned.
func (t *TieredCache) l2Get(ctx context.Context, key string, allowStale bool) (json.RawMessage, bool) {
	if t.rdb == nil {
		return nil, false
	}

	opCtx, cancel := context.WithTimeout(ctx, t.opts.L2Timeout)
	defer cancel()

	raw, err := t.rdb.Get(opCtx, l2KeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			t.absorbL2Error("get", key, err)
		}
		return nil, false
	}

	var envelope l2Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.absorbL2Error("get", key, fmt.Errorf("corrupt envelope: %w", err))
		return nil, false
	}

	age := t.clock.Now().Unix() - envelope.StoredAt
	if !allowStale && age > envelope.TTLSeconds {
		return nil, false
	}

	value, err := decompress(envelope.Payload)
	if err != nil {
		t.absorbL2Error("get", key, fmt.Errorf("corrupt payload: %w", err))
		return nil, false
	}

	return value, true
}

func (t *TieredCache) l2Set(ctx context.Context, key string, value json.RawMessage) {
	if t.rdb == nil {
		return
	}

	envelope := l2Envelope{
		StoredAt:   t.clock.Now().Unix(),
		TTLSeconds: int64(t.opts.L2TTL.Seconds()),
		Payload:    t.compress(value),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		t.absorbL2Error("set", key, err)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, t.opts.L2Timeout)
	defer cancel()

	if err := t.rdb.Set(opCtx, l2KeyPrefix+key, raw, t.opts.L2Retention).Err(); err != nil {
		t.absorbL2Error("set", key, err)
	}
}

func (t *TieredCache) absorbL2Error(operation, key string, err error) {
	t.l2Errors.Add(1)
	metrics.CacheL2Errors.WithLabelValues(operation).Inc()
	slog.Warn("L2 cache operation failed, degrading to L1",
		"operation", operation,
		"key", key,
		"error", err)
}

// compress gzips values above the configured threshold and prefixes them with
// the marker so reads can tell the two representations apart.
func (t *TieredCache) compress(value []byte) []byte {
	if len(value) <= t.opts.CompressionThreshold {
		return value
	}

	var buf bytes.Buffer
	buf.Write(gzipMarker)
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return value
	}
	if err := w.Close(); err != nil {
		return value
	}

	metrics.CacheCompressions.Inc()
	return buf.Bytes()
}

func decompress(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, gzipMarker) {
		return payload, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(payload[len(gzipMarker):]))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
