// Package redis builds the go-redis client backing the L2 cache tier, with
// hooks for operation metrics and a circuit breaker that fails fast while
// Redis is unhealthy.
package redis
