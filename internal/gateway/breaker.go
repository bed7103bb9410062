package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// breakerRegistry holds one circuit breaker per upstream collection, so a
// failing dataset cannot trip fetches against healthy ones.
type breakerRegistry struct {
	mu               sync.Mutex
	breakers         map[string]circuitbreaker.CircuitBreaker[any]
	failureThreshold uint
	recoveryDelay    time.Duration
}

func newBreakerRegistry(failureThreshold uint, recoveryDelay time.Duration) *breakerRegistry {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	if recoveryDelay <= 0 {
		recoveryDelay = 60 * time.Second
	}
	return &breakerRegistry{
		breakers:         make(map[string]circuitbreaker.CircuitBreaker[any]),
		failureThreshold: failureThreshold,
		recoveryDelay:    recoveryDelay,
	}
}

// forCollection returns the breaker for a collection, creating it on first use.
// Consecutive failures up to the threshold open the breaker; after the
// recovery delay a single successful probe closes it again.
func (r *breakerRegistry) forCollection(collection string) circuitbreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[collection]; ok {
		return cb
	}

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(r.failureThreshold).
		WithDelay(r.recoveryDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"collection", collection,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)

			metrics.CircuitBreakerStateChanges.WithLabelValues(collection, e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(collection).Set(stateToFloat(e.NewState))
		}).
		Build()

	r.breakers[collection] = cb
	return cb
}

// states returns the current state of every known breaker.
func (r *breakerRegistry) states() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.breakers))
	for collection, cb := range r.breakers {
		states[collection] = cb.State().String()
	}
	return states
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}
