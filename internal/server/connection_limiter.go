package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimitReason describes why a connection attempt was refused.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

const limiterIdleEviction = 10 * time.Minute

// ConnectionLimits gates new websocket connections three ways: a global
// concurrent cap, a per-address concurrent cap, and a per-address token
// bucket on connection attempts.
type ConnectionLimits struct {
	current   atomic.Int64
	globalMax int64

	mu       sync.Mutex
	perIP    map[string]int
	perIPMax int

	attempts     map[string]*attemptEntry
	attemptRate  rate.Limit
	attemptBurst int
	cleanupAt    time.Time
}

type attemptEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimits builds the combined gate. attemptsPerSecond and burst
// bound how fast one address may open new connections.
func NewConnectionLimits(globalMax int64, perIPMax int, attemptsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		globalMax:    globalMax,
		perIP:        make(map[string]int),
		perIPMax:     perIPMax,
		attempts:     make(map[string]*attemptEntry),
		attemptRate:  rate.Limit(attemptsPerSecond),
		attemptBurst: burst,
		cleanupAt:    time.Now().Add(limiterIdleEviction / 2),
	}
}

// Acquire claims a slot for the address. On refusal the reason names the
// limit that tripped and nothing is held.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.allowAttempt(ip) {
		return false, LimitReasonRate
	}

	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= l.perIPMax {
		l.current.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	return true, ""
}

// Release frees the slot claimed by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if count := l.perIP[ip]; count > 0 {
		if count == 1 {
			delete(l.perIP, ip)
		} else {
			l.perIP[ip] = count - 1
		}
	}
	l.mu.Unlock()

	l.current.Add(-1)
}

// Current returns the number of held slots.
func (l *ConnectionLimits) Current() int64 {
	return l.current.Load()
}

// Max returns the global cap.
func (l *ConnectionLimits) Max() int64 {
	return l.globalMax
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.current.Load()
		if current >= l.globalMax {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) allowAttempt(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-limiterIdleEviction)
		for addr, entry := range l.attempts {
			if entry.lastSeen.Before(cutoff) {
				delete(l.attempts, addr)
			}
		}
		l.cleanupAt = now.Add(limiterIdleEviction / 2)
	}

	entry, ok := l.attempts[ip]
	if !ok {
		entry = &attemptEntry{limiter: rate.NewLimiter(l.attemptRate, l.attemptBurst)}
		l.attempts[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}
