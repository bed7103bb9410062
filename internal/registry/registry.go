// Package registry tracks websocket connections, their authentication state
// and their topic subscriptions, including the per-topic replay buffers new
// subscribers catch up from.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// Connection is the registry's view of one websocket client.
type Connection struct {
	ID            string
	ClientID      string
	Authenticated bool
	RegisteredAt  time.Time
	LastActivity  time.Time
	RemoteAddr    string
	subscriptions map[string]struct{}
}

// Subscriptions returns the topics this connection is subscribed to.
func (c *Connection) Subscriptions() []string {
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

type topic struct {
	subscribers map[string]struct{}
	ring        *replayRing
	lastPublish time.Time
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	ActiveConnections        int `json:"active_connections"`
	AuthenticatedConnections int `json:"authenticated_connections"`
	Topics                   int `json:"topics"`
	TotalSubscriptions       int `json:"total_subscriptions"`
}

// DeliverFunc hands a payload to a connection's writer. Implementations must
// not block: the registry invokes it while holding its lock.
type DeliverFunc func(connectionID string, payload json.RawMessage)

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	topics     map[string]*topic
	verifier   *TokenVerifier
	clock      clockwork.Clock
	replaySize int
}

// New creates a registry. replaySize bounds each topic's replay buffer.
func New(verifier *TokenVerifier, replaySize int, clock clockwork.Clock) *Registry {
	if replaySize <= 0 {
		replaySize = 100
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		topics:     make(map[string]*topic),
		verifier:   verifier,
		clock:      clock,
		replaySize: replaySize,
	}
}

// Register adds a new unauthenticated connection and returns it.
func (r *Registry) Register(remoteAddr string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	conn := &Connection{
		ID:            uuid.NewString(),
		RegisteredAt:  now,
		LastActivity:  now,
		RemoteAddr:    remoteAddr,
		subscriptions: make(map[string]struct{}),
	}
	r.conns[conn.ID] = conn

	metrics.ConnectionsCurrent.Set(float64(len(r.conns)))
	return conn
}

// Deregister removes a connection and synchronously drops it from every
// topic it was subscribed to.
func (r *Registry) Deregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}

	for topicID := range conn.subscriptions {
		if t, ok := r.topics[topicID]; ok {
			delete(t.subscribers, connectionID)
		}
	}
	delete(r.conns, connectionID)

	r.updateGauges()
}

// Authenticate verifies the token and marks the connection authenticated.
func (r *Registry) Authenticate(connectionID, token string) (*Claims, error) {
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return nil, vserrors.NotFoundError("connection not registered").
			WithContext("connection_id", connectionID)
	}

	conn.Authenticated = true
	conn.ClientID = claims.ClientID
	conn.LastActivity = r.clock.Now()

	r.updateGauges()
	return claims, nil
}

// Subscribe adds the connection to a topic, creating the topic on first use.
// onAdded runs right after the subscriber is added, then buffered payloads
// are handed to deliver oldest first. Both run while the lock is held, so no
// live publish can interleave between the acknowledgement, the replay and the
// first live message.
func (r *Registry) Subscribe(connectionID, topicID string, onAdded func(), deliver DeliverFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return vserrors.NotFoundError("connection not registered").
			WithContext("connection_id", connectionID)
	}
	if !conn.Authenticated {
		return vserrors.AuthorizationError("authentication required before subscribing").
			WithContext("connection_id", connectionID)
	}

	t, ok := r.topics[topicID]
	if !ok {
		t = &topic{
			subscribers: make(map[string]struct{}),
			ring:        newReplayRing(r.replaySize),
		}
		r.topics[topicID] = t
	}

	t.subscribers[connectionID] = struct{}{}
	conn.subscriptions[topicID] = struct{}{}
	conn.LastActivity = r.clock.Now()

	if onAdded != nil {
		onAdded()
	}

	if deliver != nil {
		for _, payload := range t.ring.snapshot() {
			deliver(connectionID, payload)
			metrics.MessagesReplayed.Inc()
		}
	}

	r.updateGauges()
	return nil
}

// Unsubscribe removes the connection from a topic. Unknown topics and
// absent subscriptions are no-ops.
func (r *Registry) Unsubscribe(connectionID, topicID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return vserrors.NotFoundError("connection not registered").
			WithContext("connection_id", connectionID)
	}

	delete(conn.subscriptions, topicID)
	if t, ok := r.topics[topicID]; ok {
		delete(t.subscribers, connectionID)
	}

	r.updateGauges()
	return nil
}

// Publish appends the payload to the topic's replay buffer and hands it to
// deliver once per subscriber. Publishing to a topic nobody has ever
// subscribed to is a no-op.
func (r *Registry) Publish(topicID string, payload json.RawMessage, deliver DeliverFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[topicID]
	if !ok {
		return 0
	}

	t.ring.append(payload)
	t.lastPublish = r.clock.Now()

	delivered := 0
	if deliver != nil {
		for connectionID := range t.subscribers {
			deliver(connectionID, payload)
			delivered++
		}
	}
	return delivered
}

// Touch records client activity for the heartbeat sweep.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connectionID]; ok {
		conn.LastActivity = r.clock.Now()
	}
}

// Get returns a copy of the connection's registry state.
func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// IdleConnections returns connections with no activity for at least maxIdle.
func (r *Registry) IdleConnections(maxIdle time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.clock.Now().Add(-maxIdle)
	var idle []string
	for id, conn := range r.conns {
		if conn.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// SweepTopics garbage-collects topics with no subscribers whose last publish
// is older than maxAge. Returns the number of topics removed.
func (r *Registry) SweepTopics(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-maxAge)
	removed := 0
	for topicID, t := range r.topics {
		if len(t.subscribers) == 0 && t.lastPublish.Before(cutoff) {
			delete(r.topics, topicID)
			removed++
		}
	}

	if removed > 0 {
		r.updateGauges()
	}
	return removed
}

// Snapshot returns current registry statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	authenticated := 0
	subscriptions := 0
	for _, conn := range r.conns {
		if conn.Authenticated {
			authenticated++
		}
		subscriptions += len(conn.subscriptions)
	}

	return Stats{
		ActiveConnections:        len(r.conns),
		AuthenticatedConnections: authenticated,
		Topics:                   len(r.topics),
		TotalSubscriptions:       subscriptions,
	}
}

// updateGauges refreshes the prometheus gauges. Caller holds the lock.
func (r *Registry) updateGauges() {
	authenticated := 0
	subscriptions := 0
	for _, conn := range r.conns {
		if conn.Authenticated {
			authenticated++
		}
		subscriptions += len(conn.subscriptions)
	}

	metrics.ConnectionsCurrent.Set(float64(len(r.conns)))
	metrics.ConnectionsAuthenticated.Set(float64(authenticated))
	metrics.TopicsCurrent.Set(float64(len(r.topics)))
	metrics.SubscriptionsCurrent.Set(float64(subscriptions))
}
