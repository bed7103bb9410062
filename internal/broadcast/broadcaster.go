package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
	"github.com/NickAiNYC/ViolationSentinel/internal/registry"
)

const (
	maxMessageSize = 4 * 1024
	topicMaxAge    = time.Hour
)

// Options configure the broadcaster.
type Options struct {
	HeartbeatInterval time.Duration // ping cadence; clients silent for two intervals are evicted
	MessageLimit      int           // inbound messages allowed per connection per window
	MessageWindow     time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 100
	}
	if o.MessageWindow <= 0 {
		o.MessageWindow = time.Minute
	}
}

// Broadcaster runs the websocket protocol on top of the registry: one read
// pump per connection, one clientWriter per connection, fan-out through the
// registry's topic index.
type Broadcaster struct {
	registry *registry.Registry
	clock    clockwork.Clock
	opts     Options

	mu      sync.RWMutex
	writers map[string]*clientWriter
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a broadcaster and starts its heartbeat sweep.
func New(reg *registry.Registry, opts Options, clock clockwork.Clock) *Broadcaster {
	opts.applyDefaults()
	b := &Broadcaster{
		registry: reg,
		clock:    clock,
		opts:     opts,
		writers:  make(map[string]*clientWriter),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.heartbeatLoop()
	return b
}

// HandleConnection registers the connection, sends the welcome message and
// runs the read pump. It blocks until the client disconnects or is evicted.
func (b *Broadcaster) HandleConnection(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	reg := b.registry.Register(conn.RemoteAddr().String())
	log := slog.With("connection_id", reg.ID, "remote_addr", reg.RemoteAddr)

	cw := newClientWriter(conn, b.clock, b.opts.HeartbeatInterval, func() {
		b.registry.Touch(reg.ID)
	})

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.registry.Deregister(reg.ID)
		cw.stopGraceful("server shutting down")
		return
	}
	b.writers[reg.ID] = cw
	b.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	log.Info("connection established")

	// The welcome goes out before the read pump starts, so it is always the
	// first message a client sees.
	b.send(reg.ID, welcomeMessage(reg.ID, b.clock.Now()))

	limiter := rate.NewLimiter(rate.Limit(float64(b.opts.MessageLimit)/b.opts.MessageWindow.Seconds()), b.opts.MessageLimit)
	start := b.clock.Now()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		b.registry.Touch(reg.ID)

		if !limiter.Allow() {
			metrics.ConnectionMessageRateLimited.Inc()
			b.send(reg.ID, errorMessage(vserrors.ConnectionRateLimitExceeded("message rate limit exceeded"), b.clock.Now()))
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.send(reg.ID, errorMessage(vserrors.ValidationError("malformed message"), b.clock.Now()))
			continue
		}

		metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()
		b.dispatch(reg.ID, msg, log)
	}

	b.Disconnect(reg.ID, "")
	metrics.ConnectionDuration.Observe(b.clock.Since(start).Seconds())
	log.Info("connection closed")
}

func (b *Broadcaster) dispatch(connectionID string, msg ClientMessage, log *slog.Logger) {
	switch msg.Type {
	case ClientAuthenticate:
		claims, err := b.registry.Authenticate(connectionID, msg.Token)
		if err != nil {
			log.Warn("authentication failed", "error", err)
			b.send(connectionID, errorMessage(err, b.clock.Now()))
			return
		}
		log.Info("client authenticated", "client_id", claims.ClientID)
		b.send(connectionID, authenticatedMessage(connectionID, claims.ClientID, b.clock.Now()))

	case ClientSubscribe:
		if msg.Topic == "" {
			b.send(connectionID, errorMessage(vserrors.ValidationError("topic_id is required"), b.clock.Now()))
			return
		}
		// The acknowledgement and the replayed history are enqueued while the
		// registry lock is held, so a concurrent publish cannot slip between
		// them and the first live update.
		err := b.registry.Subscribe(connectionID, msg.Topic, func() {
			b.send(connectionID, subscribedMessage(msg.Topic, b.clock.Now()))
		}, b.updateDeliverer(msg.Topic))
		if err != nil {
			b.send(connectionID, errorMessage(err, b.clock.Now()))
			return
		}
		log.Info("subscribed", "topic_id", msg.Topic)

	case ClientUnsubscribe:
		if msg.Topic == "" {
			b.send(connectionID, errorMessage(vserrors.ValidationError("topic_id is required"), b.clock.Now()))
			return
		}
		if err := b.registry.Unsubscribe(connectionID, msg.Topic); err != nil {
			b.send(connectionID, errorMessage(err, b.clock.Now()))
			return
		}
		b.send(connectionID, unsubscribedMessage(msg.Topic, b.clock.Now()))

	case ClientPing:
		b.send(connectionID, pongMessage(b.clock.Now()))

	default:
		b.send(connectionID, errorMessage(vserrors.ValidationError("unknown message type"), b.clock.Now()))
	}
}

// Publish fans a payload out to every subscriber of the topic. Returns the
// number of deliveries attempted.
func (b *Broadcaster) Publish(topicID string, payload json.RawMessage) int {
	return b.registry.Publish(topicID, payload, b.updateDeliverer(topicID))
}

// updateDeliverer wraps payloads in UPDATE envelopes for one topic. The
// returned function runs under the registry lock and never blocks.
func (b *Broadcaster) updateDeliverer(topicID string) registry.DeliverFunc {
	return func(connectionID string, payload json.RawMessage) {
		b.send(connectionID, updateMessage(topicID, payload, b.clock.Now()))
	}
}

// send enqueues a message on the connection's writer. A full buffer means the
// client cannot keep up, so it gets evicted rather than stalling everyone
// sharing the registry lock.
func (b *Broadcaster) send(connectionID string, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal server message", "type", msg.Type, "error", err)
		return
	}

	b.mu.RLock()
	cw := b.writers[connectionID]
	b.mu.RUnlock()
	if cw == nil {
		return
	}

	if !cw.enqueue(data) {
		metrics.SlowClientsEvicted.Inc()
		slog.Warn("evicting slow client", "connection_id", connectionID, "type", msg.Type)
		go b.Disconnect(connectionID, "client too slow")
		return
	}
	metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
}

// Disconnect deregisters the connection and tears down its writer. An empty
// reason closes without a close frame; otherwise the reason is sent to the
// client. Safe to call more than once.
func (b *Broadcaster) Disconnect(connectionID, reason string) {
	b.registry.Deregister(connectionID)

	b.mu.Lock()
	cw := b.writers[connectionID]
	delete(b.writers, connectionID)
	b.mu.Unlock()

	if cw == nil {
		return
	}
	if reason == "" {
		cw.stop()
	} else {
		cw.stopGraceful(reason)
	}
}

func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			for _, id := range b.registry.IdleConnections(2 * b.opts.HeartbeatInterval) {
				metrics.HeartbeatEvictions.Inc()
				slog.Info("evicting idle connection", "connection_id", id)
				b.Disconnect(id, "heartbeat timeout")
			}
			if removed := b.registry.SweepTopics(topicMaxAge); removed > 0 {
				slog.Debug("swept idle topics", "removed", removed)
			}
		case <-b.done:
			return
		}
	}
}

// Stop evicts every connection with a shutdown close frame and stops the
// heartbeat sweep. Connections arriving afterwards are refused.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		b.stopped = true
		writers := make(map[string]*clientWriter, len(b.writers))
		for id, cw := range b.writers {
			writers[id] = cw
			delete(b.writers, id)
		}
		b.mu.Unlock()

		for id, cw := range writers {
			b.registry.Deregister(id)
			cw.stopGraceful("server shutting down")
		}
		slog.Info("broadcaster stopped", "disconnected_clients", len(writers))
	})
}
