package registry

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
)

const testSigningKey = "test-signing-secret-at-least-32-chars!!"

func newTestRegistry(t *testing.T, replaySize int) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	verifier := NewTokenVerifier(testSigningKey, clock)
	return New(verifier, replaySize, clock), clock
}

func registerAuthenticated(t *testing.T, r *Registry, clock clockwork.Clock) *Connection {
	t.Helper()
	conn := r.Register("10.0.0.1:1234")
	verifier := NewTokenVerifier(testSigningKey, clock)
	token, err := verifier.Sign("client-1", time.Hour)
	require.NoError(t, err)
	_, err = r.Authenticate(conn.ID, token)
	require.NoError(t, err)
	return conn
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(t, 10)

	a := r.Register("10.0.0.1:1")
	b := r.Register("10.0.0.1:2")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Authenticated)
	assert.Equal(t, 2, r.Snapshot().ActiveConnections)
}

func TestDeregisterUnknownConnectionIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t, 10)
	r.Deregister("nope")
	assert.Equal(t, 0, r.Snapshot().ActiveConnections)
}

func TestAuthenticateSuccess(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := r.Register("10.0.0.1:1")

	verifier := NewTokenVerifier(testSigningKey, clock)
	token, err := verifier.Sign("client-42", time.Hour)
	require.NoError(t, err)

	claims, err := r.Authenticate(conn.ID, token)
	require.NoError(t, err)
	assert.Equal(t, "client-42", claims.ClientID)

	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.True(t, got.Authenticated)
	assert.Equal(t, "client-42", got.ClientID)
	assert.Equal(t, 1, r.Snapshot().AuthenticatedConnections)
}

func TestAuthenticateInvalidToken(t *testing.T) {
	r, _ := newTestRegistry(t, 10)
	conn := r.Register("10.0.0.1:1")

	_, err := r.Authenticate(conn.ID, "not-a-token")
	require.Error(t, err)
	assert.True(t, vserrors.IsType(err, vserrors.TypeAuthentication))
}

func TestAuthenticateExpiredToken(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := r.Register("10.0.0.1:1")

	verifier := NewTokenVerifier(testSigningKey, clock)
	token, err := verifier.Sign("client-1", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = r.Authenticate(conn.ID, token)
	require.Error(t, err)
	assert.True(t, vserrors.IsType(err, vserrors.TypeAuthentication))
	assert.Contains(t, err.Error(), "expired")
}

func TestAuthenticateWrongKey(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := r.Register("10.0.0.1:1")

	other := NewTokenVerifier("another-signing-secret-32-chars-long!!", clock)
	token, err := other.Sign("client-1", time.Hour)
	require.NoError(t, err)

	_, err = r.Authenticate(conn.ID, token)
	require.Error(t, err)
	assert.True(t, vserrors.IsType(err, vserrors.TypeAuthentication))
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	r, _ := newTestRegistry(t, 10)
	conn := r.Register("10.0.0.1:1")

	err := r.Subscribe(conn.ID, "property:1000010001", nil, nil)
	require.Error(t, err)
	assert.True(t, vserrors.IsType(err, vserrors.TypeAuthorization))
}

func TestSubscribeUnknownConnection(t *testing.T) {
	r, _ := newTestRegistry(t, 10)

	err := r.Subscribe("ghost", "property:1", nil, nil)
	require.Error(t, err)
	assert.True(t, vserrors.IsType(err, vserrors.TypeNotFound))
}

func TestSubscribeCreatesTopicAndTracksSubscription(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := registerAuthenticated(t, r, clock)

	require.NoError(t, r.Subscribe(conn.ID, "property:1000010001", nil, nil))

	stats := r.Snapshot()
	assert.Equal(t, 1, stats.Topics)
	assert.Equal(t, 1, stats.TotalSubscriptions)

	got, _ := r.Get(conn.ID)
	assert.Equal(t, []string{"property:1000010001"}, got.Subscriptions())
}

func TestPublishToNonexistentTopicIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t, 10)

	delivered := r.Publish("property:unknown", json.RawMessage(`{}`), func(string, json.RawMessage) {
		t.Fatal("nothing should be delivered")
	})

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, r.Snapshot().Topics, "publish must not create topics")
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	a := registerAuthenticated(t, r, clock)
	b := registerAuthenticated(t, r, clock)

	require.NoError(t, r.Subscribe(a.ID, "property:1", nil, nil))
	require.NoError(t, r.Subscribe(b.ID, "property:1", nil, nil))

	received := make(map[string]int)
	delivered := r.Publish("property:1", json.RawMessage(`{"n":1}`), func(id string, _ json.RawMessage) {
		received[id]++
	})

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, received[a.ID])
	assert.Equal(t, 1, received[b.ID])
}

func TestSubscribeReplaysBufferOldestFirst(t *testing.T) {
	r, clock := newTestRegistry(t, 100)
	publisher := registerAuthenticated(t, r, clock)
	require.NoError(t, r.Subscribe(publisher.ID, "property:1", nil, nil))

	for i := 1; i <= 5; i++ {
		r.Publish("property:1", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), nil)
	}

	late := registerAuthenticated(t, r, clock)
	var replayed []string
	require.NoError(t, r.Subscribe(late.ID, "property:1", nil, func(id string, payload json.RawMessage) {
		assert.Equal(t, late.ID, id)
		replayed = append(replayed, string(payload))
	}))

	require.Len(t, replayed, 5)
	for i, payload := range replayed {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), payload)
	}
}

func TestSubscribeRunsOnAddedBeforeReplay(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	publisher := registerAuthenticated(t, r, clock)
	require.NoError(t, r.Subscribe(publisher.ID, "property:1", nil, nil))
	r.Publish("property:1", json.RawMessage(`{"seq":1}`), nil)

	late := registerAuthenticated(t, r, clock)
	var order []string
	require.NoError(t, r.Subscribe(late.ID, "property:1", func() {
		order = append(order, "ack")
	}, func(_ string, _ json.RawMessage) {
		order = append(order, "replay")
	}))

	assert.Equal(t, []string{"ack", "replay"}, order)
}

func TestReplayBufferCapsAtConfiguredSize(t *testing.T) {
	r, clock := newTestRegistry(t, 3)
	publisher := registerAuthenticated(t, r, clock)
	require.NoError(t, r.Subscribe(publisher.ID, "property:1", nil, nil))

	for i := 1; i <= 5; i++ {
		r.Publish("property:1", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), nil)
	}

	late := registerAuthenticated(t, r, clock)
	var replayed []string
	require.NoError(t, r.Subscribe(late.ID, "property:1", nil, func(_ string, payload json.RawMessage) {
		replayed = append(replayed, string(payload))
	}))

	require.Len(t, replayed, 3, "only the newest N messages survive")
	assert.JSONEq(t, `{"seq":3}`, replayed[0])
	assert.JSONEq(t, `{"seq":5}`, replayed[2])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := registerAuthenticated(t, r, clock)
	require.NoError(t, r.Subscribe(conn.ID, "property:1", nil, nil))
	require.NoError(t, r.Unsubscribe(conn.ID, "property:1"))

	delivered := r.Publish("property:1", json.RawMessage(`{}`), func(string, json.RawMessage) {
		t.Fatal("unsubscribed connection must not receive messages")
	})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, r.Snapshot().TotalSubscriptions)
}

func TestUnsubscribeUnknownTopicIsNoOp(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := registerAuthenticated(t, r, clock)

	assert.NoError(t, r.Unsubscribe(conn.ID, "never-subscribed"))
}

func TestDeregisterRemovesFromAllTopics(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := registerAuthenticated(t, r, clock)
	require.NoError(t, r.Subscribe(conn.ID, "property:1", nil, nil))
	require.NoError(t, r.Subscribe(conn.ID, "property:2", nil, nil))

	r.Deregister(conn.ID)

	for _, topicID := range []string{"property:1", "property:2"} {
		delivered := r.Publish(topicID, json.RawMessage(`{}`), func(string, json.RawMessage) {
			t.Fatal("deregistered connection must not receive messages")
		})
		assert.Equal(t, 0, delivered)
	}
	assert.Equal(t, 0, r.Snapshot().ActiveConnections)
}

func TestIdleConnections(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	stale := r.Register("10.0.0.1:1")
	fresh := r.Register("10.0.0.1:2")

	clock.Advance(90 * time.Second)
	r.Touch(fresh.ID)

	idle := r.IdleConnections(time.Minute)
	require.Len(t, idle, 1)
	assert.Equal(t, stale.ID, idle[0])
}

func TestSweepTopics(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	conn := registerAuthenticated(t, r, clock)

	require.NoError(t, r.Subscribe(conn.ID, "property:kept", nil, nil))
	require.NoError(t, r.Subscribe(conn.ID, "property:emptied", nil, nil))
	r.Publish("property:emptied", json.RawMessage(`{}`), nil)
	require.NoError(t, r.Unsubscribe(conn.ID, "property:emptied"))

	// Buffer not aged out yet: nothing to collect.
	assert.Equal(t, 0, r.SweepTopics(time.Hour))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, r.SweepTopics(time.Hour))

	stats := r.Snapshot()
	assert.Equal(t, 1, stats.Topics, "subscribed topic survives the sweep")
}

func TestSnapshotCounts(t *testing.T) {
	r, clock := newTestRegistry(t, 10)
	authed := registerAuthenticated(t, r, clock)
	r.Register("10.0.0.1:9") // unauthenticated

	require.NoError(t, r.Subscribe(authed.ID, "property:1", nil, nil))
	require.NoError(t, r.Subscribe(authed.ID, "property:2", nil, nil))

	stats := r.Snapshot()
	assert.Equal(t, 2, stats.ActiveConnections)
	assert.Equal(t, 1, stats.AuthenticatedConnections)
	assert.Equal(t, 2, stats.Topics)
	assert.Equal(t, 2, stats.TotalSubscriptions)
}

func TestRingSnapshotEmpty(t *testing.T) {
	ring := newReplayRing(4)
	assert.Empty(t, ring.snapshot())
	assert.Equal(t, 0, ring.len())
}

func TestRingWrapAround(t *testing.T) {
	ring := newReplayRing(2)
	ring.append(json.RawMessage(`1`))
	ring.append(json.RawMessage(`2`))
	ring.append(json.RawMessage(`3`))

	got := ring.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "2", string(got[0]))
	assert.Equal(t, "3", string(got[1]))
}
