package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn lets tests exercise Hub's bookkeeping (subscriptions, stats,
// backpressure) without a real network socket.
func newTestConnLocked(h *Hub, id string) *conn {
	c := &conn{id: id, outbox: make(chan Message, outboxCapacity), jobs: make(map[string]bool), cancel: func() {}}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	return c
}

func TestBroadcastToJob_OnlyReachesSubscribers(t *testing.T) {
	h := New(zerolog.Nop())
	subscribed := newTestConnLocked(h, "a")
	subscribed.jobs["job-1"] = true
	unsubscribed := newTestConnLocked(h, "b")

	h.BroadcastToJob("job-1", "progress", map[string]int{"completed": 1})

	select {
	case msg := <-subscribed.outbox:
		assert.Equal(t, "progress", msg.Type)
		assert.Equal(t, "job-1", msg.JobID)
	default:
		t.Fatal("expected subscribed connection to receive the broadcast")
	}

	select {
	case <-unsubscribed.outbox:
		t.Fatal("unsubscribed connection should not receive job-scoped broadcasts")
	default:
	}
}

func TestBroadcastAll_ReachesEveryConnection(t *testing.T) {
	h := New(zerolog.Nop())
	a := newTestConnLocked(h, "a")
	b := newTestConnLocked(h, "b")

	h.BroadcastAll("price_update", map[string]string{"symbol": "AAA"})

	for _, c := range []*conn{a, b} {
		select {
		case msg := <-c.outbox:
			assert.Equal(t, "price_update", msg.Type)
		default:
			t.Fatalf("connection %s should have received the broadcast", c.id)
		}
	}
}

func TestHandleInboundMessage_SubscribeThenUnsubscribe(t *testing.T) {
	h := New(zerolog.Nop())
	c := newTestConnLocked(h, "a")

	h.HandleInboundMessage("a", []byte(`{"type":"subscribe","job_id":"job-1"}`))
	assert.True(t, c.isSubscribed("job-1"))

	h.HandleInboundMessage("a", []byte(`{"type":"unsubscribe","job_id":"job-1"}`))
	assert.False(t, c.isSubscribed("job-1"))
}

func TestHandleInboundMessage_Ping(t *testing.T) {
	h := New(zerolog.Nop())
	newTestConnLocked(h, "a")

	h.HandleInboundMessage("a", []byte(`{"type":"ping"}`))

	h.mu.RLock()
	c := h.conns["a"]
	h.mu.RUnlock()

	select {
	case msg := <-c.outbox:
		assert.Equal(t, "pong", msg.Type)
	default:
		t.Fatal("expected a pong reply")
	}
}

func TestDeliver_FullOutboxDisconnectsSlowClient(t *testing.T) {
	h := New(zerolog.Nop())
	c := newTestConnLocked(h, "slow")
	// Fill the outbox to capacity so the next delivery has to drop it.
	for i := 0; i < outboxCapacity; i++ {
		c.outbox <- Message{Type: "progress"}
	}

	h.deliver(c, Message{Type: "progress"})

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, stillConnected := h.conns["slow"]
		return !stillConnected
	}, time.Second, time.Millisecond)
}

func TestStats_ReflectsConnectionsAndSentCount(t *testing.T) {
	h := New(zerolog.Nop())
	newTestConnLocked(h, "a")
	newTestConnLocked(h, "b")

	stats := h.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, uint64(0), stats.MessagesSent)
}

func TestBuildMessage_MarshalsPayload(t *testing.T) {
	msg := buildMessage("result", "job-1", map[string]string{"symbol": "AAA"})
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "AAA", decoded["symbol"])
	assert.WithinDuration(t, time.Now().UTC(), msg.Timestamp, time.Second)
}
