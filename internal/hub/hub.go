// Package hub fans out job progress, predictions, verifications, and price
// updates to WebSocket subscribers. Connections are bookkept the way the
// teacher's tradernet websocket client manages a socket's lifecycle
// (Connect/Disconnect, a dedicated write goroutine) except here the
// engine is the server side of the conversation.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Message is the single envelope shape used for every outbound frame.
type Message struct {
	Type      string          `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// inboundFrame is what a client may send: subscribe/unsubscribe to a job's
// updates, or ping. Anything else is answered with an error frame.
type inboundFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

const (
	outboxCapacity = 64
	writeTimeout   = 5 * time.Second
)

// conn is one accepted WebSocket connection and its subscription set. An
// empty jobs set means "subscribed to nothing yet" — job-scoped messages
// only reach a connection that has explicitly subscribed to that job id;
// non-job-scoped broadcasts (price_update) reach every connection.
type conn struct {
	id     string
	ws     *websocket.Conn
	outbox chan Message
	cancel context.CancelFunc

	mu     sync.RWMutex
	jobs   map[string]bool
	closed bool
}

func (c *conn) isSubscribed(jobID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs[jobID]
}

// Hub is the SubscriptionHub component (C2): the single fan-out point
// between the engine's workers and every connected WebSocket client.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	sentMu sync.Mutex
	sent   uint64
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		conns: make(map[string]*conn),
	}
}

// Connect registers a newly upgraded WebSocket connection and starts its
// write loop. The returned id is used for HandleInboundMessage and
// Disconnect. The write loop runs until the connection's context
// (derived from ctx) is cancelled or a write fails.
func (h *Hub) Connect(ctx context.Context, ws *websocket.Conn) string {
	connCtx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		outbox: make(chan Message, outboxCapacity),
		cancel: cancel,
		jobs:   make(map[string]bool),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Debug().Str("conn_id", c.id).Int("connections", n).Msg("client connected")

	go h.writeLoop(connCtx, c)
	return c.id
}

// Disconnect removes a connection and stops its write loop. Safe to call
// more than once for the same id.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.cancel()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.outbox)
	h.log.Debug().Str("conn_id", connID).Int("connections", n).Msg("client disconnected")
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for msg := range c.outbox {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(writeCtx, c.ws, msg)
		cancel()
		if err != nil {
			h.log.Debug().Err(err).Str("conn_id", c.id).Msg("write failed, disconnecting")
			_ = c.ws.Close(websocket.StatusInternalError, "write failed")
			go h.Disconnect(c.id)
			return
		}
		h.sentMu.Lock()
		h.sent++
		h.sentMu.Unlock()
	}
}

// HandleInboundMessage applies one inbound frame (subscribe, unsubscribe,
// or ping) from the given connection.
func (h *Hub) HandleInboundMessage(connID string, raw []byte) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendTo(c, "error", "", map[string]string{"error": "malformed message"})
		return
	}

	switch frame.Type {
	case "subscribe":
		if frame.JobID == "" {
			h.sendTo(c, "error", "", map[string]string{"error": "subscribe requires job_id"})
			return
		}
		c.mu.Lock()
		c.jobs[frame.JobID] = true
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		delete(c.jobs, frame.JobID)
		c.mu.Unlock()
	case "ping":
		h.sendTo(c, "pong", "", nil)
	default:
		h.sendTo(c, "error", "", map[string]string{"error": "unknown message type"})
	}
}

func (h *Hub) sendTo(c *conn, msgType, jobID string, payload any) {
	h.deliver(c, buildMessage(msgType, jobID, payload))
}

func buildMessage(msgType, jobID string, payload any) Message {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(roundWirePayload(payload))
	}
	return Message{Type: msgType, JobID: jobID, Data: data, Timestamp: time.Now().UTC()}
}

// deliver holds c.mu for the duration of the send attempt so it can never
// race with Disconnect's close(c.outbox): Disconnect sets closed under the
// same lock before closing the channel, so a deliver that observes
// closed == false is guaranteed the channel stays open for its send.
func (h *Hub) deliver(c *conn, msg Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.outbox <- msg:
	default:
		// A full outbox means this client cannot keep up; per the backpressure
		// rule, drop the slow connection rather than let it stall every
		// other subscriber's fan-out.
		h.log.Warn().Str("conn_id", c.id).Msg("outbox full, disconnecting slow client")
		go h.Disconnect(c.id)
	}
}

// BroadcastToJob sends msgType/payload to every connection subscribed to jobID.
func (h *Hub) BroadcastToJob(jobID, msgType string, payload any) {
	msg := buildMessage(msgType, jobID, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.isSubscribed(jobID) {
			h.deliver(c, msg)
		}
	}
}

// BroadcastAll sends msgType/payload to every connected client regardless
// of subscription, used for price_update and verification messages whose
// relevance outlives their parent job's subscription.
func (h *Hub) BroadcastAll(msgType string, payload any) {
	msg := buildMessage(msgType, "", payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		h.deliver(c, msg)
	}
}

// Stats summarizes the hub's current fan-out load, supplementing the
// distilled spec with the original websocket_manager.py's get_stats.
type Stats struct {
	Connections  int    `json:"connections"`
	MessagesSent uint64 `json:"messages_sent"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	h.sentMu.Lock()
	sent := h.sent
	h.sentMu.Unlock()
	return Stats{Connections: n, MessagesSent: sent}
}
