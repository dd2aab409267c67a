package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Limits bound what any single client or IP can cost the server.
type Limits struct {
	MaxConnsPerIP    int
	MaxMsgsPerSec    int
	MaxBufferedBytes int64
	HeartbeatEvery   time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxConnsPerIP:    5,
		MaxMsgsPerSec:    20,
		MaxBufferedBytes: 1 << 20, // 1 MiB
		HeartbeatEvery:   30 * time.Second,
	}
}

// ControlHandler receives well-formed client messages that are not
// subscribe/unsubscribe actions (replay control, symbol switch).
type ControlHandler func(clientID string, raw []byte)

// envelope is the wire format of every server-to-client message.
type envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
	Ts    int64  `json:"ts"`
}

type clientAction struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Hub fans broadcasts out to subscriber sockets under backpressure, rate
// limiting and connection-abuse controls. One mutex guards the client table,
// topic index and per-IP accounting; it is never held across a socket write.
type Hub struct {
	limits  Limits
	control ControlHandler

	mu       sync.Mutex
	clients  map[string]*client
	topics   map[string]map[string]struct{}
	ipConns  map[string]int
	ipEvents map[string][]time.Time

	nextID  atomic.Int64
	dropped atomic.Int64
}

func New(limits Limits) *Hub {
	if limits.MaxConnsPerIP <= 0 {
		limits.MaxConnsPerIP = 5
	}
	if limits.MaxMsgsPerSec <= 0 {
		limits.MaxMsgsPerSec = 20
	}
	if limits.MaxBufferedBytes <= 0 {
		limits.MaxBufferedBytes = 1 << 20
	}
	if limits.HeartbeatEvery <= 0 {
		limits.HeartbeatEvery = 30 * time.Second
	}
	return &Hub{
		limits:   limits,
		clients:  make(map[string]*client),
		topics:   make(map[string]map[string]struct{}),
		ipConns:  make(map[string]int),
		ipEvents: make(map[string][]time.Time),
	}
}

// SetControlHandler installs the sink for non-subscription client messages.
func (h *Hub) SetControlHandler(fn ControlHandler) {
	h.mu.Lock()
	h.control = fn
	h.mu.Unlock()
}

// AddClient registers a subscriber socket, enforcing the per-IP connection
// cap. On success the client's read and write pumps are running.
func (h *Hub) AddClient(conn Conn, remoteIP string) (string, error) {
	h.mu.Lock()
	if h.ipConns[remoteIP] >= h.limits.MaxConnsPerIP {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		log.Warn().Str("ip", remoteIP).Msg("connection rejected, per-ip limit reached")
		return "", fmt.Errorf("ip %s at connection limit", remoteIP)
	}

	id := fmt.Sprintf("client_%d_%d", h.nextID.Add(1), time.Now().UnixMilli())
	c := &client{
		id:       id,
		remoteIP: remoteIP,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		subs:     make(map[string]struct{}),
	}
	c.alive.Store(true)
	c.touch()

	h.clients[id] = c
	h.ipConns[remoteIP]++
	h.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.touch()
		return nil
	})

	go c.writePump()
	go h.readPump(c)

	log.Info().Str("client", id).Str("ip", remoteIP).Msg("client connected")
	return id, nil
}

func (h *Hub) readPump(c *client) {
	defer h.RemoveClient(c.id)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !h.handleInbound(c, raw) {
			return
		}
	}
}

// handleInbound applies the rate limit and dispatches one client message.
// Returns false when the connection must be terminated.
func (h *Hub) handleInbound(c *client, raw []byte) bool {
	if !h.allowMessage(c.remoteIP) {
		log.Warn().Str("client", c.id).Str("ip", c.remoteIP).Msg("rate limit exceeded, terminating client")
		h.RemoveClient(c.id)
		return false
	}
	c.touch()

	var action clientAction
	if err := json.Unmarshal(raw, &action); err != nil {
		// malformed JSON is dropped, never fatal
		return true
	}

	switch action.Action {
	case "subscribe":
		h.subscribe(c, action.Topics)
	case "unsubscribe":
		h.unsubscribe(c, action.Topics)
	default:
		h.mu.Lock()
		control := h.control
		h.mu.Unlock()
		if control != nil {
			control(c.id, raw)
		}
	}
	return true
}

// allowMessage enforces a sliding one-second window per IP.
func (h *Hub) allowMessage(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-time.Second)

	h.mu.Lock()
	defer h.mu.Unlock()

	events := h.ipEvents[ip]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	h.ipEvents[ip] = kept
	return len(kept) <= h.limits.MaxMsgsPerSec
}

func (h *Hub) subscribe(c *client, topics []string) {
	h.mu.Lock()
	for _, topic := range topics {
		c.mu.Lock()
		c.subs[topic] = struct{}{}
		c.mu.Unlock()
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[string]struct{})
		}
		h.topics[topic][c.id] = struct{}{}
	}
	h.mu.Unlock()
	log.Debug().Str("client", c.id).Strs("topics", topics).Msg("client subscribed")
}

func (h *Hub) unsubscribe(c *client, topics []string) {
	h.mu.Lock()
	for _, topic := range topics {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		if subs := h.topics[topic]; subs != nil {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.mu.Unlock()
}

// RemoveClient deregisters a client everywhere. Idempotent: close and error
// paths race here by design.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	h.ipConns[c.remoteIP]--
	if h.ipConns[c.remoteIP] <= 0 {
		delete(h.ipConns, c.remoteIP)
		delete(h.ipEvents, c.remoteIP)
	}
	c.mu.Lock()
	for topic := range c.subs {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()

	c.shutdown()
	log.Info().Str("client", id).Msg("client disconnected")
}

// Broadcast serializes the payload once and sends the identical bytes to
// every subscriber of topic. Clients whose outbound buffer is over the limit
// are skipped and counted, not waited for.
func (h *Hub) Broadcast(topic string, data any) {
	h.mu.Lock()
	subs := h.topics[topic]
	if len(subs) == 0 {
		h.mu.Unlock()
		return
	}
	targets := make([]*client, 0, len(subs))
	for id := range subs {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	payload, err := json.Marshal(envelope{Topic: topic, Data: data, Ts: time.Now().UnixMilli()})
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("broadcast marshal failed")
		return
	}

	var dropped int
	for _, c := range targets {
		if !c.enqueue(payload, h.limits.MaxBufferedBytes) {
			dropped++
		}
	}
	if dropped > 0 {
		h.dropped.Add(int64(dropped))
		log.Warn().Str("topic", topic).Int("dropped", dropped).Int("sent", len(targets)-dropped).Msg("backpressure, dropped messages")
	}
}

// SendToClient unicasts to one client, used for initial-state replay.
func (h *Hub) SendToClient(id string, topic string, data any) {
	h.mu.Lock()
	c, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(envelope{Topic: topic, Data: data, Ts: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if !c.enqueue(payload, h.limits.MaxBufferedBytes) {
		h.dropped.Add(1)
	}
}

// Run drives the liveness heartbeat: ping every client each tick, terminate
// anyone who did not pong since the previous tick. Bounds the memory held by
// half-dead TCP connections.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.limits.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.alive.Swap(false) {
			log.Warn().Str("client", c.id).Msg("heartbeat timeout, terminating zombie client")
			h.RemoveClient(c.id)
			continue
		}
		_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.RemoveClient(id)
	}
}

// Stats is the monitoring view of the hub.
type Stats struct {
	Clients       int            `json:"clients"`
	Subscriptions map[string]int `json:"subscriptions"`
	Dropped       int64          `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make(map[string]int, len(h.topics))
	for topic, ids := range h.topics {
		subs[topic] = len(ids)
	}
	return Stats{Clients: len(h.clients), Subscriptions: subs, Dropped: h.dropped.Load()}
}
