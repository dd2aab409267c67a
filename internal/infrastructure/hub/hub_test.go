package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	inbound chan []byte

	mu       sync.Mutex
	writes   [][]byte
	controls []int
	closed   bool

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, b, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.inbound)
	})
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func addTestClient(t *testing.T, h *Hub, ip string) (string, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	id, err := h.AddClient(conn, ip)
	if err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	return id, conn
}

func subscribeClient(t *testing.T, h *Hub, id string, topics ...string) {
	t.Helper()
	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()
	if c == nil {
		t.Fatalf("client %s not found", id)
	}
	h.subscribe(c, topics)
}

func TestPerIPConnectionLimit(t *testing.T) {
	h := New(Limits{MaxConnsPerIP: 2})

	addTestClient(t, h, "10.0.0.1")
	addTestClient(t, h, "10.0.0.1")

	conn := newFakeConn()
	if _, err := h.AddClient(conn, "10.0.0.1"); err == nil {
		t.Fatal("expected rejection at the per-ip limit")
	}
	conn.mu.Lock()
	closed := conn.closed
	gotClose := len(conn.controls) == 1 && conn.controls[0] == websocket.CloseMessage
	conn.mu.Unlock()
	if !closed || !gotClose {
		t.Error("rejected connection must get a close frame and be closed")
	}

	// a different IP is unaffected
	addTestClient(t, h, "10.0.0.2")
}

func TestRemoveClientFreesIPSlot(t *testing.T) {
	h := New(Limits{MaxConnsPerIP: 1})
	id, _ := addTestClient(t, h, "10.0.0.1")

	h.RemoveClient(id)
	addTestClient(t, h, "10.0.0.1")
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")
	subscribeClient(t, h, id, "orderbook.binance")

	h.RemoveClient(id)
	h.RemoveClient(id)
	h.RemoveClient("client_unknown")

	stats := h.Stats()
	if stats.Clients != 0 {
		t.Errorf("expected 0 clients, got %d", stats.Clients)
	}
	if len(stats.Subscriptions) != 0 {
		t.Errorf("expected empty topic index, got %+v", stats.Subscriptions)
	}
}

func TestBroadcastSerializesOnce(t *testing.T) {
	h := New(DefaultLimits())
	id1, conn1 := addTestClient(t, h, "10.0.0.1")
	id2, conn2 := addTestClient(t, h, "10.0.0.2")
	subscribeClient(t, h, id1, "trades")
	subscribeClient(t, h, id2, "trades")

	h.Broadcast("trades", map[string]any{"price": 50000.0})

	waitFor(t, func() bool { return conn1.writeCount() == 1 && conn2.writeCount() == 1 })
	if string(conn1.lastWrite()) != string(conn2.lastWrite()) {
		t.Error("subscribers must receive identical bytes")
	}

	var env envelope
	if err := json.Unmarshal(conn1.lastWrite(), &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Topic != "trades" || env.Ts == 0 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestBroadcastOnlyReachesSubscribers(t *testing.T) {
	h := New(DefaultLimits())
	id1, conn1 := addTestClient(t, h, "10.0.0.1")
	_, conn2 := addTestClient(t, h, "10.0.0.2")
	subscribeClient(t, h, id1, "alerts")

	h.Broadcast("alerts", "liquidation cascade")
	h.Broadcast("nobody.listens", "void")

	waitFor(t, func() bool { return conn1.writeCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if conn2.writeCount() != 0 {
		t.Errorf("unsubscribed client received %d messages", conn2.writeCount())
	}
}

func TestBackpressureDropsAndCounts(t *testing.T) {
	h := New(DefaultLimits())
	id1, conn1 := addTestClient(t, h, "10.0.0.1")
	id2, conn2 := addTestClient(t, h, "10.0.0.2")
	subscribeClient(t, h, id1, "orderbook.binance")
	subscribeClient(t, h, id2, "orderbook.binance")

	// client 1 is a slow consumer with a full outbound buffer
	h.mu.Lock()
	h.clients[id1].buffered.Store(h.limits.MaxBufferedBytes + 1)
	h.mu.Unlock()

	h.Broadcast("orderbook.binance", "payload")

	waitFor(t, func() bool { return conn2.writeCount() == 1 })
	if conn1.writeCount() != 0 {
		t.Error("overloaded client must be skipped")
	}
	if got := h.Stats().Dropped; got != 1 {
		t.Errorf("expected dropped counter 1, got %d", got)
	}

	// the slow client stays connected
	if got := h.Stats().Clients; got != 2 {
		t.Errorf("expected 2 clients, got %d", got)
	}
}

func TestBroadcastSurvivesConcurrentRemove(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")
	subscribeClient(t, h, id, "trades")

	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()

	// Broadcast snapshots its targets, then the client disconnects before
	// the enqueue. The late enqueue must be a rejected no-op, not a panic.
	h.RemoveClient(id)
	if c.enqueue([]byte(`{"topic":"trades"}`), h.limits.MaxBufferedBytes) {
		t.Error("expected enqueue rejected after shutdown")
	}
	h.Broadcast("trades", "payload")
}

func TestRemoveClientClearsIPRateWindow(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")
	id2, _ := addTestClient(t, h, "10.0.0.2")

	h.mu.Lock()
	c, c2 := h.clients[id], h.clients[id2]
	h.mu.Unlock()
	h.handleInbound(c, []byte(`{"action":"subscribe","topics":["trades"]}`))
	h.handleInbound(c2, []byte(`{"action":"subscribe","topics":["trades"]}`))

	h.RemoveClient(id)

	h.mu.Lock()
	_, gone := h.ipEvents["10.0.0.1"]
	_, kept := h.ipEvents["10.0.0.2"]
	h.mu.Unlock()
	if gone {
		t.Error("rate window must be dropped with the ip's last connection")
	}
	if !kept {
		t.Error("other ips keep their windows")
	}
}

func TestRateLimitTerminatesClient(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")

	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()

	msg := []byte(`{"action":"subscribe","topics":["trades"]}`)
	for i := 0; i < 20; i++ {
		if !h.handleInbound(c, msg) {
			t.Fatalf("message %d unexpectedly rejected", i+1)
		}
	}
	// message 21 inside the same second crosses the limit
	if h.handleInbound(c, msg) {
		t.Fatal("expected termination above the rate limit")
	}
	if got := h.Stats().Clients; got != 0 {
		t.Errorf("expected flooding client removed, got %d clients", got)
	}
}

func TestMalformedJSONIsDroppedNotFatal(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")

	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()

	if !h.handleInbound(c, []byte("{not json")) {
		t.Fatal("malformed payload must not terminate the client")
	}
	if got := h.Stats().Clients; got != 1 {
		t.Errorf("expected client to survive, got %d clients", got)
	}
}

func TestSubscribeUnsubscribeViaMessages(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")

	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()

	h.handleInbound(c, []byte(`{"action":"subscribe","topics":["trades","alerts"]}`))
	stats := h.Stats()
	if stats.Subscriptions["trades"] != 1 || stats.Subscriptions["alerts"] != 1 {
		t.Fatalf("unexpected subscriptions %+v", stats.Subscriptions)
	}

	h.handleInbound(c, []byte(`{"action":"unsubscribe","topics":["trades"]}`))
	stats = h.Stats()
	if _, ok := stats.Subscriptions["trades"]; ok {
		t.Error("expected trades topic dropped from index")
	}
	if stats.Subscriptions["alerts"] != 1 {
		t.Errorf("alerts subscription lost: %+v", stats.Subscriptions)
	}
}

func TestControlHandlerReceivesUnknownActions(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")

	var gotID string
	var gotRaw []byte
	h.SetControlHandler(func(clientID string, raw []byte) {
		gotID = clientID
		gotRaw = raw
	})

	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()

	msg := []byte(`{"action":"switch_symbol","symbol":"ETHUSDT"}`)
	h.handleInbound(c, msg)
	if gotID != id || string(gotRaw) != string(msg) {
		t.Errorf("control handler got %q %q", gotID, gotRaw)
	}
}

func TestHeartbeatTerminatesZombies(t *testing.T) {
	h := New(DefaultLimits())
	_, conn := addTestClient(t, h, "10.0.0.1")

	// first sweep: alive flips false and a ping goes out
	h.heartbeat()
	conn.mu.Lock()
	pinged := len(conn.controls) > 0 && conn.controls[len(conn.controls)-1] == websocket.PingMessage
	conn.mu.Unlock()
	if !pinged {
		t.Fatal("expected ping on first sweep")
	}
	if got := h.Stats().Clients; got != 1 {
		t.Fatalf("client removed too early")
	}

	// no pong: second sweep kills it
	h.heartbeat()
	if got := h.Stats().Clients; got != 0 {
		t.Errorf("expected zombie removed, got %d clients", got)
	}
}

func TestHeartbeatKeepsResponsiveClients(t *testing.T) {
	h := New(DefaultLimits())
	id, _ := addTestClient(t, h, "10.0.0.1")

	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()

	h.heartbeat()
	c.alive.Store(true) // pong arrived
	h.heartbeat()
	if got := h.Stats().Clients; got != 1 {
		t.Errorf("responsive client must survive, got %d clients", got)
	}
}

func TestSendToClientUnicast(t *testing.T) {
	h := New(DefaultLimits())
	id1, conn1 := addTestClient(t, h, "10.0.0.1")
	_, conn2 := addTestClient(t, h, "10.0.0.2")

	h.SendToClient(id1, "orderbook.aggregated", json.RawMessage(`{"bids":[]}`))

	waitFor(t, func() bool { return conn1.writeCount() == 1 })
	if conn2.writeCount() != 0 {
		t.Error("unicast leaked to another client")
	}
	h.SendToClient("client_unknown", "orderbook.aggregated", nil) // no panic
}

func TestStatsCountsClientsPerTopic(t *testing.T) {
	h := New(DefaultLimits())
	for i := 0; i < 3; i++ {
		id, _ := addTestClient(t, h, fmt.Sprintf("10.0.0.%d", i+1))
		subscribeClient(t, h, id, "trades")
	}
	stats := h.Stats()
	if stats.Clients != 3 || stats.Subscriptions["trades"] != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
