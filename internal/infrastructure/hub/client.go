package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the hub needs; tests substitute
// their own.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// client is one subscriber connection. The hub owns the table it lives in;
// the two pumps below are the only goroutines touching the socket.
type client struct {
	id           string
	remoteIP     string
	conn         Conn
	send         chan []byte
	done         chan struct{} // closed on shutdown; send never is
	buffered     atomic.Int64  // bytes queued but not yet written
	alive        atomic.Bool
	lastActivity atomic.Int64 // unix ms
	closeOnce    sync.Once

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// enqueue hands payload to the write pump without ever blocking the caller.
// Returns false when the client is shut down or too far behind. Broadcast
// snapshots its targets before locking anything, so enqueue must tolerate a
// concurrent RemoveClient.
func (c *client) enqueue(payload []byte, maxBuffered int64) bool {
	if c.buffered.Load() > maxBuffered {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		c.buffered.Add(int64(len(payload)))
		return true
	default:
		return false
	}
}

// writePump drains the send queue until shutdown. A dedicated writer per
// client means a slow socket only ever stalls its own queue.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			_ = c.conn.Close()
			return
		case payload := <-c.send:
			err := c.conn.WriteMessage(websocket.TextMessage, payload)
			c.buffered.Add(-int64(len(payload)))
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
