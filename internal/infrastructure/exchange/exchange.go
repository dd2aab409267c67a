package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"terminus/internal/domain"
)

// Exchange names used across topics, health reporting and storage.
const (
	NameBinance = "binance"
	NameBybit   = "bybit"
	NameOKX     = "okx"
)

const (
	handshakeTimeout = 10 * time.Second
	readDeadline     = 60 * time.Second
	pingEvery        = 25 * time.Second
)

// ParseLevels converts raw [price, qty] string pairs into levels.
// Unparseable pairs are skipped, not fatal.
func ParseLevels(raw [][]string) []domain.Level {
	out := make([]domain.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			continue
		}
		out = append(out, domain.Level{Price: price, Qty: qty})
	}
	return out
}

// Dial opens a WebSocket with a bounded handshake timeout.
func Dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
	return conn, err
}

// ReadLoop pumps frames into onMsg while keeping the connection alive with
// pings and read deadlines. Returns when the context is cancelled or the
// connection errors (including a hard close from another goroutine).
func ReadLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	pingTicker := time.NewTicker(pingEvery)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

// Backoff returns the reconnect delay for the given attempt:
// min(1s * 2^attempt, 60s).
func Backoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < 60*time.Second; i++ {
		d *= 2
	}
	return minDur(d, 60*time.Second)
}

// SleepCtx sleeps for d, returning false if ctx ended first.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
