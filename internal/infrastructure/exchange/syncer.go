package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
	"terminus/internal/application/service"
	"terminus/internal/domain"
)

// SyncState is the depth connection lifecycle.
type SyncState string

const (
	StateConnecting SyncState = "connecting"
	StateSyncing    SyncState = "syncing-snapshot"
	StateStreaming  SyncState = "streaming"
	StateResyncing  SyncState = "resyncing"
	StateClosed     SyncState = "closed"
)

const snapshotRetryDelay = 5 * time.Second

// DepthController drives one exchange depth connection: dial with bounded
// handshake, snapshot sync, gap detection, and single-flight resync. It is
// the only writer of its exchange's book.
type DepthController struct {
	src    port.DepthSource
	store  *service.BookStore
	health *service.HealthRegistry
	symbol string

	mu        sync.Mutex
	state     SyncState
	resyncing bool
	conn      *websocket.Conn
}

func NewDepthController(src port.DepthSource, store *service.BookStore, health *service.HealthRegistry, symbol string) *DepthController {
	return &DepthController{
		src:    src,
		store:  store,
		health: health,
		symbol: symbol,
		state:  StateConnecting,
	}
}

// Run blocks until ctx is cancelled. Reconnects with exponential backoff,
// except after a resync where reconnecting immediately matters.
func (c *DepthController) Run(ctx context.Context) {
	ex := c.src.Exchange()
	defer func() {
		c.setState(StateClosed)
		c.health.Set(ex, domain.HealthDown)
		c.store.Drop(ex, c.symbol)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := Dial(ctx, c.src.DialURL(c.symbol))
		if err != nil {
			c.health.Set(ex, domain.HealthDown)
			log.Warn().Str("exchange", ex).Err(err).Msg("depth ws dial failed")
			if !SleepCtx(ctx, Backoff(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		c.setConn(conn)
		c.health.Set(ex, domain.HealthHealthy)
		log.Info().Str("exchange", ex).Str("symbol", c.symbol).Msg("depth ws connected")

		if err := c.subscribe(conn); err != nil {
			log.Warn().Str("exchange", ex).Err(err).Msg("depth subscribe failed")
			_ = conn.Close()
			c.setConn(nil)
			c.health.Set(ex, domain.HealthDegraded)
			if !SleepCtx(ctx, Backoff(attempt)) {
				return
			}
			attempt++
			continue
		}

		c.setState(StateSyncing)
		if err := c.syncSnapshot(ctx); err != nil {
			_ = conn.Close()
			c.setConn(nil)
			return
		}
		c.endResync()

		c.setState(StateStreaming)
		err = ReadLoop(ctx, conn, c.onFrame)
		_ = conn.Close()
		c.setConn(nil)

		if ctx.Err() != nil {
			return
		}
		if c.isResyncing() {
			// gap recovery is latency-sensitive: reconnect without backoff
			c.health.Set(ex, domain.HealthDegraded)
			continue
		}
		c.health.Set(ex, domain.HealthDown)
		log.Warn().Str("exchange", ex).Err(err).Msg("depth ws disconnected, reconnecting")
		if !SleepCtx(ctx, Backoff(attempt)) {
			return
		}
		attempt++
	}
}

func (c *DepthController) subscribe(conn *websocket.Conn) error {
	for _, frame := range c.src.SubscribeFrames(c.symbol) {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// syncSnapshot fetches the REST snapshot and seeds the book, retrying on a
// fixed delay without tearing the socket down. Feeds without a REST snapshot
// return immediately and seed from their in-band snapshot message. Only
// returns an error when ctx is done.
func (c *DepthController) syncSnapshot(ctx context.Context) error {
	ex := c.src.Exchange()
	for {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		snap, err := c.src.FetchSnapshot(sctx, c.symbol)
		cancel()

		if errors.Is(err, port.ErrSnapshotUnsupported) {
			return nil
		}
		if err == nil && snap != nil {
			c.store.InitSnapshot(ex, c.symbol, *snap)
			return nil
		}
		log.Error().Str("exchange", ex).Err(err).Msg("depth snapshot fetch failed, retrying")
		if !SleepCtx(ctx, snapshotRetryDelay) {
			return ctx.Err()
		}
	}
}

func (c *DepthController) onFrame(raw []byte) {
	ev := c.src.Decode(raw, c.symbol)
	if ev == nil {
		return
	}
	if resync, reason := c.applyEvent(ev); resync {
		c.forceResync(reason)
	}
}

// applyEvent feeds one decoded event into the store. Returns true when the
// stream can no longer be trusted and a resync is required; the triggering
// delta is not applied.
func (c *DepthController) applyEvent(ev *domain.DepthEvent) (bool, string) {
	ex := c.src.Exchange()

	if ev.Snapshot != nil {
		c.store.InitSnapshot(ex, c.symbol, *ev.Snapshot)
		c.endResync()
		return false, ""
	}
	d := ev.Delta
	if d == nil {
		return false, ""
	}

	if d.HasPrevSeq {
		last, ok := c.store.LastSequence(ex, c.symbol)
		if !ok {
			// no baseline yet, wait for the snapshot
			return false, ""
		}
		if d.TerminalSeq <= last {
			// replay of updates already covered by the snapshot
			return false, ""
		}
		// prevSeq below lastSequence straddles the snapshot boundary and is
		// still contiguous; above it, updates went missing.
		if d.PrevSeq > last {
			log.Warn().
				Str("exchange", ex).
				Str("symbol", c.symbol).
				Int64("expected", last).
				Int64("received", d.PrevSeq).
				Msg("sequence gap detected")
			return true, "sequence gap"
		}
	}

	c.store.ApplyDelta(ex, c.symbol, *d)
	if c.store.NeedsResync(ex, c.symbol) {
		return true, "crossed book"
	}
	return false, ""
}

// forceResync hard-terminates the depth socket so in-flight frames are
// discarded. Single-flight: a gap storm collapses into one resync.
func (c *DepthController) forceResync(reason string) {
	c.mu.Lock()
	if c.resyncing {
		c.mu.Unlock()
		return
	}
	c.resyncing = true
	c.state = StateResyncing
	conn := c.conn
	c.mu.Unlock()

	log.Warn().
		Str("exchange", c.src.Exchange()).
		Str("symbol", c.symbol).
		Str("reason", reason).
		Msg("forcing orderbook resync")

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *DepthController) endResync() {
	c.mu.Lock()
	c.resyncing = false
	c.mu.Unlock()
}

func (c *DepthController) isResyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncing
}

func (c *DepthController) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *DepthController) setState(s SyncState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the current lifecycle state.
func (c *DepthController) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
