package service

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"terminus/internal/domain"
)

type bookKey struct {
	exchange string
	symbol   string
}

// book is the mutable per-exchange state. Guarded by BookStore.mu.
type book struct {
	bids        map[float64]float64
	asks        map[float64]float64
	lastSeq     int64
	bestBid     float64
	bestAsk     float64
	dirty       bool
	needsResync bool
}

// BookStore owns one order book per (exchange, symbol). Pure state and
// algorithms; callers do the I/O. All methods are safe for concurrent use,
// readers always get copies.
type BookStore struct {
	mu    sync.Mutex
	books map[bookKey]*book
}

func NewBookStore() *BookStore {
	return &BookStore{books: make(map[bookKey]*book)}
}

// InitSnapshot replaces the book wholesale. Levels with qty <= 0 are dropped
// on input. Safe to call repeatedly; every resync goes through here.
func (s *BookStore) InitSnapshot(exchange, symbol string, snap domain.DepthSnapshot) {
	b := &book{
		bids:    make(map[float64]float64, len(snap.Bids)),
		asks:    make(map[float64]float64, len(snap.Asks)),
		lastSeq: snap.LastUpdateID,
	}
	for _, l := range snap.Bids {
		if l.Qty > 0 {
			b.bids[l.Price] = l.Qty
		}
	}
	for _, l := range snap.Asks {
		if l.Qty > 0 {
			b.asks[l.Price] = l.Qty
		}
	}
	b.recompute()
	b.dirty = true

	s.mu.Lock()
	s.books[bookKey{exchange, symbol}] = b
	s.mu.Unlock()

	log.Info().
		Str("exchange", exchange).
		Str("symbol", symbol).
		Int("bids", len(b.bids)).
		Int("asks", len(b.asks)).
		Int64("last_update_id", snap.LastUpdateID).
		Msg("orderbook snapshot loaded")
}

// ApplyDelta upserts changed levels and deletes levels with qty <= 0. With
// SideReplace set, each side carrying changes is cleared first (feeds that
// push full-depth snapshots disguised as deltas). Never fails: a missing book
// makes this a no-op, unparseable levels were already skipped by the decoder.
func (s *BookStore) ApplyDelta(exchange, symbol string, delta domain.DepthDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[bookKey{exchange, symbol}]
	if !ok {
		return
	}

	if delta.SideReplace {
		if len(delta.Bids) > 0 {
			b.bids = make(map[float64]float64, len(delta.Bids))
		}
		if len(delta.Asks) > 0 {
			b.asks = make(map[float64]float64, len(delta.Asks))
		}
	}
	for _, l := range delta.Bids {
		if l.Qty <= 0 {
			delete(b.bids, l.Price)
		} else {
			b.bids[l.Price] = l.Qty
		}
	}
	for _, l := range delta.Asks {
		if l.Qty <= 0 {
			delete(b.asks, l.Price)
		} else {
			b.asks[l.Price] = l.Qty
		}
	}

	b.lastSeq = delta.TerminalSeq
	b.recompute()
	b.dirty = true

	if b.crossed() && !b.needsResync {
		b.needsResync = true
		log.Warn().
			Str("exchange", exchange).
			Str("symbol", symbol).
			Float64("best_bid", b.bestBid).
			Float64("best_ask", b.bestAsk).
			Msg("crossed book detected, resync requested")
	}
}

// LastSequence returns the terminal sequence id of the most recently applied
// update. ok is false until a snapshot has been loaded.
func (s *BookStore) LastSequence(exchange, symbol string) (seq int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookKey{exchange, symbol}]
	if !ok {
		return 0, false
	}
	return b.lastSeq, true
}

// BestBidAsk returns the cached best bid and ask.
func (s *BookStore) BestBidAsk(exchange, symbol string) (bid, ask float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookKey{exchange, symbol}]
	if !ok {
		return 0, 0, false
	}
	return b.bestBid, b.bestAsk, true
}

// Snapshot returns the top-depth levels of both sides, bids descending and
// asks ascending. The sort on read is fine: depth is small relative to the
// book.
func (s *BookStore) Snapshot(exchange, symbol string, depth int) (domain.BookSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[bookKey{exchange, symbol}]
	if !ok {
		return domain.BookSnapshot{}, false
	}

	return domain.BookSnapshot{
		Time:     time.Now().UnixMilli(),
		Exchange: exchange,
		Symbol:   symbol,
		Bids:     topLevels(b.bids, depth, true),
		Asks:     topLevels(b.asks, depth, false),
	}, true
}

// Aggregated is Snapshot plus wall detection in a single locked read, shaped
// for the orderbook broadcast payload.
func (s *BookStore) Aggregated(exchange, symbol string, depth int, thresholdPct float64) (domain.AggregatedBook, bool) {
	snap, ok := s.Snapshot(exchange, symbol, depth)
	if !ok {
		return domain.AggregatedBook{}, false
	}
	return domain.AggregatedBook{
		BookSnapshot: snap,
		Walls:        DetectWalls(snap, thresholdPct),
	}, true
}

// ConsumeDirty reports whether the book mutated since the last call and
// clears the flag.
func (s *BookStore) ConsumeDirty(exchange, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookKey{exchange, symbol}]
	if !ok || !b.dirty {
		return false
	}
	b.dirty = false
	return true
}

// NeedsResync reports the crossed-book latch and clears it. The depth
// controller polls this after every applied delta.
func (s *BookStore) NeedsResync(exchange, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookKey{exchange, symbol}]
	if !ok || !b.needsResync {
		return false
	}
	b.needsResync = false
	return true
}

// Drop destroys a book on adapter teardown or symbol switch.
func (s *BookStore) Drop(exchange, symbol string) {
	s.mu.Lock()
	delete(s.books, bookKey{exchange, symbol})
	s.mu.Unlock()
}

// Tracked lists the (exchange, symbol) pairs currently holding a book.
func (s *BookStore) Tracked() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]string, 0, len(s.books))
	for k := range s.books {
		out = append(out, [2]string{k.exchange, k.symbol})
	}
	return out
}

// DetectWalls flags levels holding >= thresholdPct percent of their side's
// visible depth. Sides are evaluated independently.
func DetectWalls(snap domain.BookSnapshot, thresholdPct float64) domain.Walls {
	return domain.Walls{
		BidWalls: sideWalls(snap.Bids, domain.SideBid, thresholdPct),
		AskWalls: sideWalls(snap.Asks, domain.SideAsk, thresholdPct),
	}
}

func sideWalls(levels []domain.Level, side domain.Side, thresholdPct float64) []domain.Wall {
	var total float64
	for _, l := range levels {
		total += l.Qty
	}
	walls := []domain.Wall{}
	if total <= 0 {
		return walls
	}
	for _, l := range levels {
		pct := l.Qty / total * 100
		if pct >= thresholdPct {
			walls = append(walls, domain.Wall{Price: l.Price, Qty: l.Qty, Pct: pct, Side: side})
		}
	}
	return walls
}

func (b *book) recompute() {
	b.bestBid = 0
	for p := range b.bids {
		if p > b.bestBid {
			b.bestBid = p
		}
	}
	b.bestAsk = 0
	for p := range b.asks {
		if b.bestAsk == 0 || p < b.bestAsk {
			b.bestAsk = p
		}
	}
}

func (b *book) crossed() bool {
	return len(b.bids) > 0 && len(b.asks) > 0 && b.bestBid >= b.bestAsk
}

func topLevels(side map[float64]float64, depth int, descending bool) []domain.Level {
	out := make([]domain.Level, 0, len(side))
	for p, q := range side {
		out = append(out, domain.Level{Price: p, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
