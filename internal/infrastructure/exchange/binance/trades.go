package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
	"terminus/internal/domain"
	"terminus/internal/infrastructure/exchange"
)

const tradeFlushEvery = 250 * time.Millisecond

// TradeFeed streams aggTrade events, batches them for broadcast and persists
// each trade. At-most-once forwarding, no sequencing.
type TradeFeed struct {
	wsBase string
	pub    port.Publisher
	repo   port.Repository

	mu    sync.Mutex
	batch []domain.Trade
}

func NewTradeFeed(wsBase string, pub port.Publisher, repo port.Repository) *TradeFeed {
	return &TradeFeed{
		wsBase: strings.TrimRight(strings.TrimSpace(wsBase), "/"),
		pub:    pub,
		repo:   repo,
	}
}

type aggTradeMsg struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	Maker     bool   `json:"m"`
}

func (f *TradeFeed) Run(ctx context.Context, symbol string) {
	go f.flushLoop(ctx)

	url := fmt.Sprintf("%s/ws/%s@aggTrade", f.wsBase, strings.ToLower(symbol))
	backoff := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := exchange.Dial(ctx, url)
		if err != nil {
			log.Warn().Str("exchange", exchange.NameBinance).Err(err).Msg("trade ws dial failed")
			if !exchange.SleepCtx(ctx, exchange.Backoff(backoff)) {
				return
			}
			backoff++
			continue
		}
		backoff = 0
		log.Info().Str("symbol", symbol).Msg("binance trade stream connected")

		err = exchange.ReadLoop(ctx, conn, func(raw []byte) {
			f.onFrame(ctx, raw, symbol)
		})
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("binance trade stream disconnected, reconnecting")
		if !exchange.SleepCtx(ctx, exchange.Backoff(backoff)) {
			return
		}
		backoff++
	}
}

func (f *TradeFeed) onFrame(ctx context.Context, raw []byte, symbol string) {
	var msg aggTradeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event != "aggTrade" {
		return
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return
	}
	qty, err := strconv.ParseFloat(msg.Qty, 64)
	if err != nil {
		return
	}

	// m=true means the buyer is the maker, so the taker sold
	side := "buy"
	if msg.Maker {
		side = "sell"
	}
	trade := domain.Trade{
		Time:     msg.EventTime,
		Price:    price,
		Qty:      qty,
		Side:     side,
		Exchange: exchange.NameBinance,
		Symbol:   strings.ToUpper(symbol),
	}

	f.mu.Lock()
	f.batch = append(f.batch, trade)
	f.mu.Unlock()

	if f.repo != nil {
		if err := f.repo.SaveTrade(ctx, trade); err != nil {
			log.Error().Err(err).Msg("trade persist failed")
		}
	}
}

// flushLoop broadcasts batched trades every 250ms instead of per message.
func (f *TradeFeed) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(tradeFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			batch := f.batch
			f.batch = nil
			f.mu.Unlock()
			if len(batch) > 0 {
				f.pub.Broadcast("trades", batch)
			}
		}
	}
}
