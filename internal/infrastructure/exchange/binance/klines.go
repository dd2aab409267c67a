package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
	"terminus/internal/domain"
	"terminus/internal/infrastructure/exchange"
)

// liveThrottle limits 1m in-progress bar updates; closed bars and slower
// intervals always go out.
const liveThrottle = 500 * time.Millisecond

var persistIntervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "1h": true, "4h": true, "1d": true,
}

// KlineFeed streams kline updates for a set of intervals over one combined
// stream, broadcasting per-interval candle topics and persisting closed bars.
type KlineFeed struct {
	wsBase    string
	intervals []string
	pub       port.Publisher
	repo      port.Repository
	cache     port.Cache

	lastLiveSent atomic.Int64 // unix nano; read loops overlap across reconnects
}

func NewKlineFeed(wsBase string, intervals []string, pub port.Publisher, repo port.Repository, cache port.Cache) *KlineFeed {
	return &KlineFeed{
		wsBase:    strings.TrimRight(strings.TrimSpace(wsBase), "/"),
		intervals: intervals,
		pub:       pub,
		repo:      repo,
		cache:     cache,
	}
}

// EventTime must be tagged so "E" cannot collide with the "e" string field
// under case-insensitive matching.
type klineCombined struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string   `json:"e"`
		EventTime int64    `json:"E"`
		K         klinePay `json:"k"`
	} `json:"data"`
}

type klinePay struct {
	Start    int64  `json:"t"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	Closed   bool   `json:"x"`
	Interval string `json:"i"`
}

func (f *KlineFeed) streamURL(symbol string) string {
	streams := make([]string, 0, len(f.intervals))
	for _, i := range f.intervals {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), i))
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.wsBase, strings.Join(streams, "/"))
}

func (f *KlineFeed) Run(ctx context.Context, symbol string) {
	url := f.streamURL(symbol)
	backoff := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := exchange.Dial(ctx, url)
		if err != nil {
			log.Warn().Str("exchange", exchange.NameBinance).Err(err).Msg("kline ws dial failed")
			if !exchange.SleepCtx(ctx, exchange.Backoff(backoff)) {
				return
			}
			backoff++
			continue
		}
		backoff = 0
		log.Info().Str("symbol", symbol).Strs("intervals", f.intervals).Msg("binance kline streams connected")

		err = exchange.ReadLoop(ctx, conn, func(raw []byte) {
			f.onFrame(ctx, raw, symbol)
		})
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("binance kline stream disconnected, reconnecting")
		if !exchange.SleepCtx(ctx, exchange.Backoff(backoff)) {
			return
		}
		backoff++
	}
}

func (f *KlineFeed) onFrame(ctx context.Context, raw []byte, symbol string) {
	var msg klineCombined
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Event != "kline" {
		return
	}
	k := msg.Data.K
	sym := strings.ToUpper(symbol)

	candle := domain.Candle{
		Time:     k.Start / 1000,
		Open:     parseF(k.Open),
		High:     parseF(k.High),
		Low:      parseF(k.Low),
		Close:    parseF(k.Close),
		Volume:   parseF(k.Volume),
		Exchange: exchange.NameBinance,
		Symbol:   sym,
		Interval: k.Interval,
		IsUpdate: !k.Closed,
	}
	topic := fmt.Sprintf("candles.%s.%s.%s", exchange.NameBinance, sym, k.Interval)

	now := time.Now().UnixNano()
	is1m := k.Interval == "1m"
	if k.Closed || !is1m || now-f.lastLiveSent.Load() > int64(liveThrottle) {
		f.pub.Broadcast(topic, candle)
		if is1m {
			f.lastLiveSent.Store(now)
		}
	}

	if f.cache != nil {
		price := strconv.FormatFloat(candle.Close, 'f', -1, 64)
		if err := f.cache.Set(ctx, "price:"+sym, []byte(price), 0); err != nil {
			log.Warn().Err(err).Msg("price cache write failed")
		}
	}

	if k.Closed && persistIntervals[k.Interval] && f.repo != nil {
		if err := f.repo.SaveCandle(ctx, candle); err != nil {
			log.Error().Err(err).Str("interval", k.Interval).Msg("candle persist failed")
		}
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
