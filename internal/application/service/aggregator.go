package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
)

const aggregateCacheKey = "orderbook.aggregated"

// AggregatorDeps wires the scheduler to its collaborators. Repo and Cache may
// be nil when persistence is disabled.
type AggregatorDeps struct {
	Store            *BookStore
	Pub              port.Publisher
	Repo             port.Repository
	Cache            port.Cache
	PrimaryExchange  string
	DepthLevels      int
	WallThresholdPct float64
	BroadcastEvery   time.Duration
	PersistEvery     time.Duration
}

// Aggregator is the fixed-interval scheduler: on each tick it reads dirty
// books, runs wall detection, and publishes the result. A slower tick
// persists the primary exchange's aggregate. One goroutine, never overlaps
// itself.
type Aggregator struct {
	deps AggregatorDeps
}

func NewAggregator(deps AggregatorDeps) *Aggregator {
	if deps.DepthLevels <= 0 {
		deps.DepthLevels = 25
	}
	if deps.WallThresholdPct <= 0 {
		deps.WallThresholdPct = 3.0
	}
	if deps.BroadcastEvery <= 0 {
		deps.BroadcastEvery = 250 * time.Millisecond
	}
	if deps.PersistEvery <= 0 {
		deps.PersistEvery = 10 * time.Second
	}
	return &Aggregator{deps: deps}
}

func (a *Aggregator) Run(ctx context.Context) {
	broadcast := time.NewTicker(a.deps.BroadcastEvery)
	defer broadcast.Stop()
	persist := time.NewTicker(a.deps.PersistEvery)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-broadcast.C:
			a.broadcastTick(ctx)
		case <-persist.C:
			a.persistTick(ctx)
		}
	}
}

// broadcastTick publishes every book that mutated since the previous tick.
func (a *Aggregator) broadcastTick(ctx context.Context) {
	d := a.deps
	for _, key := range d.Store.Tracked() {
		exchange, symbol := key[0], key[1]
		if !d.Store.ConsumeDirty(exchange, symbol) {
			continue
		}
		agg, ok := d.Store.Aggregated(exchange, symbol, d.DepthLevels, d.WallThresholdPct)
		if !ok {
			continue
		}
		d.Pub.Broadcast("orderbook."+exchange, agg)
		if exchange == d.PrimaryExchange {
			d.Pub.Broadcast(aggregateCacheKey, agg)
			a.cacheAggregate(ctx, agg)
		}
	}
}

func (a *Aggregator) cacheAggregate(ctx context.Context, agg any) {
	if a.deps.Cache == nil {
		return
	}
	b, err := json.Marshal(agg)
	if err != nil {
		return
	}
	if err := a.deps.Cache.Set(ctx, aggregateCacheKey, b, 5); err != nil {
		log.Warn().Err(err).Msg("aggregate cache write failed")
	}
}

func (a *Aggregator) persistTick(ctx context.Context) {
	d := a.deps
	if d.Repo == nil {
		return
	}
	for _, key := range d.Store.Tracked() {
		exchange, symbol := key[0], key[1]
		if exchange != d.PrimaryExchange {
			continue
		}
		agg, ok := d.Store.Aggregated(exchange, symbol, d.DepthLevels, d.WallThresholdPct)
		if !ok {
			continue
		}
		if err := d.Repo.SaveBookSnapshot(ctx, agg); err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("orderbook snapshot persist failed")
		}
	}
}
