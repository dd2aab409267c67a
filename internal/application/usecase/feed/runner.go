package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
)

// StartFunc is one blocking feed loop bound to a symbol: depth controllers,
// trade streams, kline streams, pollers. It returns when ctx is cancelled.
type StartFunc func(ctx context.Context, symbol string)

type RunnerDeps struct {
	Pub    port.Publisher
	Starts []StartFunc
}

// Runner owns the per-symbol feed goroutines and restarts them as a group
// when the tracked symbol changes. One switch at a time; feeds for the old
// symbol are fully stopped before the new ones start.
type Runner struct {
	deps RunnerDeps

	switchMu sync.Mutex // serializes Switch end to end

	mu     sync.Mutex
	symbol string
	parent context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func NewRunner(deps RunnerDeps, symbol string) *Runner {
	return &Runner{deps: deps, symbol: strings.ToUpper(symbol)}
}

// Symbol reports the currently tracked symbol.
func (r *Runner) Symbol() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbol
}

// Run starts the feeds and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.deps.Starts) == 0 {
		return errors.New("no feeds configured")
	}

	r.mu.Lock()
	r.parent = ctx
	r.startLocked()
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	cancel, wg := r.cancel, r.wg
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	return ctx.Err()
}

// startLocked launches one goroutine per feed for the current symbol.
// Caller holds r.mu.
func (r *Runner) startLocked() {
	ctx, cancel := context.WithCancel(r.parent)
	wg := &sync.WaitGroup{}
	r.cancel = cancel
	r.wg = wg

	for _, start := range r.deps.Starts {
		wg.Add(1)
		go func(fn StartFunc, sym string) {
			defer wg.Done()
			fn(ctx, sym)
		}(start, r.symbol)
	}
	log.Info().Str("symbol", r.symbol).Int("feeds", len(r.deps.Starts)).Msg("feeds started")
}

// Switch stops every feed of the old symbol, waits for them to exit, and
// starts the group again on the new one. Concurrent calls run one at a time:
// two switches racing past the same group would both cancel it and the loser
// would leak a second group on the stale symbol.
func (r *Runner) Switch(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}

	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	if r.parent == nil || symbol == r.symbol {
		r.mu.Unlock()
		return
	}
	old := r.symbol
	cancel, wg := r.cancel, r.wg
	r.mu.Unlock()

	log.Info().Str("from", old).Str("to", symbol).Msg("switching symbol")
	cancel()
	wg.Wait()

	r.mu.Lock()
	r.symbol = symbol
	if r.parent.Err() == nil {
		r.startLocked()
	}
	r.mu.Unlock()

	r.deps.Pub.Broadcast("symbol_changed", map[string]string{"from": old, "to": symbol})
}

type controlMsg struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// HandleControl is the hub's sink for non-subscription client messages.
func (r *Runner) HandleControl(clientID string, raw []byte) {
	var msg controlMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Action {
	case "switch_symbol":
		log.Info().Str("client", clientID).Str("symbol", msg.Symbol).Msg("symbol switch requested")
		go r.Switch(msg.Symbol)
	}
}
