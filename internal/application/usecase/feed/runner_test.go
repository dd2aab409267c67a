package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (m *mockPublisher) Broadcast(topic string, _ any) {
	m.mu.Lock()
	m.topics = append(m.topics, topic)
	m.mu.Unlock()
}

func (m *mockPublisher) SendToClient(string, string, any) {}

func (m *mockPublisher) has(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topics {
		if t == topic {
			return true
		}
	}
	return false
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

func TestRunnerRequiresFeeds(t *testing.T) {
	r := NewRunner(RunnerDeps{Pub: &mockPublisher{}}, "BTCUSDT")
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error without feeds")
	}
}

func TestRunnerStartsFeedsWithSymbol(t *testing.T) {
	started := make(chan string, 8)
	start := func(ctx context.Context, sym string) {
		started <- sym
		<-ctx.Done()
	}
	r := NewRunner(RunnerDeps{
		Pub:    &mockPublisher{},
		Starts: []StartFunc{start, start},
	}, "btcusdt")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case sym := <-started:
			if sym != "BTCUSDT" {
				t.Errorf("expected normalized symbol, got %q", sym)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("feed did not start")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunnerSwitchRestartsFeeds(t *testing.T) {
	started := make(chan string, 8)
	start := func(ctx context.Context, sym string) {
		started <- sym
		<-ctx.Done()
	}
	pub := &mockPublisher{}
	r := NewRunner(RunnerDeps{Pub: pub, Starts: []StartFunc{start}}, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if sym := <-started; sym != "BTCUSDT" {
		t.Fatalf("unexpected initial symbol %q", sym)
	}

	r.Switch("ethusdt")
	if sym := <-started; sym != "ETHUSDT" {
		t.Fatalf("expected feed restarted on ETHUSDT, got %q", sym)
	}
	if got := r.Symbol(); got != "ETHUSDT" {
		t.Errorf("Symbol() = %q", got)
	}
	if !pub.has("symbol_changed") {
		t.Error("expected symbol_changed broadcast")
	}
}

func TestConcurrentSwitchesLeaveOneFeedGroup(t *testing.T) {
	var running atomic.Int64
	start := func(ctx context.Context, sym string) {
		running.Add(1)
		defer running.Add(-1)
		<-ctx.Done()
	}
	r := NewRunner(RunnerDeps{Pub: &mockPublisher{}, Starts: []StartFunc{start}}, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, func() bool { return running.Load() == 1 })

	var wg sync.WaitGroup
	for _, sym := range []string{"ETHUSDT", "SOLUSDT", "XRPUSDT", "ETHUSDT"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			r.Switch(s)
		}(sym)
	}
	wg.Wait()

	if got := running.Load(); got != 1 {
		t.Errorf("expected exactly one feed group after racing switches, got %d", got)
	}
}

func TestRunnerSwitchSameSymbolIsNoop(t *testing.T) {
	started := make(chan string, 8)
	start := func(ctx context.Context, sym string) {
		started <- sym
		<-ctx.Done()
	}
	pub := &mockPublisher{}
	r := NewRunner(RunnerDeps{Pub: pub, Starts: []StartFunc{start}}, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	<-started

	r.Switch("BTCUSDT")
	r.Switch("")
	select {
	case sym := <-started:
		t.Fatalf("feed restarted without a symbol change: %q", sym)
	case <-time.After(50 * time.Millisecond):
	}
	if pub.has("symbol_changed") {
		t.Error("no broadcast expected for a no-op switch")
	}
}

func TestHandleControlSwitchSymbol(t *testing.T) {
	started := make(chan string, 8)
	start := func(ctx context.Context, sym string) {
		started <- sym
		<-ctx.Done()
	}
	r := NewRunner(RunnerDeps{Pub: &mockPublisher{}, Starts: []StartFunc{start}}, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	<-started

	r.HandleControl("client_1", []byte(`{"action":"switch_symbol","symbol":"SOLUSDT"}`))
	waitFor(t, func() bool { return r.Symbol() == "SOLUSDT" })

	// unknown actions and garbage are ignored
	r.HandleControl("client_1", []byte(`{"action":"replay"}`))
	r.HandleControl("client_1", []byte(`garbage`))
	if got := r.Symbol(); got != "SOLUSDT" {
		t.Errorf("Symbol() = %q after ignored messages", got)
	}
}
