package bybit

import (
	"context"
	"errors"
	"testing"

	"terminus/internal/application/port"
)

func TestSubscribeFrames(t *testing.T) {
	s := NewDepthSource("wss://stream.bybit.com/v5/public/linear")
	frames := s.SubscribeFrames("btcusdt")
	if len(frames) != 1 {
		t.Fatalf("expected 1 subscribe frame, got %d", len(frames))
	}
	want := `{"op":"subscribe","args":["orderbook.50.BTCUSDT"]}`
	if string(frames[0]) != want {
		t.Errorf("frame = %s, want %s", frames[0], want)
	}
}

func TestFetchSnapshotUnsupported(t *testing.T) {
	s := NewDepthSource("wss://stream.bybit.com/v5/public/linear")
	_, err := s.FetchSnapshot(context.Background(), "BTCUSDT")
	if !errors.Is(err, port.ErrSnapshotUnsupported) {
		t.Errorf("expected ErrSnapshotUnsupported, got %v", err)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	s := NewDepthSource("wss://stream.bybit.com/v5/public/linear")
	raw := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot",` +
		`"data":{"b":[["49999","2"]],"a":[["50001","3"]],"seq":7000}}`)

	ev := s.Decode(raw, "BTCUSDT")
	if ev == nil || ev.Snapshot == nil {
		t.Fatal("expected snapshot event")
	}
	if ev.Snapshot.LastUpdateID != 7000 {
		t.Errorf("expected seq 7000, got %d", ev.Snapshot.LastUpdateID)
	}
	if len(ev.Snapshot.Bids) != 1 || ev.Snapshot.Bids[0].Price != 49999 {
		t.Errorf("unexpected bids %+v", ev.Snapshot.Bids)
	}
}

func TestDecodeDeltaChainsSeq(t *testing.T) {
	s := NewDepthSource("wss://stream.bybit.com/v5/public/linear")
	raw := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta",` +
		`"data":{"b":[["49999","0"]],"a":[],"seq":7001}}`)

	ev := s.Decode(raw, "BTCUSDT")
	if ev == nil || ev.Delta == nil {
		t.Fatal("expected delta event")
	}
	d := ev.Delta
	if d.TerminalSeq != 7001 || d.PrevSeq != 7000 || !d.HasPrevSeq {
		t.Errorf("unexpected sequencing %+v", d)
	}
	if d.SideReplace {
		t.Error("bybit deltas are true diffs")
	}
}

func TestDecodeFiltersForeignTopics(t *testing.T) {
	s := NewDepthSource("wss://stream.bybit.com/v5/public/linear")
	raw := []byte(`{"topic":"orderbook.50.ETHUSDT","type":"delta","data":{"seq":1}}`)
	if ev := s.Decode(raw, "BTCUSDT"); ev != nil {
		t.Errorf("expected foreign topic ignored, got %+v", ev)
	}
	if ev := s.Decode([]byte(`{"op":"pong"}`), "BTCUSDT"); ev != nil {
		t.Errorf("expected non-book frame ignored, got %+v", ev)
	}
}
