package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"terminus/internal/application/port"
	"terminus/internal/domain"
	"terminus/internal/infrastructure/exchange"
)

// DepthSource is the Bybit v5 linear orderbook feed. The server pushes a
// typed snapshot on subscribe and seq-chained deltas after it; a reconnect
// replays the snapshot, so resync needs no REST call.
type DepthSource struct {
	wsURL string // e.g. wss://stream.bybit.com/v5/public/linear
}

func NewDepthSource(wsURL string) *DepthSource {
	return &DepthSource{wsURL: strings.TrimSpace(wsURL)}
}

func (s *DepthSource) Exchange() string { return exchange.NameBybit }

func (s *DepthSource) DialURL(string) string { return s.wsURL }

type subReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (s *DepthSource) SubscribeFrames(symbol string) [][]byte {
	req := subReq{Op: "subscribe", Args: []string{topicFor(symbol)}}
	b, _ := json.Marshal(req)
	return [][]byte{b}
}

func topicFor(symbol string) string {
	return fmt.Sprintf("orderbook.50.%s", strings.ToUpper(symbol))
}

func (s *DepthSource) FetchSnapshot(context.Context, string) (*domain.DepthSnapshot, error) {
	return nil, port.ErrSnapshotUnsupported
}

type orderbookMsg struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		Seq  int64      `json:"seq"`
	} `json:"data"`
}

// Decode handles snapshot and delta frames of the subscribed topic. Deltas
// chain as seq == lastSeq+1, expressed here as PrevSeq = seq-1.
func (s *DepthSource) Decode(raw []byte, symbol string) *domain.DepthEvent {
	var msg orderbookMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if msg.Topic != topicFor(symbol) {
		return nil
	}

	bids := exchange.ParseLevels(msg.Data.Bids)
	asks := exchange.ParseLevels(msg.Data.Asks)

	switch msg.Type {
	case "snapshot":
		return &domain.DepthEvent{
			Snapshot: &domain.DepthSnapshot{
				LastUpdateID: msg.Data.Seq,
				Bids:         bids,
				Asks:         asks,
			},
		}
	case "delta":
		return &domain.DepthEvent{
			Delta: &domain.DepthDelta{
				TerminalSeq: msg.Data.Seq,
				PrevSeq:     msg.Data.Seq - 1,
				HasPrevSeq:  true,
				Bids:        bids,
				Asks:        asks,
			},
		}
	}
	return nil
}
