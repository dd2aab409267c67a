package okx

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"terminus/internal/application/port"
	"terminus/internal/domain"
	"terminus/internal/infrastructure/exchange"
)

// DepthSource is the OKX books channel. The feed carries no usable prev/final
// linkage, so every update replaces the visible side wholesale: latest wins,
// a weaker but simpler guarantee than true incremental merging.
type DepthSource struct {
	wsURL string // e.g. wss://ws.okx.com:8443/ws/v5/public
}

func NewDepthSource(wsURL string) *DepthSource {
	return &DepthSource{wsURL: strings.TrimSpace(wsURL)}
}

func (s *DepthSource) Exchange() string { return exchange.NameOKX }

func (s *DepthSource) DialURL(string) string { return s.wsURL }

type subArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subReq struct {
	Op   string   `json:"op"`
	Args []subArg `json:"args"`
}

func (s *DepthSource) SubscribeFrames(symbol string) [][]byte {
	req := subReq{Op: "subscribe", Args: []subArg{{Channel: "books", InstID: instIDFor(symbol)}}}
	b, _ := json.Marshal(req)
	return [][]byte{b}
}

// instIDFor maps BTCUSDT to OKX's BTC-USDT-SWAP contract naming.
func instIDFor(symbol string) string {
	return strings.Replace(strings.ToUpper(symbol), "USDT", "-USDT-SWAP", 1)
}

func (s *DepthSource) FetchSnapshot(context.Context, string) (*domain.DepthSnapshot, error) {
	return nil, port.ErrSnapshotUnsupported
}

type booksMsg struct {
	Arg    subArg `json:"arg"`
	Action string `json:"action"`
	Data   []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

func (s *DepthSource) Decode(raw []byte, symbol string) *domain.DepthEvent {
	var msg booksMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if msg.Arg.Channel != "books" || msg.Arg.InstID != instIDFor(symbol) || len(msg.Data) == 0 {
		return nil
	}
	book := msg.Data[0]
	ts, _ := strconv.ParseInt(book.Ts, 10, 64)
	bids := exchange.ParseLevels(book.Bids)
	asks := exchange.ParseLevels(book.Asks)

	switch msg.Action {
	case "snapshot":
		return &domain.DepthEvent{
			Snapshot: &domain.DepthSnapshot{
				LastUpdateID: ts,
				Bids:         bids,
				Asks:         asks,
			},
		}
	case "update":
		return &domain.DepthEvent{
			Delta: &domain.DepthDelta{
				TerminalSeq: ts,
				SideReplace: true,
				Bids:        bids,
				Asks:        asks,
			},
		}
	}
	return nil
}
