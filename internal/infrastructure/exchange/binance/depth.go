package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"terminus/internal/domain"
	"terminus/internal/infrastructure/exchange"
)

// DepthSource is the Binance futures depth feed: REST snapshot plus the
// pu-linked depthUpdate stream.
type DepthSource struct {
	wsBase   string // e.g. wss://fstream.binance.com/ws
	restBase string // e.g. https://fapi.binance.com
	httpc    *http.Client
}

func NewDepthSource(wsBase, restBase string) *DepthSource {
	return &DepthSource{
		wsBase:   strings.TrimRight(strings.TrimSpace(wsBase), "/"),
		restBase: strings.TrimRight(strings.TrimSpace(restBase), "/"),
		httpc:    &http.Client{},
	}
}

func (s *DepthSource) Exchange() string { return exchange.NameBinance }

func (s *DepthSource) DialURL(symbol string) string {
	return fmt.Sprintf("%s/ws/%s@depth@100ms", s.wsBase, strings.ToLower(symbol))
}

// SubscribeFrames is nil: the stream is addressed by URL.
func (s *DepthSource) SubscribeFrames(string) [][]byte { return nil }

type depthSnapshotMsg struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (s *DepthSource) FetchSnapshot(ctx context.Context, symbol string) (*domain.DepthSnapshot, error) {
	url := fmt.Sprintf("%s/fapi/v1/depth?symbol=%s&limit=100", s.restBase, strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depth snapshot status %d", res.StatusCode)
	}

	var msg depthSnapshotMsg
	if err := json.NewDecoder(res.Body).Decode(&msg); err != nil {
		return nil, err
	}
	return &domain.DepthSnapshot{
		LastUpdateID: msg.LastUpdateID,
		Bids:         exchange.ParseLevels(msg.Bids),
		Asks:         exchange.ParseLevels(msg.Asks),
	}, nil
}

// EventTime must be tagged: without it encoding/json matches "E"
// case-insensitively against the "e" string field and the unmarshal fails.
type depthUpdateMsg struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	PrevFinal int64      `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// Decode normalizes a depthUpdate frame. Anything else is ignored.
func (s *DepthSource) Decode(raw []byte, _ string) *domain.DepthEvent {
	var msg depthUpdateMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if msg.Event != "depthUpdate" {
		return nil
	}
	return &domain.DepthEvent{
		Delta: &domain.DepthDelta{
			TerminalSeq: msg.FinalID,
			PrevSeq:     msg.PrevFinal,
			HasPrevSeq:  true,
			Bids:        exchange.ParseLevels(msg.Bids),
			Asks:        exchange.ParseLevels(msg.Asks),
		},
	}
}
