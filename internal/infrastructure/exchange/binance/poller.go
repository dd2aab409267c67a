package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
)

const pollEvery = 60 * time.Second

// Poller fetches funding rate history and open interest over REST and
// broadcasts both, the one stream clients cannot get live.
type Poller struct {
	restBase string
	pub      port.Publisher
	httpc    *http.Client
}

func NewPoller(restBase string, pub port.Publisher) *Poller {
	return &Poller{
		restBase: strings.TrimRight(strings.TrimSpace(restBase), "/"),
		pub:      pub,
		httpc:    &http.Client{Timeout: 10 * time.Second},
	}
}

type fundingEntry struct {
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
}

type fundingPoint struct {
	Time int64   `json:"time"`
	Rate float64 `json:"rate"`
}

type openInterestMsg struct {
	Time         int64  `json:"time"`
	OpenInterest string `json:"openInterest"`
}

func (p *Poller) Run(ctx context.Context, symbol string) {
	sym := strings.ToUpper(symbol)
	p.poll(ctx, sym)

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, sym)
		}
	}
}

func (p *Poller) poll(ctx context.Context, symbol string) {
	if rates, err := p.fetchFunding(ctx, symbol); err != nil {
		log.Error().Err(err).Msg("funding rate poll failed")
	} else if len(rates) > 0 {
		p.pub.Broadcast("funding_rate", rates)
	}

	if oi, err := p.fetchOpenInterest(ctx, symbol); err != nil {
		log.Error().Err(err).Msg("open interest poll failed")
	} else {
		p.pub.Broadcast("open_interest", oi)
	}
}

func (p *Poller) fetchFunding(ctx context.Context, symbol string) ([]fundingPoint, error) {
	url := fmt.Sprintf("%s/fapi/v1/fundingRate?symbol=%s&limit=100", p.restBase, symbol)
	var entries []fundingEntry
	if err := p.getJSON(ctx, url, &entries); err != nil {
		return nil, err
	}
	out := make([]fundingPoint, 0, len(entries))
	for _, e := range entries {
		rate, err := strconv.ParseFloat(e.FundingRate, 64)
		if err != nil {
			continue
		}
		out = append(out, fundingPoint{Time: e.FundingTime, Rate: rate})
	}
	return out, nil
}

func (p *Poller) fetchOpenInterest(ctx context.Context, symbol string) (map[string]any, error) {
	url := fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", p.restBase, symbol)
	var msg openInterestMsg
	if err := p.getJSON(ctx, url, &msg); err != nil {
		return nil, err
	}
	oi, err := strconv.ParseFloat(msg.OpenInterest, 64)
	if err != nil {
		return nil, err
	}
	return map[string]any{"time": msg.Time, "oi": oi}, nil
}

func (p *Poller) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(v)
}
