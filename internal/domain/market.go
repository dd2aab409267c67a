package domain

// Trade is a normalized executed trade from any exchange.
type Trade struct {
	Time     int64   `json:"time"` // unix ms
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
	Side     string  `json:"side"` // "buy" | "sell"
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
}

// Candle is a normalized OHLCV bar. IsUpdate marks a still-open bar.
type Candle struct {
	Time     int64   `json:"time"` // unix seconds, bar open time
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	IsUpdate bool    `json:"isUpdate"`
}

// Health is the coarse state of one exchange connection.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)
