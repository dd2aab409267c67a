package port

import (
	"context"

	"terminus/internal/domain"
)

// Repository persists market data aggregates. Implementations must be safe
// for concurrent use; failures are logged by callers and never fatal.
type Repository interface {
	SaveBookSnapshot(ctx context.Context, book domain.AggregatedBook) error
	SaveCandle(ctx context.Context, c domain.Candle) error
	SaveTrade(ctx context.Context, t domain.Trade) error
	Ping(ctx context.Context) error
	Close() error
}

// Cache is a short-TTL byte cache for latest aggregates and prices.
type Cache interface {
	Set(ctx context.Context, key string, payload []byte, ttlSeconds int) error
	Get(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
}
