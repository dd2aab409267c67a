package composite

import (
	"context"

	"terminus/internal/application/port"
	"terminus/internal/domain"
)

// Repo fans every write out to all configured backends; the first error wins
// but never stops the remaining writes.
type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) SaveBookSnapshot(ctx context.Context, book domain.AggregatedBook) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveBookSnapshot(ctx, book); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) SaveCandle(ctx context.Context, c domain.Candle) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveCandle(ctx, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) SaveTrade(ctx context.Context, t domain.Trade) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveTrade(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Ping(ctx context.Context) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.Ping(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.Repository = (*Repo)(nil)
