package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"terminus/internal/application/port"
	"terminus/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS ohlcv_candles (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  interval TEXT NOT NULL,
  open_time INTEGER NOT NULL,
  open REAL NOT NULL,
  high REAL NOT NULL,
  low REAL NOT NULL,
  close REAL NOT NULL,
  volume REAL NOT NULL,
  UNIQUE(exchange, symbol, interval, open_time)
);
CREATE INDEX IF NOT EXISTS idx_candles_lookup ON ohlcv_candles(symbol, interval, open_time);

CREATE TABLE IF NOT EXISTS orderbook_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  best_bid REAL,
  best_ask REAL,
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_book_snapshots_ts ON orderbook_snapshots(symbol, ts_ms);

CREATE TABLE IF NOT EXISTS big_trades (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  price REAL NOT NULL,
  qty REAL NOT NULL,
  side TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_big_trades_ts ON big_trades(symbol, ts_ms);
`)
	return err
}

func (r *Repo) SaveBookSnapshot(ctx context.Context, book domain.AggregatedBook) error {
	payload, err := json.Marshal(book)
	if err != nil {
		return err
	}
	var bestBid, bestAsk sql.NullFloat64
	if len(book.Bids) > 0 {
		bestBid = sql.NullFloat64{Float64: book.Bids[0].Price, Valid: true}
	}
	if len(book.Asks) > 0 {
		bestAsk = sql.NullFloat64{Float64: book.Asks[0].Price, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orderbook_snapshots(exchange, symbol, ts_ms, best_bid, best_ask, payload)
		VALUES(?, ?, ?, ?, ?, ?)
	`, book.Exchange, book.Symbol, book.Time, bestBid, bestAsk, string(payload))
	return err
}

func (r *Repo) SaveCandle(ctx context.Context, c domain.Candle) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ohlcv_candles(exchange, symbol, interval, open_time, open, high, low, close, volume)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, symbol, interval, open_time) DO UPDATE SET
		high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume
	`, c.Exchange, c.Symbol, c.Interval, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	return err
}

func (r *Repo) SaveTrade(ctx context.Context, t domain.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO big_trades(exchange, symbol, ts_ms, price, qty, side)
		VALUES(?, ?, ?, ?, ?, ?)
	`, t.Exchange, t.Symbol, t.Time, t.Price, t.Qty, t.Side)
	return err
}

var _ port.Repository = (*Repo)(nil)
