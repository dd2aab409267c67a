package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type ExchangeConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
	RestURL string `toml:"rest_url"`
}

type Config struct {
	App struct {
		Symbol           string   `toml:"symbol"`
		PrimaryExchange  string   `toml:"primary_exchange"`
		DepthLevels      int      `toml:"depth_levels"`
		WallThresholdPct float64  `toml:"wall_threshold_pct"`
		KlineIntervals   []string `toml:"kline_intervals"`
	} `toml:"app"`

	Server struct {
		Listen string `toml:"listen"`
	} `toml:"server"`

	Hub struct {
		MaxConnsPerIP    int   `toml:"max_conns_per_ip"`
		MaxMsgsPerSec    int   `toml:"max_msgs_per_sec"`
		MaxBufferedBytes int64 `toml:"max_buffered_bytes"`
		HeartbeatSec     int   `toml:"heartbeat_sec"`
	} `toml:"hub"`

	Exchange struct {
		Binance ExchangeConfig `toml:"binance"`
		Bybit   ExchangeConfig `toml:"bybit"`
		OKX     ExchangeConfig `toml:"okx"`
	} `toml:"exchange"`

	Storage struct {
		PostgresDSN string `toml:"postgres_dsn"`
		SQLitePath  string `toml:"sqlite_path"`
		RedisAddr   string `toml:"redis_addr"`
		RedisDB     int    `toml:"redis_db"`
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"storage"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.App.Symbol) == "" {
		cfg.App.Symbol = "BTCUSDT"
	}
	if strings.TrimSpace(cfg.App.PrimaryExchange) == "" {
		cfg.App.PrimaryExchange = "binance"
	}
	if cfg.App.DepthLevels <= 0 {
		cfg.App.DepthLevels = 25
	}
	if cfg.App.WallThresholdPct <= 0 {
		cfg.App.WallThresholdPct = 3.0
	}
	if len(cfg.App.KlineIntervals) == 0 {
		cfg.App.KlineIntervals = []string{"1m", "5m", "15m", "1h", "4h", "1d"}
	}
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = ":8080"
	}
}

func validate(cfg *Config) error {
	cfg.App.Symbol = strings.ToUpper(strings.TrimSpace(cfg.App.Symbol))
	cfg.App.PrimaryExchange = strings.ToLower(strings.TrimSpace(cfg.App.PrimaryExchange))

	for name, ex := range map[string]ExchangeConfig{
		"binance": cfg.Exchange.Binance,
		"bybit":   cfg.Exchange.Bybit,
		"okx":     cfg.Exchange.OKX,
	} {
		if ex.Enabled && strings.TrimSpace(ex.WsURL) == "" {
			return fmt.Errorf("exchange.%s.ws_url empty but enabled", name)
		}
	}
	if cfg.Exchange.Binance.Enabled && strings.TrimSpace(cfg.Exchange.Binance.RestURL) == "" {
		return errors.New("exchange.binance.rest_url empty but enabled")
	}
	return nil
}
