package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	appcontainer "terminus/internal/application/container"
	"terminus/internal/application/service"
	"terminus/internal/application/usecase/feed"
	"terminus/internal/infrastructure/config"
	infracontainer "terminus/internal/infrastructure/container"
	"terminus/internal/infrastructure/exchange"
	"terminus/internal/infrastructure/exchange/binance"
	"terminus/internal/infrastructure/exchange/bybit"
	"terminus/internal/infrastructure/exchange/okx"
	"terminus/internal/infrastructure/hub"
	"terminus/internal/infrastructure/logger"
	redisrepo "terminus/internal/infrastructure/storage/redis"
	"terminus/internal/interfaces/httpapi"
)

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ic, err := infracontainer.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}
	defer ic.Close()

	app := appcontainer.New(ic.Repository(), ic.Cache())
	store := app.BookStore()
	health := app.HealthRegistry()

	h := hub.New(hub.Limits{
		MaxConnsPerIP:    cfg.Hub.MaxConnsPerIP,
		MaxMsgsPerSec:    cfg.Hub.MaxMsgsPerSec,
		MaxBufferedBytes: cfg.Hub.MaxBufferedBytes,
		HeartbeatEvery:   time.Duration(cfg.Hub.HeartbeatSec) * time.Second,
	})
	go h.Run(ctx)

	var starts []feed.StartFunc
	if cfg.Exchange.Binance.Enabled {
		ws, rest := cfg.Exchange.Binance.WsURL, cfg.Exchange.Binance.RestURL
		starts = append(starts,
			func(ctx context.Context, sym string) {
				exchange.NewDepthController(binance.NewDepthSource(ws, rest), store, health, sym).Run(ctx)
			},
			func(ctx context.Context, sym string) {
				binance.NewTradeFeed(ws, h, app.Repository()).Run(ctx, sym)
			},
			func(ctx context.Context, sym string) {
				binance.NewKlineFeed(ws, cfg.App.KlineIntervals, h, app.Repository(), app.Cache()).Run(ctx, sym)
			},
			func(ctx context.Context, sym string) {
				binance.NewPoller(rest, h).Run(ctx, sym)
			},
		)
	} else {
		log.Warn().Msg("binance disabled by config")
	}
	if cfg.Exchange.Bybit.Enabled {
		ws := cfg.Exchange.Bybit.WsURL
		starts = append(starts, func(ctx context.Context, sym string) {
			exchange.NewDepthController(bybit.NewDepthSource(ws), store, health, sym).Run(ctx)
		})
	} else {
		log.Warn().Msg("bybit disabled by config")
	}
	if cfg.Exchange.OKX.Enabled {
		ws := cfg.Exchange.OKX.WsURL
		starts = append(starts, func(ctx context.Context, sym string) {
			exchange.NewDepthController(okx.NewDepthSource(ws), store, health, sym).Run(ctx)
		})
	} else {
		log.Warn().Msg("okx disabled by config")
	}

	runner := feed.NewRunner(feed.RunnerDeps{Pub: h, Starts: starts}, cfg.App.Symbol)
	h.SetControlHandler(runner.HandleControl)

	aggregator := service.NewAggregator(service.AggregatorDeps{
		Store:            store,
		Pub:              h,
		Repo:             app.Repository(),
		Cache:            app.Cache(),
		PrimaryExchange:  cfg.App.PrimaryExchange,
		DepthLevels:      cfg.App.DepthLevels,
		WallThresholdPct: cfg.App.WallThresholdPct,
	})
	go aggregator.Run(ctx)

	if ic.RedisClient() != nil {
		go redisrepo.NewAlertRelay(ic.RedisClient(), h).Run(ctx)
	}

	srv := httpapi.New(cfg.Server.Listen, httpapi.Deps{
		Hub:    h,
		Cache:  app.Cache(),
		Repo:   app.Repository(),
		Health: health,
		Symbol: runner.Symbol,
	})
	go func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server exited")
		}
	}()

	log.Info().
		Str("config", *configPath).
		Str("symbol", cfg.App.Symbol).
		Str("primary", cfg.App.PrimaryExchange).
		Bool("binance_enabled", cfg.Exchange.Binance.Enabled).
		Bool("bybit_enabled", cfg.Exchange.Bybit.Enabled).
		Bool("okx_enabled", cfg.Exchange.OKX.Enabled).
		Msg("terminus started")

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("feed runner exited")
	}
	log.Warn().Msg("exit")
}
