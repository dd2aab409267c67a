package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
	"terminus/internal/infrastructure/config"
	"terminus/internal/infrastructure/storage/composite"
	"terminus/internal/infrastructure/storage/postgres"
	redisrepo "terminus/internal/infrastructure/storage/redis"
	sqliterepo "terminus/internal/infrastructure/storage/sqlite"
)

// Container bootstraps the storage backends declared in config and owns
// their lifecycle. Backends with an empty address are simply skipped.
type Container struct {
	cfg         *config.Config
	redisClient *redis.Client
	cache       *redisrepo.Cache
	repo        port.Repository
	closeOnce   sync.Once
	closerChain []func() error
}

func New(cfg *config.Config) (*Container, error) {
	c := &Container{cfg: cfg}

	if err := c.initStorage(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initStorage() error {
	if strings.TrimSpace(c.cfg.Storage.RedisAddr) != "" {
		if err := c.initRedis(); err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
	}

	var repos []port.Repository
	if dsn := strings.TrimSpace(c.cfg.Storage.PostgresDSN); dsn != "" {
		repo, err := postgres.New(dsn)
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		repos = append(repos, repo)
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("postgres initialized")
	}
	if path := strings.TrimSpace(c.cfg.Storage.SQLitePath); path != "" {
		repo, err := sqliterepo.New(path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		repos = append(repos, repo)
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", path).Msg("sqlite initialized")
	}

	if len(repos) > 0 {
		c.repo = composite.New(repos...)
	}
	return nil
}

func (c *Container) initRedis() error {
	rdb := redis.NewClient(&redis.Options{
		Addr: c.cfg.Storage.RedisAddr,
		DB:   c.cfg.Storage.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisClient = rdb
	c.cache = redisrepo.NewCache(rdb, c.cfg.Storage.RedisPrefix)
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", c.cfg.Storage.RedisAddr).
		Int("db", c.cfg.Storage.RedisDB).
		Msg("redis initialized")
	return nil
}

func (c *Container) Config() *config.Config { return c.cfg }

func (c *Container) RedisClient() *redis.Client { return c.redisClient }

// Cache is nil when redis is not configured.
func (c *Container) Cache() port.Cache {
	if c.cache == nil {
		return nil
	}
	return c.cache
}

// Repository is nil when no durable backend is configured.
func (c *Container) Repository() port.Repository { return c.repo }

// Close releases resources in reverse init order.
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
