package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client behind the provider slot registry. Slot
// scripts are short, so timeouts are tight; a slow Redis should fail the
// reservation rather than stall a dispatch cycle.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	ClientName string

	DialTimeout time.Duration
	OpTimeout   time.Duration
	PoolSize    int
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	return out
}

func (c RedisConfig) options() *redis.Options {
	c = c.withDefaults()
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		ClientName:      c.ClientName,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.OpTimeout,
		WriteTimeout:    c.OpTimeout,
		PoolSize:        c.PoolSize,
		PoolTimeout:     c.OpTimeout + time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// OpenRedis creates a traced client and checks connectivity with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	opts := cfg.options()
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis tracing: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}
