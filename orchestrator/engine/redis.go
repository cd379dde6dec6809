package engine

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/zaporter/trl/orchestrator/config"
)

// Connect dials redis and pings it. cfg has already had REDIS_ADDRESS,
// REDIS_PORT and REDIS_PASSWORD applied by the config loader.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" || cfg.Port == "" {
		return nil, errors.New("redis address and port must be set (REDIS_ADDRESS, REDIS_PORT)")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: 3,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
