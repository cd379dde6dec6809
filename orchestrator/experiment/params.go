package experiment

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/engine"
)

func setParams(ctx context.Context, redisCfg config.RedisConfig, params map[string]any) error {
	redisCfg.ApplyEnv()
	if redisCfg.Port == "" {
		redisCfg.Port = "6379"
	}
	rdb, err := engine.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	return applyParams(ctx, rdb, params)
}

// applyParams checks every key before writing any of them.
func applyParams(ctx context.Context, rdb *redis.Client, params map[string]any) error {
	logger := zerolog.Ctx(ctx)
	parsed := make(map[engine.RouterKey]string, len(params))
	for key, value := range params {
		k, err := engine.ParseRouterKey(key)
		if err != nil {
			return err
		}
		parsed[k] = fmt.Sprint(value)
	}
	if err := engine.SetRouterParams(ctx, rdb, parsed); err != nil {
		return err
	}
	keys := make([]string, 0, len(parsed))
	for k := range parsed {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		logger.Info().Msgf("%s = %v", k, parsed[engine.RouterKey(k)])
	}
	return nil
}
