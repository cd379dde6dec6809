package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/zaporter/trl/orchestrator/config"
)

// RouterKey is a redis key the python workers read to configure themselves.
type RouterKey string

const (
	RouterRolloutEnabled     RouterKey = "rollout:enabled"
	RouterRolloutModelPath   RouterKey = "rollout:model_path"
	RouterRolloutBatchSize   RouterKey = "rollout:batch_size"
	RouterRolloutGenLen      RouterKey = "rollout:gen_len"
	RouterRolloutTemperature RouterKey = "rollout:temperature"

	RouterTrainingModelPath      RouterKey = "training:model_path"
	RouterTrainingBatchSize      RouterKey = "training:batch_size"
	RouterTrainingLR             RouterKey = "training:lr"
	RouterTrainingPPOEpochs      RouterKey = "training:ppo_epochs"
	RouterTrainingClipRange      RouterKey = "training:cliprange"
	RouterTrainingClipRangeValue RouterKey = "training:cliprange_value"
	RouterTrainingVFCoef         RouterKey = "training:vf_coef"
)

var AllRouterKeys = []RouterKey{
	RouterRolloutEnabled,
	RouterRolloutModelPath,
	RouterRolloutBatchSize,
	RouterRolloutGenLen,
	RouterRolloutTemperature,

	RouterTrainingModelPath,
	RouterTrainingBatchSize,
	RouterTrainingLR,
	RouterTrainingPPOEpochs,
	RouterTrainingClipRange,
	RouterTrainingClipRangeValue,
	RouterTrainingVFCoef,
}

var ErrUnknownRouterKey = errors.New("unknown router key")

func ParseRouterKey(key string) (RouterKey, error) {
	for _, k := range AllRouterKeys {
		if string(k) == key {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownRouterKey, key)
}

// RouterParamsFromConfig derives the worker params for a run.
func RouterParamsFromConfig(cfg *config.TRLConfig) map[RouterKey]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[RouterKey]string{
		RouterRolloutEnabled:     "true",
		RouterRolloutModelPath:   cfg.Model.ModelPath,
		RouterRolloutBatchSize:   strconv.Itoa(cfg.Train.BatchSize),
		RouterRolloutGenLen:      strconv.Itoa(cfg.Method.GenLen),
		RouterRolloutTemperature: f(cfg.Method.Temperature),

		RouterTrainingModelPath:      cfg.Model.ModelPath,
		RouterTrainingBatchSize:      strconv.Itoa(cfg.Train.BatchSize),
		RouterTrainingLR:             f(cfg.Method.LR),
		RouterTrainingPPOEpochs:      strconv.Itoa(cfg.Method.PPOEpochs),
		RouterTrainingClipRange:      f(cfg.Method.ClipRange),
		RouterTrainingClipRangeValue: f(cfg.Method.ClipRangeValue),
		RouterTrainingVFCoef:         f(cfg.Method.VFCoef),
	}
}

func SetRouterParam(ctx context.Context, rdb *redis.Client, key RouterKey, val string) error {
	return rdb.Set(ctx, string(key), val, 0).Err()
}

func SetRouterParams(ctx context.Context, rdb *redis.Client, params map[RouterKey]string) error {
	pipe := rdb.TxPipeline()
	for key, val := range params {
		pipe.Set(ctx, string(key), val, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetRouterParams reads every known key. Unset keys are omitted.
func GetRouterParams(ctx context.Context, rdb *redis.Client) (map[RouterKey]string, error) {
	out := make(map[RouterKey]string, len(AllRouterKeys))
	for _, key := range AllRouterKeys {
		val, err := rdb.Get(ctx, string(key)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error getting %s: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}
