package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/dataset"
	"github.com/zaporter/trl/orchestrator/model"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"github.com/zaporter/trl/orchestrator/registry"
)

// NewSource builds the dataset source named by cfg.Source. rdb is only
// needed for the redis source.
func NewSource(cfg config.DatasetConfig, rdb *redis.Client) (dataset.Source, error) {
	var src dataset.Source
	switch registry.Key(cfg.Source) {
	case "hub":
		src = dataset.HubSource{
			BaseURL: cfg.HubURL,
			Dataset: cfg.Name,
			Config:  cfg.Config,
			Split:   cfg.Split,
			MaxRows: cfg.Limit,
		}
	case "file":
		if cfg.Path == "" {
			return nil, errors.New("file dataset needs dataset.path")
		}
		src = dataset.FileSource{Path: cfg.Path}
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis dataset needs a redis connection")
		}
		if cfg.RedisKey == "" {
			return nil, errors.New("redis dataset needs dataset.redis_key")
		}
		src = dataset.RedisListSource{Rdb: rdb, Key: cfg.RedisKey}
	default:
		return nil, fmt.Errorf("unknown dataset source %q", cfg.Source)
	}
	if cfg.Limit > 0 {
		src = dataset.Limit{Source: src, N: cfg.Limit}
	}
	return src, nil
}

// NewPPOPipeline is the ppo_pipeline constructor.
func NewPPOPipeline(ctx context.Context, cfg *config.TRLConfig, deps model.Deps) (*pipeline.PromptPipeline, error) {
	if deps.Tokenizer == nil {
		return nil, errors.New("ppo_pipeline needs a tokenizer")
	}
	src, err := NewSource(cfg.Dataset, deps.Redis)
	if err != nil {
		return nil, err
	}
	return pipeline.NewPromptPipeline(ctx, deps.Tokenizer, src, pipeline.PromptOptions{
		Rename:           cfg.Dataset.Rename,
		MaxLength:        cfg.Dataset.MaxLength,
		LazyTokenization: cfg.Train.LazyTokenization,
		Seed:             uint64(cfg.Train.Seed),
	})
}
