package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/engine"
	"github.com/zaporter/trl/orchestrator/model"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"github.com/zaporter/trl/orchestrator/registry"
	"github.com/zaporter/trl/orchestrator/reward"
	"github.com/zaporter/trl/orchestrator/tokenizer"
	"github.com/zaporter/trl/orchestrator/tracker"
)

type RunOptions struct {
	// nil means DefaultRegistries()
	Registries *Registries
	// nil means connect with cfg.Redis when the config needs redis
	Redis       *redis.Client
	Accelerator model.Accelerator
	// nil means the reward named by method.reward
	Reward reward.Func
	// Tracker overrides the backends named in the config
	Tracker tracker.Tracker
	// ExperienceOnly skips Learn and Save
	ExperienceOnly bool
	// RolloutDump receives the store of every phase as JSONL
	RolloutDump io.Writer
	// Status, when set, follows the run's progress
	Status *Status
}

type PhaseResult struct {
	Phase    int                   `json:"phase"`
	Store    pipeline.StorageStats `json:"store"`
	Duration time.Duration         `json:"duration_ns"`
}

type RunResult struct {
	Phases []PhaseResult `json:"phases"`
}

// Run builds every component named by cfg and runs train.rollout_phases
// rounds of make-experience then learn. All errors are returned as-is.
func Run(ctx context.Context, cfg *config.TRLConfig, opts RunOptions) (*RunResult, error) {
	opts.Status.update(func(s *Status) { s.phases = cfg.Train.RolloutPhases })
	result, err := run(ctx, cfg, opts)
	if err != nil {
		opts.Status.update(func(s *Status) {
			s.stage = StageFailed
			s.err = err.Error()
		})
		return nil, err
	}
	opts.Status.update(func(s *Status) { s.stage = StageDone })
	return result, nil
}

func run(ctx context.Context, cfg *config.TRLConfig, opts RunOptions) (*RunResult, error) {
	logger := zerolog.Ctx(ctx)
	regs := opts.Registries
	if regs == nil {
		regs = DefaultRegistries()
	}

	tr := opts.Tracker
	if tr == nil {
		var err error
		if tr, err = tracker.New(ctx, cfg.Tracker); err != nil {
			return nil, err
		}
	}
	if err := tr.Init(ctx, cfg.Tracker.Project); err != nil {
		return nil, fmt.Errorf("tracker init: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Error().Err(err).Msg("closing tracker")
		}
	}()

	components, err := regs.ParseComponents(cfg)
	if err != nil {
		return nil, err
	}

	rdb := opts.Redis
	if rdb == nil && NeedsRedis(components, cfg) {
		if rdb, err = engine.Connect(ctx, cfg.Redis); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
	}

	tok, err := tokenizer.New(cfg.Model.Tokenizer, cfg.Model.Vocab, cfg.Model.BPEEncoding, cfg.Train.PromptLength)
	if err != nil {
		return nil, err
	}
	deps := model.Deps{Tokenizer: tok, Redis: rdb, Accelerator: opts.Accelerator}

	m, err := components.Model(ctx, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("building model %s: %w", cfg.Model.ModelArch, err)
	}
	if c, ok := m.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error().Err(err).Msg("closing model")
			}
		}()
	}
	tr.Watch(m.Parameters())
	opts.Status.update(func(s *Status) { s.store = m.Store() })

	prompts, err := components.Pipeline(ctx, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("building pipeline %s: %w", cfg.Train.Pipeline, err)
	}

	rewardFn := opts.Reward
	if rewardFn == nil {
		var stop func()
		if rewardFn, stop, err = NewReward(ctx, cfg, rdb); err != nil {
			return nil, err
		}
		defer stop()
	}

	orch, err := components.Orchestrator(ctx, cfg, m, prompts, OrchestratorDeps{
		Tokenizer: tok,
		Reward:    rewardFn,
		Tracker:   tr,
	})
	if err != nil {
		return nil, fmt.Errorf("building orchestrator %s: %w", cfg.Train.Orchestrator, err)
	}

	result := &RunResult{}
	for phase := 0; phase < cfg.Train.RolloutPhases; phase++ {
		start := time.Now()
		opts.Status.update(func(s *Status) {
			s.phase = phase
			s.stage = StageExperience
		})
		m.Store().Clear()
		if err := orch.MakeExperience(ctx, cfg.Train.NumRollouts); err != nil {
			return nil, fmt.Errorf("phase %d: make experience: %w", phase, err)
		}
		stats := m.Store().Stats()
		if opts.RolloutDump != nil {
			if err := m.Store().DumpJSONL(opts.RolloutDump); err != nil {
				return nil, err
			}
		}
		if !opts.ExperienceOnly {
			opts.Status.update(func(s *Status) { s.stage = StageLearning })
			if err := m.Learn(ctx, tr.Log); err != nil {
				return nil, fmt.Errorf("phase %d: learn: %w", phase, err)
			}
		}
		logger.Info().Msgf("phase %d/%d: %d rollouts, mean score %.4f", phase+1, cfg.Train.RolloutPhases, stats.Count, stats.MeanScore)
		done := PhaseResult{Phase: phase, Store: stats, Duration: time.Since(start)}
		result.Phases = append(result.Phases, done)
		opts.Status.update(func(s *Status) { s.completed = append(s.completed, done) })
	}

	if !opts.ExperienceOnly {
		opts.Status.update(func(s *Status) { s.stage = StageSaving })
		if err := m.Save(ctx, cfg.Train.CheckpointDir); err != nil {
			return nil, fmt.Errorf("saving to %s: %w", cfg.Train.CheckpointDir, err)
		}
	}
	logger.Info().Msg("done")
	return result, nil
}

// NeedsRedis reports whether any configured component talks to redis.
// Names are compared the way the registries resolve them.
func NeedsRedis(c Components, cfg *config.TRLConfig) bool {
	return c.ModelArch == "remote_ppo" ||
		registry.Key(cfg.Method.Reward) == "remote" ||
		registry.Key(cfg.Dataset.Source) == "redis"
}

// NewReward builds the reward function named by method.reward. The returned
// stop func must be called once the reward is no longer used.
func NewReward(ctx context.Context, cfg *config.TRLConfig, rdb *redis.Client) (reward.Func, func(), error) {
	noop := func() {}
	switch registry.Key(cfg.Method.Reward) {
	case "lexicon":
		return reward.NewLexicon(nil, nil).Func(), noop, nil
	case "length":
		return reward.Length(cfg.Method.TargetLength), noop, nil
	case "remote":
		if rdb == nil {
			return nil, nil, errors.New("remote reward needs a redis connection")
		}
		e := engine.NewEngine(ctx, engine.JobReward, rdb, engine.DefaultSchedulingParams())
		if err := e.Start(ctx); err != nil {
			return nil, nil, err
		}
		return reward.Remote(e), func() {
			e.TriggerStop()
			e.WaitForStop()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown reward %q", cfg.Method.Reward)
	}
}
