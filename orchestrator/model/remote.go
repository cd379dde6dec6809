package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/engine"
	"github.com/zaporter/trl/orchestrator/metrics"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"gonum.org/v1/gonum/mat"
)

// RolloutTask is what a rollout worker receives for one prompt.
type RolloutTask struct {
	QueryTokens []int   `json:"query_tokens"`
	GenLen      int     `json:"gen_len"`
	Temperature float64 `json:"temperature"`
}

type RolloutResult struct {
	ResponseTokens []int     `json:"response_tokens"`
	LogProbs       []float64 `json:"logprobs"`
	Values         []float64 `json:"values"`
	RefLogProbs    []float64 `json:"ref_logprobs"`
	Error          string    `json:"error,omitempty"`
}

// RemoteTimeouts bound the waits on the python trainer.
type RemoteTimeouts struct {
	Stats time.Duration
	Ack   time.Duration
}

// RemoteModel keeps only the rollout store locally. Generation runs on
// rollout workers through the engine and optimization on a trainer that
// pulls advertised batches.
type RemoteModel struct {
	rdb      *redis.Client
	rollout  *engine.Engine
	store    *pipeline.PPORolloutStorage
	method   config.MethodConfig
	train    config.TrainConfig
	timeouts RemoteTimeouts
	logger   zerolog.Logger

	// learn rounds started so far
	rounds int
}

var _ Model = &RemoteModel{}

func NewRemotePPO(ctx context.Context, cfg *config.TRLConfig, deps Deps) (Model, error) {
	return NewRemoteModel(ctx, cfg, deps, engine.DefaultSchedulingParams(), RemoteTimeouts{Stats: 10 * time.Minute, Ack: 5 * time.Minute})
}

func NewRemoteModel(ctx context.Context, cfg *config.TRLConfig, deps Deps, params engine.SchedulingParams, timeouts RemoteTimeouts) (*RemoteModel, error) {
	if deps.Redis == nil {
		return nil, errors.New("remote_ppo needs a redis connection")
	}
	logger := zerolog.Ctx(ctx).With().Str("component", "remote_ppo").Logger()
	if err := engine.SetRouterParams(ctx, deps.Redis, engine.RouterParamsFromConfig(cfg)); err != nil {
		return nil, fmt.Errorf("publishing router params: %w", err)
	}
	if err := engine.DropTrainingChans(ctx, deps.Redis); err != nil {
		return nil, err
	}
	store, err := newPrimedStore(ctx, cfg, deps.Accelerator)
	if err != nil {
		return nil, err
	}
	rollout := engine.NewEngine(ctx, engine.JobRollout, deps.Redis, params)
	if err := rollout.Start(ctx); err != nil {
		return nil, err
	}
	return &RemoteModel{
		rdb:      deps.Redis,
		rollout:  rollout,
		store:    store,
		method:   cfg.Method,
		train:    cfg.Train,
		timeouts: timeouts,
		logger:   logger,
	}, nil
}

func (m *RemoteModel) Store() *pipeline.PPORolloutStorage {
	return m.store
}

// Parameters is empty: the weights live on the workers.
func (m *RemoteModel) Parameters() map[string]mat.Matrix {
	return map[string]mat.Matrix{}
}

func (m *RemoteModel) Act(ctx context.Context, batch data.PromptBatch) ([]data.PPORLElement, error) {
	tasks := make([]string, batch.Len())
	for i := range tasks {
		raw, err := json.Marshal(RolloutTask{
			QueryTokens: batch.Tokens.Row(i),
			GenLen:      m.method.GenLen,
			Temperature: m.method.Temperature,
		})
		if err != nil {
			return nil, err
		}
		tasks[i] = string(raw)
	}
	results, err := m.rollout.Do(ctx, tasks)
	if err != nil {
		return nil, err
	}
	out := make([]data.PPORLElement, len(results))
	for i, raw := range results {
		var res RolloutResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("rollout result %d: %w", i, err)
		}
		if res.Error != "" {
			return nil, fmt.Errorf("rollout worker: %s", res.Error)
		}
		n := len(res.ResponseTokens)
		if len(res.LogProbs) != n || len(res.Values) != n || len(res.RefLogProbs) != n {
			return nil, fmt.Errorf("rollout result %d: %w: %d tokens, %d logprobs, %d values, %d ref logprobs",
				i, data.ErrShapeMismatch, n, len(res.LogProbs), len(res.Values), len(res.RefLogProbs))
		}
		rewards := make([]float64, n)
		for t := range rewards {
			rewards[t] = -m.method.InitKLCoef * (res.LogProbs[t] - res.RefLogProbs[t])
		}
		out[i] = data.PPORLElement{
			QueryTokens:    append([]int(nil), batch.Tokens.Row(i)...),
			ResponseTokens: res.ResponseTokens,
			LogProbs:       res.LogProbs,
			Values:         res.Values,
			Rewards:        rewards,
		}
	}
	return out, nil
}

// Learn advertises every batch of the store, serves them to the trainer and
// then reads back one stats map per batch.
func (m *RemoteModel) Learn(ctx context.Context, log LogFunc) error {
	epoch := m.rounds
	m.rounds++
	ml := engine.NewMessageList()
	loader := m.store.CreateLoader(m.train.BatchSize, true, nil, m.train.NumWorkers)
	advertised := 0
	for batch, err := range loader.All(ctx) {
		if err != nil {
			return err
		}
		id := engine.NewBatchID()
		if err := ml.AddAdvertisement(ctx, m.rdb, engine.RedisTrainingAdvList, id, engine.TrainingBatch{BatchID: id, Epoch: epoch, Batch: batch}); err != nil {
			return err
		}
		advertised++
	}
	m.logger.Info().Msgf("advertised %d training batches for epoch %d", advertised, epoch)
	if err := engine.ServeTrainingRequests(ctx, m.rdb, ml); err != nil {
		return err
	}
	for i := 0; i < advertised; i++ {
		stats, err := engine.ReadTrainingStats(ctx, m.rdb, m.timeouts.Stats)
		if err != nil {
			return fmt.Errorf("waiting for stats of batch %d/%d: %w", i+1, advertised, err)
		}
		metrics.LearnSteps.WithLabelValues("remote_ppo").Inc()
		if log != nil {
			log(stats)
		}
	}
	return nil
}

func (m *RemoteModel) Save(ctx context.Context, dir string) error {
	if err := engine.SendControl(ctx, m.rdb, engine.ControlMsg{Command: "save", Path: dir}); err != nil {
		return err
	}
	_, err := engine.WaitForAck(ctx, m.rdb, m.timeouts.Ack)
	return err
}

func (m *RemoteModel) Close() error {
	m.rollout.TriggerStop()
	m.rollout.WaitForStop()
	return nil
}
