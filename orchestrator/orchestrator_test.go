package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/dataset"
	"github.com/zaporter/trl/orchestrator/model"
	"github.com/zaporter/trl/orchestrator/registry"
	"github.com/zaporter/trl/orchestrator/tokenizer"
	"gonum.org/v1/gonum/mat"
)

type recordingTracker struct {
	mu      sync.Mutex
	project string
	logs    []map[string]float64
	watched int
	closed  bool
}

func (r *recordingTracker) Init(ctx context.Context, project string) error {
	r.project = project
	return nil
}

func (r *recordingTracker) Log(stats map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, stats)
}

func (r *recordingTracker) Watch(params map[string]mat.Matrix) {
	r.watched += len(params)
}

func (r *recordingTracker) Close() error {
	r.closed = true
	return nil
}

func (r *recordingTracker) withKey(key string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, l := range r.logs {
		if v, ok := l[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

func constantReward(score float64) func(ctx context.Context, prompts, responses []string) ([]float64, error) {
	return func(ctx context.Context, prompts, responses []string) ([]float64, error) {
		out := make([]float64, len(responses))
		for i := range out {
			out[i] = score
		}
		return out, nil
	}
}

func writeReviews(t *testing.T, reviews ...string) string {
	path := filepath.Join(t.TempDir(), "reviews.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for i, r := range reviews {
		require.NoError(t, enc.Encode(map[string]any{"text": r, "label": i % 2}))
	}
	return path
}

func testConfig(t *testing.T) *config.TRLConfig {
	cfg := config.Default()
	cfg.Model.Vocab = "abcdefghijklmnopqrstuvwxyz "
	cfg.Train.BatchSize = 2
	cfg.Train.NumRollouts = 7
	cfg.Train.PromptLength = 4
	cfg.Train.CheckpointDir = t.TempDir()
	cfg.Method.GenLen = 3
	cfg.Method.PPOEpochs = 1
	cfg.Method.InitKLCoef = 0
	cfg.Dataset.Source = "file"
	cfg.Dataset.Path = writeReviews(t, "good film", "bad film", "great fun")
	return cfg
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegistries()
	require.NoError(t, RegisterDefaults(r))
	assert.Equal(t, []string{"accelerate_sd", "bigram_ppo", "remote_ppo"}, r.Models.Names())
	assert.Equal(t, []string{"ppo_pipeline"}, r.Pipelines.Names())
	assert.Equal(t, []string{"ppo_orchestrator"}, r.Orchestrators.Names())

	err := RegisterDefaults(r)
	require.ErrorIs(t, err, registry.ErrAlreadyRegistered)
}

func TestParseComponents(t *testing.T) {
	r := DefaultRegistries()
	cfg := config.Default()
	cfg.Model.ModelArch = "Bigram_PPO"
	c, err := r.ParseComponents(cfg)
	require.NoError(t, err)
	assert.NotNil(t, c.Model)
	assert.NotNil(t, c.Pipeline)
	assert.NotNil(t, c.Orchestrator)
}

func TestParseComponentsReportsEveryMiss(t *testing.T) {
	r := DefaultRegistries()
	cfg := config.Default()
	cfg.Model.ModelArch = "gpt9"
	cfg.Train.Pipeline = "nope"
	_, err := r.ParseComponents(cfg)
	require.ErrorIs(t, err, registry.ErrNotRegistered)
	var nr *registry.NotRegisteredError
	require.True(t, errors.As(err, &nr))
	assert.Equal(t, "model", nr.Category)
	assert.Contains(t, err.Error(), "gpt9")
	assert.Contains(t, err.Error(), "pipeline")
}

func TestNewSource(t *testing.T) {
	cfg := config.Default().Dataset

	_, err := NewSource(config.DatasetConfig{Source: "file"}, nil)
	require.Error(t, err)
	_, err = NewSource(config.DatasetConfig{Source: "redis", RedisKey: "k"}, nil)
	require.Error(t, err)
	_, err = NewSource(config.DatasetConfig{Source: "s3"}, nil)
	require.Error(t, err)

	src, err := NewSource(cfg, nil)
	require.NoError(t, err)
	hub, ok := src.(dataset.HubSource)
	require.True(t, ok)
	assert.Equal(t, "imdb", hub.Dataset)

	cfg.Limit = 10
	src, err = NewSource(cfg, nil)
	require.NoError(t, err)
	limited, ok := src.(dataset.Limit)
	require.True(t, ok)
	assert.Equal(t, 10, limited.N)
	assert.Equal(t, 10, limited.Source.(dataset.HubSource).MaxRows)
}

func buildOrchestrator(t *testing.T, cfg *config.TRLConfig, tr *recordingTracker, rewardScore float64) (model.Model, Orchestrator) {
	ctx := context.Background()
	tok, err := tokenizer.New(cfg.Model.Tokenizer, cfg.Model.Vocab, cfg.Model.BPEEncoding, cfg.Train.PromptLength)
	require.NoError(t, err)
	deps := model.Deps{Tokenizer: tok}
	m, err := model.NewBigramPPO(ctx, cfg, deps)
	require.NoError(t, err)
	p, err := NewPPOPipeline(ctx, cfg, deps)
	require.NoError(t, err)
	o, err := NewPPOOrchestrator(ctx, cfg, m, p, OrchestratorDeps{Tokenizer: tok, Reward: constantReward(rewardScore), Tracker: tr})
	require.NoError(t, err)
	return m, o
}

func TestMakeExperienceCollectsExactly(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTracker{}
	m, o := buildOrchestrator(t, cfg, tr, 1.5)

	// 3 prompts, batch size 2: needs a second and third pass and a trimmed batch
	require.NoError(t, o.MakeExperience(context.Background(), 7))
	elems := m.Store().Elements()
	require.Len(t, elems, 7)
	for _, e := range elems {
		require.Len(t, e.QueryTokens, 4)
		require.Len(t, e.Rewards, 3)
		assert.InDelta(t, 0, e.Rewards[0], 1e-12)
		assert.InDelta(t, 0, e.Rewards[1], 1e-12)
		assert.InDelta(t, 1.5, e.Rewards[2], 1e-12)
	}
	assert.Equal(t, []float64{1.5}, tr.withKey("exp/score_mean"))
	require.Len(t, tr.withKey("exp/time"), 1)

	// pushes append to what is already there
	require.NoError(t, o.MakeExperience(context.Background(), 2))
	assert.Equal(t, 9, m.Store().Len())
}

func TestMakeExperienceScaledReward(t *testing.T) {
	cfg := testConfig(t)
	cfg.Method.ScaleReward = true
	m, o := buildOrchestrator(t, cfg, &recordingTracker{}, 2)
	require.NoError(t, o.MakeExperience(context.Background(), 4))
	// every score equals the running mean, so the normalized reward is zero
	for _, e := range m.Store().Elements() {
		assert.InDelta(t, 0, e.Score(), 1e-12)
	}
}

func TestNewPPOOrchestratorEmptyPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dataset.MaxLength = 2
	ctx := context.Background()
	tok, err := tokenizer.New("char", cfg.Model.Vocab, "", 4)
	require.NoError(t, err)
	deps := model.Deps{Tokenizer: tok}
	m, err := model.NewBigramPPO(ctx, cfg, deps)
	require.NoError(t, err)
	p, err := NewPPOPipeline(ctx, cfg, deps)
	require.NoError(t, err)
	_, err = NewPPOOrchestrator(ctx, cfg, m, p, OrchestratorDeps{Tokenizer: tok, Reward: constantReward(1), Tracker: &recordingTracker{}})
	require.ErrorIs(t, err, ErrNoPrompts)
}

func TestRunningMoments(t *testing.T) {
	var r runningMoments
	assert.Equal(t, 1.0, r.std())
	r.update([]float64{1, 2, 3})
	r.update([]float64{4, 5})
	assert.InDelta(t, 3, r.mean, 1e-12)
	// sample variance of 1..5 is 2.5
	assert.InDelta(t, 2.5, r.std()*r.std(), 1e-12)
	assert.InDeltaSlice(t, []float64{0}, r.normalize([]float64{3}), 1e-12)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Train.RolloutPhases = 2
	cfg.Train.NumRollouts = 4
	cfg.Train.LazyTokenization = true
	tr := &recordingTracker{}
	result, err := Run(context.Background(), cfg, RunOptions{Tracker: tr, Reward: constantReward(1)})
	require.NoError(t, err)

	require.Len(t, result.Phases, 2)
	for _, p := range result.Phases {
		assert.Equal(t, 4, p.Store.Count)
		assert.InDelta(t, 1, p.Store.MeanScore, 1e-12)
	}
	assert.Equal(t, cfg.Tracker.Project, tr.project)
	assert.Equal(t, 2, tr.watched)
	assert.True(t, tr.closed)
	// 4 rollouts in batches of 2, one epoch, two phases
	assert.Len(t, tr.withKey("loss/policy"), 4)
	assert.FileExists(t, filepath.Join(cfg.Train.CheckpointDir, model.BigramPolicyFile))
}

func TestRunExperienceOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Method.Reward = "length"
	cfg.Method.TargetLength = 3
	tr := &recordingTracker{}
	var dump bytesCounter
	result, err := Run(context.Background(), cfg, RunOptions{Tracker: tr, ExperienceOnly: true, RolloutDump: &dump})
	require.NoError(t, err)
	require.Len(t, result.Phases, 1)
	assert.Equal(t, 7, result.Phases[0].Store.Count)
	assert.Equal(t, 7, dump.lines)
	assert.Empty(t, tr.withKey("loss/policy"))
	assert.NoFileExists(t, filepath.Join(cfg.Train.CheckpointDir, model.BigramPolicyFile))
}

func TestRunWithJSONLTracker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracker.Backends = []string{"log", "jsonl"}
	cfg.Tracker.Dir = t.TempDir()
	_, err := Run(context.Background(), cfg, RunOptions{Reward: constantReward(1)})
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(cfg.Tracker.Dir, cfg.Tracker.Project, "*", "metrics.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestRunFailsBeforeBuilding(t *testing.T) {
	cfg := testConfig(t)
	cfg.Train.Orchestrator = "grpo"
	// the hub is never contacted because resolution fails first
	cfg.Dataset.Source = "hub"
	cfg.Dataset.HubURL = "http://127.0.0.1:1"
	_, err := Run(context.Background(), cfg, RunOptions{Tracker: &recordingTracker{}})
	require.ErrorIs(t, err, registry.ErrNotRegistered)
}

func TestRunRemoteRewardNeedsRedis(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := NewReward(context.Background(), &config.TRLConfig{Method: config.MethodConfig{Reward: "Remote"}}, nil)
	require.ErrorContains(t, err, "needs a redis connection")

	r := DefaultRegistries()
	c, err := r.ParseComponents(cfg)
	require.NoError(t, err)
	assert.False(t, NeedsRedis(c, cfg))

	for _, arch := range []string{"remote_ppo", "Remote_PPO", " REMOTE_ppo "} {
		cfg.Model.ModelArch = arch
		c, err := r.ParseComponents(cfg)
		require.NoError(t, err, arch)
		assert.Equal(t, "remote_ppo", c.ModelArch)
		assert.True(t, NeedsRedis(c, cfg), arch)
	}

	cfg.Model.ModelArch = "bigram_ppo"
	cfg.Dataset.Source = "Redis"
	assert.True(t, NeedsRedis(c, cfg))
}

func TestRunConnectsRedisForMixedCaseArch(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Model.ModelArch = "Remote_PPO"
	cfg.Redis = config.RedisConfig{Address: mr.Host(), Port: mr.Port()}

	errBuilt := errors.New("built")
	var gotRedis bool
	r := NewRegistries()
	require.NoError(t, RegisterDefaults(r))
	r.Models = registry.New[model.Constructor]("model")
	require.NoError(t, r.Models.Register("remote_ppo", func(ctx context.Context, cfg *config.TRLConfig, deps model.Deps) (model.Model, error) {
		gotRedis = deps.Redis != nil
		return nil, errBuilt
	}))

	_, err := Run(context.Background(), cfg, RunOptions{Registries: r, Tracker: &recordingTracker{}})
	require.ErrorIs(t, err, errBuilt)
	assert.True(t, gotRedis)
}

type bytesCounter struct {
	lines int
}

func (b *bytesCounter) Write(p []byte) (int, error) {
	for _, c := range p {
		if c == '\n' {
			b.lines++
		}
	}
	return len(p), nil
}
