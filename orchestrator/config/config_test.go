package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sentimentYAML = `
model:
  model_arch: BigramPPO
  model_path: ./ckpt
train:
  pipeline: PPO_Pipeline
  orchestrator: ppo_orchestrator
  batch_size: 4
method:
  img_size: 256
  gen_len: 8
dataset:
  source: file
  path: data/imdb.jsonl
tracker:
  project: sentiment
  backends: [log, jsonl]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sentimentYAML))
	require.NoError(t, err)

	assert.Equal(t, "BigramPPO", cfg.Model.ModelArch)
	assert.Equal(t, "./ckpt", cfg.Model.ModelPath)
	assert.Equal(t, "PPO_Pipeline", cfg.Train.Pipeline)
	assert.Equal(t, "ppo_orchestrator", cfg.Train.Orchestrator)
	assert.Equal(t, 4, cfg.Train.BatchSize)
	assert.Equal(t, 256, cfg.Method.ImgSize)
	assert.Equal(t, 8, cfg.Method.GenLen)
	assert.Equal(t, []string{"log", "jsonl"}, cfg.Tracker.Backends)

	// defaults survive
	assert.Equal(t, 500, cfg.Dataset.MaxLength)
	assert.Equal(t, "review", cfg.Dataset.Rename["text"])
	assert.Equal(t, "sentiment", cfg.Dataset.Rename["label"])
	assert.Equal(t, 4, cfg.Method.PPOEpochs)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("train:\n  batch_size: 0\n"))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "BatchSize")

	_, err = Parse([]byte("model:\n  tokenizer: wordpiece\n"))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte("tracker:\n  backends: [wandb]\n"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseBadYAML(t *testing.T) {
	_, err := Parse([]byte("model: ["))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDRESS", "10.0.0.1")
	t.Setenv("REDIS_PORT", "7000")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	cfg, err := Parse([]byte(sentimentYAML))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", cfg.Redis.Addr())
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	require.NoError(t, os.WriteFile(path, []byte(sentimentYAML), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sentiment", cfg.Tracker.Project)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := map[string]any{
		"executor": "ppo",
		"train":    map[string]any{"batch_size": 8, "pipeline": "ppo_pipeline"},
	}
	override := map[string]any{
		"train":  map[string]any{"batch_size": 2},
		"method": map[string]any{"lr": 0.1},
	}
	Merge(base, override)
	assert.Equal(t, map[string]any{
		"executor": "ppo",
		"train":    map[string]any{"batch_size": 2, "pipeline": "ppo_pipeline"},
		"method":   map[string]any{"lr": 0.1},
	}, base)
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"executor": "ppo",
		"train":    map[string]any{"batch_size": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Train.BatchSize)
}

func TestReadMap(t *testing.T) {
	dir := t.TempDir()
	m, err := ReadMap(filepath.Join(dir, "override.yml"), true)
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = ReadMap(filepath.Join(dir, "override.yml"), false)
	require.Error(t, err)

	path := filepath.Join(dir, "experiment.yml")
	require.NoError(t, os.WriteFile(path, []byte("executor: noop\ntrain:\n  batch_size: 2\n"), 0644))
	m, err = ReadMap(path, false)
	require.NoError(t, err)
	assert.Equal(t, "noop", m["executor"])
	assert.Equal(t, map[string]any{"batch_size": 2}, m["train"])
}
