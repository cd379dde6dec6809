package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaporter/trl/orchestrator/engine"
	"github.com/zaporter/trl/orchestrator/model"
	"github.com/zaporter/trl/orchestrator/registry"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newGroup(t *testing.T, groupConfig string, experiments map[string]string) Folder {
	root := t.TempDir()
	folder := Folder{ExperimentsFolder: root, Group: "g"}
	writeFile(t, filepath.Join(folder.GroupPath(), GroupConfigFile), groupConfig)
	for name, override := range experiments {
		dir := filepath.Join(folder.GroupPath(), name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		if override != "" {
			writeFile(t, filepath.Join(dir, OverrideConfigFile), override)
		}
	}
	return folder
}

func TestReadConfigMergesOverride(t *testing.T) {
	folder := newGroup(t, "executor: noop\na: 1\nb: 2\nnested:\n  x: 1\n  y: 2\n", map[string]string{
		"e1": "b: 5\nnested:\n  y: 3\n",
	})
	merged, err := ReadMergedMap(folder.WithName("e1"))
	require.NoError(t, err)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 5, merged["b"])
	assert.Equal(t, map[string]any{"x": 1, "y": 3}, merged["nested"])

	cfg, err := ReadConfig[NoopExecutorConfig](folder.WithName("e1"))
	require.NoError(t, err)
	assert.Equal(t, NoopExecutorConfig{A: 1, B: 5}, cfg)

	_, err = ReadMergedMap(folder.WithName("missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunNoopAndStats(t *testing.T) {
	folder := newGroup(t, "executor: noop\na: 1\nb: 2\n", map[string]string{
		"e1":      "b: 5\n",
		"e2":      "",
		"not-run": "",
	})
	executors := NewExecutors()
	ctx := context.Background()
	require.NoError(t, Run(ctx, folder.WithName("e1"), executors, RunOptions{}))
	require.NoError(t, Run(ctx, folder.WithName("e2"), executors, RunOptions{}))

	result, err := ReadResult(folder.WithName("e1"))
	require.NoError(t, err)
	assert.Empty(t, result.Error)
	assert.False(t, result.EndTime.Before(result.StartTime))
	assert.Equal(t, "noop", result.Config["executor"])

	stats, err := Stats(ctx, folder.WithName("e1"), executors)
	require.NoError(t, err)
	assert.Equal(t, 6, stats["sum"])

	all, err := GroupStats(ctx, folder, executors)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.NotContains(t, all, "not-run")

	raw, err := os.ReadFile(filepath.Join(folder.GroupPath(), StatsFile))
	require.NoError(t, err)
	var onDisk map[string]map[string]float64
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, 3.0, onDisk["e2"]["sum"])
}

func TestRunUnknownExecutor(t *testing.T) {
	folder := newGroup(t, "executor: grpo_loop\n", map[string]string{"e1": ""})
	err := Run(context.Background(), folder.WithName("e1"), NewExecutors(), RunOptions{})
	require.ErrorIs(t, err, registry.ErrNotRegistered)
	assert.ErrorContains(t, err, "executor")
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, folder Folder) error {
	return errors.New("boom")
}

func (failingExecutor) GetStats(ctx context.Context, folder Folder) (map[string]any, error) {
	return nil, nil
}

func TestRunRecordsExecutorError(t *testing.T) {
	folder := newGroup(t, "executor: fail\n", map[string]string{"e1": ""})
	executors := NewExecutors()
	executors.MustRegister("fail", failingExecutor{})
	err := Run(context.Background(), folder.WithName("e1"), executors, RunOptions{})
	require.ErrorContains(t, err, "boom")
	result, err := ReadResult(folder.WithName("e1"))
	require.NoError(t, err)
	assert.Equal(t, "boom", result.Error)
}

func TestApplyParams(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	require.NoError(t, applyParams(ctx, rdb, map[string]any{"rollout:enabled": true, "training:lr": 0.01}))
	params, err := engine.GetRouterParams(ctx, rdb)
	require.NoError(t, err)
	assert.Equal(t, "true", params[engine.RouterRolloutEnabled])
	assert.Equal(t, "0.01", params[engine.RouterTrainingLR])

	err = applyParams(ctx, rdb, map[string]any{"rollout:gen_len": 4, "inference:enabled": true})
	require.ErrorIs(t, err, engine.ErrUnknownRouterKey)
	// nothing is written when a key is bad
	assert.False(t, srv.Exists("rollout:gen_len"))
}

type recordingRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (r *recordingRunner) Run(ctx context.Context, spec WorkerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, spec.Host+" "+spec.Cmd)
	return "ok", nil
}

func TestRunStartsWorkers(t *testing.T) {
	folder := newGroup(t, "executor: noop\nworkers:\n  trainer:\n    host: 10.0.0.2\n    cmd: ./train.sh\n", map[string]string{"e1": ""})
	runner := &recordingRunner{}
	require.NoError(t, Run(context.Background(), folder.WithName("e1"), NewExecutors(), RunOptions{WorkerRunner: runner}))
	assert.Equal(t, []string{"10.0.0.2 ./train.sh"}, runner.cmds)

	runner = &recordingRunner{}
	require.NoError(t, Run(context.Background(), folder.WithName("e1"), NewExecutors(), RunOptions{WorkerRunner: runner, NoWorkers: true}))
	assert.Empty(t, runner.cmds)
}

func ppoGroup(t *testing.T, executor string) Folder {
	data := filepath.Join(t.TempDir(), "reviews.jsonl")
	writeFile(t, data, `{"text": "good film", "label": 1}
{"text": "bad film", "label": 0}
{"text": "great fun", "label": 1}
`)
	groupConfig := fmt.Sprintf(`executor: %s
trl:
  model:
    vocab: "abcdefghijklmnopqrstuvwxyz "
  train:
    batch_size: 2
    num_rollouts: 4
    prompt_length: 4
  method:
    gen_len: 3
    ppo_epochs: 1
  dataset:
    source: file
    path: %s
`, executor, data)
	return newGroup(t, groupConfig, map[string]string{
		"lr-high": "trl:\n  method:\n    lr: 0.5\n",
	})
}

func TestPPOExecutor(t *testing.T) {
	folder := ppoGroup(t, "ppo").WithName("lr-high")
	executors := NewExecutors()
	require.NoError(t, Run(context.Background(), folder, executors, RunOptions{}))
	assert.FileExists(t, filepath.Join(folder.Path(), "checkpoint", model.BigramPolicyFile))

	stats, err := Stats(context.Background(), folder, executors)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["phases"])
	assert.Equal(t, 4, stats["rollouts"])
	assert.Equal(t, 3.0, stats["mean_response_length"])
}

func TestRolloutExecutor(t *testing.T) {
	folder := ppoGroup(t, "rollout").WithName("lr-high")
	require.NoError(t, Run(context.Background(), folder, NewExecutors(), RunOptions{}))
	raw, err := os.ReadFile(filepath.Join(folder.Path(), RolloutsFile))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 4)
	assert.NoDirExists(t, filepath.Join(folder.Path(), "checkpoint"))
}

func TestInFolder(t *testing.T) {
	f := Folder{ExperimentsFolder: "/x", Group: "g", Name: "e"}
	assert.Equal(t, "/x/g/e/checkpoint", inFolder(f, "./", "checkpoint"))
	assert.Equal(t, "/x/g/e/out", inFolder(f, "out", "checkpoint"))
	assert.Equal(t, "/abs", inFolder(f, "/abs", "checkpoint"))
}
