package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/zaporter/trl/orchestrator"
	"github.com/zaporter/trl/orchestrator/config"
)

const (
	RunFile      = "run.json"
	RolloutsFile = "rollouts.jsonl"
)

type PPOExecutorConfig struct {
	// the run config, same layout as a config file passed to trl train
	TRL map[string]any `yaml:"trl"`
}

// PPOExecutor runs orchestrator.Run inside the experiment folder. Relative
// checkpoint and tracker dirs resolve against the folder. With
// ExperienceOnly it skips learning and dumps every rollout instead.
type PPOExecutor struct {
	ExperienceOnly bool
	// Options is copied into every run. Tests use it to inject collaborators.
	Options orchestrator.RunOptions
}

var _ Executor = &PPOExecutor{}

func (p *PPOExecutor) Execute(ctx context.Context, folder Folder) error {
	parsed, err := ReadConfig[PPOExecutorConfig](folder)
	if err != nil {
		return err
	}
	if parsed.TRL == nil {
		parsed.TRL = map[string]any{}
	}
	cfg, err := config.FromMap(parsed.TRL)
	if err != nil {
		return err
	}
	cfg.Train.CheckpointDir = inFolder(folder, cfg.Train.CheckpointDir, "checkpoint")
	cfg.Tracker.Dir = inFolder(folder, cfg.Tracker.Dir, "runs")

	opts := p.Options
	opts.ExperienceOnly = p.ExperienceOnly
	if p.ExperienceOnly {
		f, err := os.Create(filepath.Join(folder.Path(), RolloutsFile))
		if err != nil {
			return err
		}
		defer f.Close()
		opts.RolloutDump = f
	}
	result, err := orchestrator.Run(ctx, cfg, opts)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(result, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder.Path(), RunFile), raw, 0644)
}

func inFolder(folder Folder, dir, fallback string) string {
	switch {
	case dir == "" || dir == "./" || dir == ".":
		return filepath.Join(folder.Path(), fallback)
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(folder.Path(), dir)
	}
}

func (p *PPOExecutor) GetStats(ctx context.Context, folder Folder) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(folder.Path(), RunFile))
	if err != nil {
		return nil, err
	}
	var result orchestrator.RunResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if len(result.Phases) == 0 {
		return nil, errors.New("run finished no phases")
	}
	last := result.Phases[len(result.Phases)-1]
	var seconds float64
	scores := make([]float64, len(result.Phases))
	for i, ph := range result.Phases {
		seconds += ph.Duration.Seconds()
		scores[i] = ph.Store.MeanScore
	}
	return map[string]any{
		"phases":               len(result.Phases),
		"rollouts":             last.Store.Count,
		"mean_score":           last.Store.MeanScore,
		"mean_response_length": last.Store.MeanResponseLength,
		"phase_scores":         scores,
		"seconds":              seconds,
	}, nil
}
