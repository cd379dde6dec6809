package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/registry"
	"gopkg.in/yaml.v3"
)

/*
Experiments are organized via the filesystem.
Each experiment is grouped into an "experiment group" directory.
That folder contains:
- a README.md that explains the purpose of the experiments
- an experiment.yml with the group configuration. Its required field is
  executor, the name of the executor that runs each experiment.
Each experiment is a subdirectory of the group and may contain:
- a README.md
- an override.yml holding a subset of experiment.yml with new values.
An executed experiment gets a result.json. Stats for the whole group go to
<group>/stats.json.
*/

const (
	GroupConfigFile    = "experiment.yml"
	OverrideConfigFile = "override.yml"
	ResultFile         = "result.json"
	StatsFile          = "stats.json"
)

// Folder locates one experiment. Name is empty when the whole group is meant.
type Folder struct {
	ExperimentsFolder string
	Group             string
	Name              string
}

func (f Folder) GroupPath() string {
	return filepath.Join(f.ExperimentsFolder, f.Group)
}

func (f Folder) Path() string {
	return filepath.Join(f.ExperimentsFolder, f.Group, f.Name)
}

func (f Folder) WithName(name string) Folder {
	f.Name = name
	return f
}

// Executor runs one experiment and later summarizes what it wrote.
type Executor interface {
	Execute(ctx context.Context, folder Folder) error
	GetStats(ctx context.Context, folder Folder) (map[string]any, error)
}

// NewExecutors registers the built-in executors.
func NewExecutors() *registry.Registry[Executor] {
	r := registry.New[Executor]("executor")
	r.MustRegister("noop", &NoopExecutor{})
	r.MustRegister("ppo", &PPOExecutor{})
	r.MustRegister("rollout", &PPOExecutor{ExperienceOnly: true})
	return r
}

type BaseConfig struct {
	Executor     string                `yaml:"executor"`
	RouterParams map[string]any        `yaml:"router_params"`
	Workers      map[string]WorkerSpec `yaml:"workers"`
	Redis        config.RedisConfig    `yaml:"redis"`
}

// ReadMergedMap reads experiment.yml with the experiment's override.yml merged on top.
func ReadMergedMap(folder Folder) (map[string]any, error) {
	base, err := config.ReadMap(filepath.Join(folder.GroupPath(), GroupConfigFile), false)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(folder.Path()); err != nil {
		return nil, err
	}
	override, err := config.ReadMap(filepath.Join(folder.Path(), OverrideConfigFile), true)
	if err != nil {
		return nil, err
	}
	config.Merge(base, override)
	return base, nil
}

// ReadConfig decodes the merged experiment config into T.
func ReadConfig[T any](folder Folder) (T, error) {
	var out T
	merged, err := ReadMergedMap(folder)
	if err != nil {
		return out, err
	}
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: %w", folder.Path(), err)
	}
	return out, nil
}

type Result struct {
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Error     string         `json:"error,omitempty"`
	Config    map[string]any `json:"config"`
}

func (r *Result) WriteTo(folder Folder) error {
	raw, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder.Path(), ResultFile), raw, 0644)
}

func ReadResult(folder Folder) (*Result, error) {
	raw, err := os.ReadFile(filepath.Join(folder.Path(), ResultFile))
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

type RunOptions struct {
	NoSetParams  bool
	NoWorkers    bool
	WorkerRunner WorkerRunner
}

// Run executes one experiment. result.json is written before the executor
// starts and rewritten with the end time or the error afterwards.
func Run(ctx context.Context, folder Folder, executors *registry.Registry[Executor], opts RunOptions) error {
	logger := zerolog.Ctx(ctx)
	merged, err := ReadMergedMap(folder)
	if err != nil {
		return err
	}
	base, err := ReadConfig[BaseConfig](folder)
	if err != nil {
		return err
	}
	executor, err := executors.Resolve(base.Executor)
	if err != nil {
		return err
	}
	logger.Info().Msgf("running experiment %s with executor %s", folder.Path(), base.Executor)
	result := &Result{StartTime: time.Now(), Config: merged}
	if err := result.WriteTo(folder); err != nil {
		return err
	}

	if !opts.NoSetParams && len(base.RouterParams) > 0 {
		if err := setParams(ctx, base.Redis, base.RouterParams); err != nil {
			return err
		}
	}
	if !opts.NoWorkers && len(base.Workers) > 0 {
		if err := startWorkers(ctx, opts.WorkerRunner, base.Workers); err != nil {
			return err
		}
	}

	execErr := executor.Execute(ctx, folder)
	result.EndTime = time.Now()
	if execErr != nil {
		result.Error = execErr.Error()
	}
	if err := result.WriteTo(folder); err != nil {
		return errors.Join(execErr, err)
	}
	if execErr != nil {
		return execErr
	}
	logger.Info().Msgf("experiment %s finished in %s", folder.Path(), result.EndTime.Sub(result.StartTime))
	return nil
}

// Experiments lists the experiment subdirectories of a group.
func Experiments(folder Folder) ([]string, error) {
	entries, err := os.ReadDir(folder.GroupPath())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func Stats(ctx context.Context, folder Folder, executors *registry.Registry[Executor]) (map[string]any, error) {
	base, err := ReadConfig[BaseConfig](folder)
	if err != nil {
		return nil, err
	}
	executor, err := executors.Resolve(base.Executor)
	if err != nil {
		return nil, err
	}
	return executor.GetStats(ctx, folder)
}

// GroupStats collects the stats of every experiment that has a result.json
// and writes them to <group>/stats.json.
func GroupStats(ctx context.Context, folder Folder, executors *registry.Registry[Executor]) (map[string]any, error) {
	logger := zerolog.Ctx(ctx)
	names, err := Experiments(folder)
	if err != nil {
		return nil, err
	}
	statsMap := make(map[string]any)
	for _, name := range names {
		exp := folder.WithName(name)
		// if the experiment has no result.json, it hasn't been run yet
		if _, err := os.Stat(filepath.Join(exp.Path(), ResultFile)); os.IsNotExist(err) {
			logger.Warn().Msgf("experiment %s has no %s, skipping", name, ResultFile)
			continue
		}
		stats, err := Stats(ctx, exp, executors)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		statsMap[name] = stats
	}
	outputPath := filepath.Join(folder.GroupPath(), StatsFile)
	raw, err := json.MarshalIndent(statsMap, "", "\t")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(outputPath, raw, 0644); err != nil {
		return nil, err
	}
	logger.Info().Msgf("wrote stats for %d experiments to %s", len(statsMap), outputPath)
	return statsMap, nil
}

func CreateExperimentCli() *cli.Command {
	return &cli.Command{
		Name:    "experiment",
		Aliases: []string{"ex"},
		Usage:   "run experiment folders and collect their stats",
		Commands: []*cli.Command{
			createExperimentRunCli(),
			createExperimentStatsCli(),
		},
	}
}

func createExperimentRunCli() *cli.Command {
	var (
		experimentsFolder string
		experimentGroup   string
		experiment        string
		noWorkers         bool
		noSetParams       bool
	)
	action := func(ctx context.Context, _ *cli.Command) error {
		executors := NewExecutors()
		folder := Folder{ExperimentsFolder: experimentsFolder, Group: experimentGroup, Name: experiment}
		opts := RunOptions{NoSetParams: noSetParams, NoWorkers: noWorkers}
		if experiment != "all" {
			return Run(ctx, folder, executors, opts)
		}
		names, err := Experiments(folder)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := Run(ctx, folder.WithName(name), executors, opts); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	}
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "run an experiment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "experiments",
				Usage:       "the parent folder for the experiment groups",
				Destination: &experimentsFolder,
				Value:       "experiments",
			},
			&cli.StringFlag{
				Name:        "group",
				Aliases:     []string{"g"},
				Usage:       "the experiment group to run",
				Destination: &experimentGroup,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "experiment",
				Aliases:     []string{"e"},
				Usage:       "the experiment to run. Set to 'all' to run all experiments in the group",
				Destination: &experiment,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "no-workers",
				Usage:       "don't start the workers listed in the config",
				Destination: &noWorkers,
			},
			&cli.BoolFlag{
				Name:        "no-set-params",
				Usage:       "don't set router params in redis",
				Destination: &noSetParams,
			},
		},
		Action: action,
	}
}

func createExperimentStatsCli() *cli.Command {
	var (
		experimentsFolder string
		experimentGroup   string
		experiment        string
	)
	action := func(ctx context.Context, _ *cli.Command) error {
		executors := NewExecutors()
		folder := Folder{ExperimentsFolder: experimentsFolder, Group: experimentGroup, Name: experiment}
		if experiment == "" {
			_, err := GroupStats(ctx, folder, executors)
			return err
		}
		stats, err := Stats(ctx, folder, executors)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(stats)
	}
	return &cli.Command{
		Name:    "stats",
		Aliases: []string{"s"},
		Usage:   "get stats for an experiment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "experiments",
				Usage:       "the parent folder for the experiment groups",
				Destination: &experimentsFolder,
				Value:       "experiments",
			},
			&cli.StringFlag{
				Name:        "group",
				Aliases:     []string{"g"},
				Usage:       "the experiment group",
				Destination: &experimentGroup,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "experiment",
				Aliases:     []string{"e"},
				Usage:       "the experiment. Do not set this to get stats for all experiments in the group",
				Destination: &experiment,
			},
		},
		Action: action,
	}
}
