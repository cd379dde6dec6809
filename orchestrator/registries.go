// Package orchestrator wires models, prompt pipelines and orchestrators into a
// PPO run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/model"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"github.com/zaporter/trl/orchestrator/registry"
	"github.com/zaporter/trl/orchestrator/reward"
	"github.com/zaporter/trl/orchestrator/tokenizer"
	"github.com/zaporter/trl/orchestrator/tracker"
)

type PipelineConstructor func(ctx context.Context, cfg *config.TRLConfig, deps model.Deps) (*pipeline.PromptPipeline, error)

// Orchestrator fills a model's rollout store.
type Orchestrator interface {
	MakeExperience(ctx context.Context, numRollouts int) error
}

// OrchestratorDeps are the collaborators an orchestrator scores and logs with.
type OrchestratorDeps struct {
	Tokenizer tokenizer.Tokenizer
	Reward    reward.Func
	Tracker   tracker.Tracker
}

type OrchestratorConstructor func(ctx context.Context, cfg *config.TRLConfig, m model.Model, p *pipeline.PromptPipeline, deps OrchestratorDeps) (Orchestrator, error)

type Registries struct {
	Models        *registry.Registry[model.Constructor]
	Pipelines     *registry.Registry[PipelineConstructor]
	Orchestrators *registry.Registry[OrchestratorConstructor]
}

func NewRegistries() *Registries {
	return &Registries{
		Models:        registry.New[model.Constructor]("model"),
		Pipelines:     registry.New[PipelineConstructor]("pipeline"),
		Orchestrators: registry.New[OrchestratorConstructor]("orchestrator"),
	}
}

// RegisterDefaults adds every built-in component. Call it once at startup.
func RegisterDefaults(r *Registries) error {
	return errors.Join(
		r.Models.Register("bigram_ppo", model.NewBigramPPO),
		r.Models.Register("remote_ppo", model.NewRemotePPO),
		r.Models.Register("accelerate_sd", model.NewAccelerateSD),
		r.Pipelines.Register("ppo_pipeline", NewPPOPipeline),
		r.Orchestrators.Register("ppo_orchestrator", NewPPOOrchestrator),
	)
}

// DefaultRegistries is NewRegistries followed by RegisterDefaults.
func DefaultRegistries() *Registries {
	r := NewRegistries()
	if err := RegisterDefaults(r); err != nil {
		panic(err)
	}
	return r
}

// Components are the constructors a config names, resolved in one step,
// along with the registry keys they were found under.
type Components struct {
	Model        model.Constructor
	Pipeline     PipelineConstructor
	Orchestrator OrchestratorConstructor

	ModelArch        string
	PipelineName     string
	OrchestratorName string
}

// ParseComponents resolves all three names so that a typo in any of them is
// reported before anything is built.
func (r *Registries) ParseComponents(cfg *config.TRLConfig) (Components, error) {
	var c Components
	var errs []error
	var err error
	if c.Model, err = r.Models.Resolve(cfg.Model.ModelArch); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline, err = r.Pipelines.Resolve(cfg.Train.Pipeline); err != nil {
		errs = append(errs, err)
	}
	if c.Orchestrator, err = r.Orchestrators.Resolve(cfg.Train.Orchestrator); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Components{}, fmt.Errorf("resolving components: %w", errors.Join(errs...))
	}
	c.ModelArch = registry.Key(cfg.Model.ModelArch)
	c.PipelineName = registry.Key(cfg.Train.Pipeline)
	c.OrchestratorName = registry.Key(cfg.Train.Orchestrator)
	return c, nil
}
