package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"gonum.org/v1/gonum/mat"
)

// Component is one subfolder of a pretrained diffusion pipeline.
type Component struct {
	Name   string
	Path   string
	Config gjson.Result
}

type PretrainedLoader interface {
	Load(ctx context.Context, modelPath, subfolder string) (Component, error)
}

// DirLoader reads <modelPath>/<subfolder>/config.json.
type DirLoader struct{}

func (DirLoader) Load(ctx context.Context, modelPath, subfolder string) (Component, error) {
	path := filepath.Join(modelPath, subfolder, "config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Component{}, err
	}
	if !gjson.ValidBytes(raw) {
		return Component{}, fmt.Errorf("%s is not valid json", path)
	}
	return Component{Name: subfolder, Path: filepath.Dir(path), Config: gjson.ParseBytes(raw)}, nil
}

// UNetActorCritic is the trainable head built on the pretrained unet.
type UNetActorCritic struct {
	UNet Component
}

func (u *UNetActorCritic) Forward(ctx context.Context, latents *mat.Dense) (*mat.Dense, error) {
	return nil, fmt.Errorf("unet actor-critic forward: %w", ErrNotImplemented)
}

// DiffusionModel wires a frozen text encoder and VAE to a UNetActorCritic.
// Loading and latent geometry work. Generation and optimization do not exist
// and fail loudly.
type DiffusionModel struct {
	Tokenizer   Component
	TextEncoder Component
	VAE         Component
	Scheduler   Component
	Actor       *UNetActorCritic

	VAEScaleFactor int
	LatentSize     int

	store  *pipeline.PPORolloutStorage
	logger zerolog.Logger
}

var _ Model = &DiffusionModel{}

func NewAccelerateSD(ctx context.Context, cfg *config.TRLConfig, deps Deps) (Model, error) {
	return NewDiffusionModel(ctx, cfg, deps, DirLoader{})
}

func NewDiffusionModel(ctx context.Context, cfg *config.TRLConfig, deps Deps, loader PretrainedLoader) (*DiffusionModel, error) {
	if cfg.Model.ModelPath == "" {
		return nil, errors.New("accelerate_sd needs model.model_path")
	}
	logger := zerolog.Ctx(ctx).With().Str("component", "accelerate_sd").Logger()
	m := &DiffusionModel{logger: logger}
	for _, part := range []struct {
		dst       *Component
		subfolder string
	}{
		{&m.Tokenizer, "tokenizer"},
		{&m.TextEncoder, "text_encoder"},
		{&m.VAE, "vae"},
		{&m.Scheduler, cfg.Model.Scheduler},
	} {
		c, err := loader.Load(ctx, cfg.Model.ModelPath, part.subfolder)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", part.subfolder, err)
		}
		*part.dst = c
	}
	unet, err := loader.Load(ctx, cfg.Model.ModelPath, "unet")
	if err != nil {
		return nil, fmt.Errorf("loading unet: %w", err)
	}
	m.Actor = &UNetActorCritic{UNet: unet}

	channels := m.VAE.Config.Get("block_out_channels").Array()
	if len(channels) == 0 {
		return nil, errors.New("vae config has no block_out_channels")
	}
	m.VAEScaleFactor = 1 << (len(channels) - 1)
	m.LatentSize = cfg.Method.ImgSize / m.VAEScaleFactor
	logger.Info().Msgf("vae scale factor %d, latent size %d", m.VAEScaleFactor, m.LatentSize)

	if m.store, err = newPrimedStore(ctx, cfg, deps.Accelerator); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DiffusionModel) Store() *pipeline.PPORolloutStorage {
	return m.store
}

func (m *DiffusionModel) Parameters() map[string]mat.Matrix {
	return map[string]mat.Matrix{}
}

func (m *DiffusionModel) Act(ctx context.Context, batch data.PromptBatch) ([]data.PPORLElement, error) {
	return nil, fmt.Errorf("accelerate_sd act: %w", ErrNotImplemented)
}

func (m *DiffusionModel) Forward(ctx context.Context, latents *mat.Dense) (*mat.Dense, error) {
	return m.Actor.Forward(ctx, latents)
}

func (m *DiffusionModel) Learn(ctx context.Context, log LogFunc) error {
	return fmt.Errorf("accelerate_sd learn: %w", ErrNotImplemented)
}

type diffusionManifest struct {
	ModelPath      string            `json:"model_path"`
	Components     map[string]string `json:"components"`
	VAEScaleFactor int               `json:"vae_scale_factor"`
	LatentSize     int               `json:"latent_size"`
}

// Save writes a manifest pointing at the pretrained components. No weights change.
func (m *DiffusionModel) Save(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	components := map[string]string{
		"tokenizer":    m.Tokenizer.Path,
		"text_encoder": m.TextEncoder.Path,
		"vae":          m.VAE.Path,
		"unet":         m.Actor.UNet.Path,
		"scheduler":    m.Scheduler.Path,
	}
	manifest := diffusionManifest{
		ModelPath:      filepath.Dir(m.VAE.Path),
		Components:     components,
		VAEScaleFactor: m.VAEScaleFactor,
		LatentSize:     m.LatentSize,
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "diffusion_model.json"), raw, 0644)
}
