// Package config loads the YAML run configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type TRLConfig struct {
	Model   ModelConfig   `yaml:"model"`
	Train   TrainConfig   `yaml:"train"`
	Method  MethodConfig  `yaml:"method"`
	Dataset DatasetConfig `yaml:"dataset"`
	Tracker TrackerConfig `yaml:"tracker"`
	Redis   RedisConfig   `yaml:"redis"`
}

type ModelConfig struct {
	ModelArch string `yaml:"model_arch" validate:"required"`
	ModelPath string `yaml:"model_path"`
	// char or bpe
	Tokenizer   string `yaml:"tokenizer" validate:"oneof=char bpe"`
	BPEEncoding string `yaml:"bpe_encoding"`
	// only used by the char tokenizer. Empty means printable ascii.
	Vocab string `yaml:"vocab"`
	// scheduler subfolder for pretrained diffusion pipelines
	Scheduler string `yaml:"scheduler"`
}

type TrainConfig struct {
	Pipeline     string `yaml:"pipeline" validate:"required"`
	Orchestrator string `yaml:"orchestrator" validate:"required"`
	BatchSize    int    `yaml:"batch_size" validate:"gt=0"`
	NumRollouts  int    `yaml:"num_rollouts" validate:"gt=0"`
	// number of make_experience -> learn cycles
	RolloutPhases int   `yaml:"rollout_phases" validate:"gt=0"`
	NumWorkers    int   `yaml:"num_workers" validate:"gte=0"`
	Seed          int64 `yaml:"seed"`
	// 0 disables fixed-length tokenization. Prompts of differing lengths
	// will then fail to collate unless the batch size is 1.
	PromptLength     int    `yaml:"prompt_length" validate:"gte=0"`
	LazyTokenization bool   `yaml:"lazy_tokenization"`
	CheckpointDir    string `yaml:"checkpoint_dir"`
}

type MethodConfig struct {
	Name           string  `yaml:"name"`
	ImgSize        int     `yaml:"img_size" validate:"gte=0"`
	PPOEpochs      int     `yaml:"ppo_epochs" validate:"gt=0"`
	GenLen         int     `yaml:"gen_len" validate:"gt=0"`
	LR             float64 `yaml:"lr" validate:"gt=0"`
	ClipRange      float64 `yaml:"cliprange" validate:"gt=0"`
	ClipRangeValue float64 `yaml:"cliprange_value" validate:"gt=0"`
	VFCoef         float64 `yaml:"vf_coef" validate:"gte=0"`
	Gamma          float64 `yaml:"gamma" validate:"gte=0,lte=1"`
	Lam            float64 `yaml:"lam" validate:"gte=0,lte=1"`
	InitKLCoef     float64 `yaml:"init_kl_coef" validate:"gte=0"`
	Temperature    float64 `yaml:"temperature" validate:"gt=0"`
	ScaleReward    bool    `yaml:"scale_reward"`
	// lexicon, length or remote
	Reward       string `yaml:"reward" validate:"oneof=lexicon length remote"`
	TargetLength int    `yaml:"target_length" validate:"gte=0"`
}

type DatasetConfig struct {
	// hub, file or redis
	Source    string            `yaml:"source" validate:"oneof=hub file redis"`
	Name      string            `yaml:"name"`
	Config    string            `yaml:"config"`
	Split     string            `yaml:"split"`
	Path      string            `yaml:"path"`
	RedisKey  string            `yaml:"redis_key"`
	HubURL    string            `yaml:"hub_url"`
	Rename    map[string]string `yaml:"rename"`
	MaxLength int               `yaml:"max_length" validate:"gt=0"`
	// 0 means no limit
	Limit int `yaml:"limit" validate:"gte=0"`
}

type TrackerConfig struct {
	Project string `yaml:"project" validate:"required"`
	// any of log, jsonl, prometheus
	Backends []string `yaml:"backends" validate:"dive,oneof=log jsonl prometheus"`
	Dir      string   `yaml:"dir"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Address, r.Port)
}

func Default() *TRLConfig {
	return &TRLConfig{
		Model: ModelConfig{
			ModelArch:   "bigram_ppo",
			Tokenizer:   "char",
			BPEEncoding: "cl100k_base",
			Scheduler:   "scheduler",
		},
		Train: TrainConfig{
			Pipeline:      "ppo_pipeline",
			Orchestrator:  "ppo_orchestrator",
			BatchSize:     8,
			NumRollouts:   64,
			RolloutPhases: 1,
			Seed:          1000,
			PromptLength:  16,
			CheckpointDir: "./",
		},
		Method: MethodConfig{
			Name:           "ppo",
			ImgSize:        512,
			PPOEpochs:      4,
			GenLen:         16,
			LR:             0.05,
			ClipRange:      0.2,
			ClipRangeValue: 0.2,
			VFCoef:         0.5,
			Gamma:          1.0,
			Lam:            0.95,
			InitKLCoef:     0.05,
			Temperature:    1.0,
			Reward:         "lexicon",
			TargetLength:   30,
		},
		Dataset: DatasetConfig{
			Source:    "hub",
			Name:      "imdb",
			Config:    "plain_text",
			Split:     "test",
			HubURL:    "https://datasets-server.huggingface.co",
			Rename:    map[string]string{"text": "review", "label": "sentiment"},
			MaxLength: 500,
		},
		Tracker: TrackerConfig{
			Project:  "trl-tests",
			Backends: []string{"log"},
			Dir:      "runs",
		},
		Redis: RedisConfig{
			Port: "6379",
		},
	}
}

// Parse decodes raw YAML over the defaults, applies env overrides and validates.
func Parse(raw []byte) (*TRLConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*TRLConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromMap round-trips a generic map (for example a merged experiment config)
// through YAML into a TRLConfig.
func FromMap(m map[string]any) (*TRLConfig, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// secrets never live in checked-in configs
func (c *TRLConfig) applyEnv() {
	c.Redis.ApplyEnv()
}

// ApplyEnv overrides the connection fields with REDIS_ADDRESS, REDIS_PORT
// and REDIS_PASSWORD when they are set.
func (r *RedisConfig) ApplyEnv() {
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		r.Address = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		r.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		r.Password = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var ErrInvalid = errors.New("invalid config")

func (c *TRLConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
