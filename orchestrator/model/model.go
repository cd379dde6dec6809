// Package model holds the policy wrappers the orchestrator drives.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"github.com/zaporter/trl/orchestrator/tokenizer"
	"gonum.org/v1/gonum/mat"
)

var ErrNotImplemented = errors.New("not implemented")

// LogFunc receives one stats map per optimization step.
type LogFunc func(stats map[string]float64)

// Model owns its network, optimizer state and rollout storage.
type Model interface {
	// Act generates a response for every prompt row. Rewards holds the
	// per-token KL penalty; the caller adds the score.
	Act(ctx context.Context, batch data.PromptBatch) ([]data.PPORLElement, error)
	Learn(ctx context.Context, log LogFunc) error
	Save(ctx context.Context, dir string) error
	Store() *pipeline.PPORolloutStorage
	Parameters() map[string]mat.Matrix
}

// Deps are the collaborators a constructor may need. Redis is nil unless configured.
type Deps struct {
	Tokenizer   tokenizer.Tokenizer
	Redis       *redis.Client
	Accelerator Accelerator
}

type Constructor func(ctx context.Context, cfg *config.TRLConfig, deps Deps) (Model, error)

// Shape is what an accelerator may learn about a loader without iterating it.
type Shape interface {
	NumBatches() int
	BatchSize() int
}

type Accelerator interface {
	Prepare(ctx context.Context, loader Shape) error
}

// LocalAccelerator is the single-process accelerator. It only checks that
// the loader would produce at least one batch.
type LocalAccelerator struct{}

func (LocalAccelerator) Prepare(ctx context.Context, loader Shape) error {
	if loader.NumBatches() == 0 {
		return fmt.Errorf("accelerator: loader has no batches (batch size %d)", loader.BatchSize())
	}
	zerolog.Ctx(ctx).Debug().Msgf("prepared loader with %d batches of %d", loader.NumBatches(), loader.BatchSize())
	return nil
}

// newPrimedStore builds a rollout store, hands a loader over its placeholder
// element to the accelerator, then empties it.
func newPrimedStore(ctx context.Context, cfg *config.TRLConfig, acc Accelerator) (*pipeline.PPORolloutStorage, error) {
	if acc == nil {
		acc = LocalAccelerator{}
	}
	store := pipeline.NewPPORolloutStorage(pipeline.WithPlaceholder(), pipeline.WithSeed(uint64(cfg.Train.Seed)))
	if err := acc.Prepare(ctx, store.CreateLoader(cfg.Train.BatchSize, true, nil, cfg.Train.NumWorkers)); err != nil {
		return nil, err
	}
	store.Clear()
	return store, nil
}
