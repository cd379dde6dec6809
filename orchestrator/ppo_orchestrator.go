package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/model"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"github.com/zaporter/trl/orchestrator/reward"
	"github.com/zaporter/trl/orchestrator/tokenizer"
	"github.com/zaporter/trl/orchestrator/tracker"
	"gonum.org/v1/gonum/stat"
)

var ErrNoPrompts = errors.New("prompt pipeline is empty")

// PPOOrchestrator generates experience: prompts from the pipeline, responses
// from the model, scores from the reward function.
type PPOOrchestrator struct {
	model   model.Model
	loader  *pipeline.Loader[data.PromptElement, data.PromptBatch]
	tok     tokenizer.Tokenizer
	reward  reward.Func
	tracker tracker.Tracker

	scaleReward bool
	running     runningMoments

	logger zerolog.Logger
}

var _ Orchestrator = &PPOOrchestrator{}

func NewPPOOrchestrator(ctx context.Context, cfg *config.TRLConfig, m model.Model, p *pipeline.PromptPipeline, deps OrchestratorDeps) (Orchestrator, error) {
	switch {
	case deps.Tokenizer == nil:
		return nil, errors.New("ppo_orchestrator needs a tokenizer")
	case deps.Reward == nil:
		return nil, errors.New("ppo_orchestrator needs a reward function")
	case deps.Tracker == nil:
		return nil, errors.New("ppo_orchestrator needs a tracker")
	}
	if p.Len() == 0 {
		return nil, ErrNoPrompts
	}
	return &PPOOrchestrator{
		model:       m,
		loader:      p.CreateLoader(cfg.Train.BatchSize, true, nil, cfg.Train.NumWorkers),
		tok:         deps.Tokenizer,
		reward:      deps.Reward,
		tracker:     deps.Tracker,
		scaleReward: cfg.Method.ScaleReward,
		logger:      zerolog.Ctx(ctx).With().Str("component", "ppo_orchestrator").Logger(),
	}, nil
}

// MakeExperience pushes exactly numRollouts scored elements to the model's
// store, starting new passes over the prompts as needed.
func (o *PPOOrchestrator) MakeExperience(ctx context.Context, numRollouts int) error {
	start := time.Now()
	store := o.model.Store()
	scores := make([]float64, 0, numRollouts)
	for len(scores) < numRollouts {
		sawBatch := false
		for batch, err := range o.loader.All(ctx) {
			if err != nil {
				return err
			}
			sawBatch = true
			elems, batchScores, err := o.score(ctx, batch)
			if err != nil {
				return err
			}
			if take := numRollouts - len(scores); len(elems) > take {
				elems, batchScores = elems[:take], batchScores[:take]
			}
			store.Push(elems...)
			scores = append(scores, batchScores...)
			if len(scores) >= numRollouts {
				break
			}
		}
		if !sawBatch {
			return ErrNoPrompts
		}
	}
	elapsed := time.Since(start)
	o.logger.Info().Msgf("made %d rollouts in %s", len(scores), elapsed)
	o.tracker.Log(map[string]float64{
		"exp/score_mean": stat.Mean(scores, nil),
		"exp/time":       elapsed.Seconds(),
	})
	return nil
}

// score runs the model on one batch and adds the reward to each element's
// last reward position. The returned scores are the raw reward values.
func (o *PPOOrchestrator) score(ctx context.Context, batch data.PromptBatch) ([]data.PPORLElement, []float64, error) {
	elems, err := o.model.Act(ctx, batch)
	if err != nil {
		return nil, nil, fmt.Errorf("act: %w", err)
	}
	if len(elems) != batch.Len() {
		return nil, nil, fmt.Errorf("model returned %d elements for %d prompts", len(elems), batch.Len())
	}
	responses := make([]string, len(elems))
	for i, e := range elems {
		responses[i] = o.tok.Decode(e.ResponseTokens)
	}
	scores, err := o.reward(ctx, batch.Texts, responses)
	if err != nil {
		return nil, nil, fmt.Errorf("reward: %w", err)
	}
	if len(scores) != len(elems) {
		return nil, nil, fmt.Errorf("%w: %d scores for %d responses", reward.ErrLengthMismatch, len(scores), len(elems))
	}
	added := scores
	if o.scaleReward {
		o.running.update(scores)
		added = o.running.normalize(scores)
	}
	for i := range elems {
		if len(elems[i].Rewards) == 0 {
			elems[i].Rewards = []float64{0}
		}
		elems[i].Rewards[len(elems[i].Rewards)-1] += added[i]
	}
	return elems, scores, nil
}

// runningMoments tracks the mean and variance of every score seen so far
// (Chan et al. parallel update).
type runningMoments struct {
	count float64
	mean  float64
	m2    float64
}

func (r *runningMoments) update(xs []float64) {
	if len(xs) == 0 {
		return
	}
	n := float64(len(xs))
	mean, variance := stat.MeanVariance(xs, nil)
	if len(xs) == 1 {
		variance = 0
	}
	delta := mean - r.mean
	total := r.count + n
	r.mean += delta * n / total
	r.m2 += variance*(n-1) + delta*delta*r.count*n/total
	r.count = total
}

func (r *runningMoments) std() float64 {
	if r.count < 2 {
		return 1
	}
	s := math.Sqrt(r.m2 / (r.count - 1))
	if s == 0 {
		return 1
	}
	return s
}

func (r *runningMoments) normalize(xs []float64) []float64 {
	out := make([]float64, len(xs))
	s := r.std()
	for i, x := range xs {
		out[i] = (x - r.mean) / s
	}
	return out
}
