package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/mroth/weightedrand/v2"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/metrics"
	"github.com/zaporter/trl/orchestrator/pipeline"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	BigramPolicyFile = "bigram_policy.json"
	// W is V*V so anything past a character vocabulary is too large
	maxBigramVocab = 4096
	// weightedrand needs integer weights
	weightScale = 1 << 30
)

// BigramPolicy picks the next token from softmax(W[prev]/Temperature) and
// estimates the value of a state with V[prev]. The pad id is never sampled.
type BigramPolicy struct {
	W           *mat.Dense
	V           *mat.VecDense
	Temperature float64
	PadID       int
}

func NewBigramPolicy(vocabSize, padID int, temperature float64) *BigramPolicy {
	return &BigramPolicy{
		W:           mat.NewDense(vocabSize, vocabSize, nil),
		V:           mat.NewVecDense(vocabSize, nil),
		Temperature: temperature,
		PadID:       padID,
	}
}

func (p *BigramPolicy) VocabSize() int {
	r, _ := p.W.Dims()
	return r
}

// Probs is the next-token distribution after prev.
func (p *BigramPolicy) Probs(prev int) []float64 {
	return maskedSoftmax(p.W.RawRowView(prev), p.Temperature, p.PadID)
}

func maskedSoftmax(logits []float64, temperature float64, mask int) []float64 {
	out := make([]float64, len(logits))
	maxLogit := math.Inf(-1)
	for j, l := range logits {
		if j != mask && l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for j, l := range logits {
		if j == mask {
			continue
		}
		out[j] = math.Exp((l - maxLogit) / temperature)
		sum += out[j]
	}
	for j := range out {
		out[j] /= sum
	}
	return out
}

type bigramJSON struct {
	VocabSize   int         `json:"vocab_size"`
	PadID       int         `json:"pad_id"`
	Temperature float64     `json:"temperature"`
	W           [][]float64 `json:"w"`
	V           []float64   `json:"v"`
}

func (p *BigramPolicy) MarshalJSON() ([]byte, error) {
	n := p.VocabSize()
	w := make([][]float64, n)
	for i := range w {
		w[i] = mat.Row(nil, i, p.W)
	}
	return json.Marshal(bigramJSON{
		VocabSize:   n,
		PadID:       p.PadID,
		Temperature: p.Temperature,
		W:           w,
		V:           mat.Col(nil, 0, p.V),
	})
}

func (p *BigramPolicy) UnmarshalJSON(raw []byte) error {
	var wire bigramJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	n := wire.VocabSize
	if n <= 0 || len(wire.W) != n || len(wire.V) != n {
		return fmt.Errorf("bigram policy: inconsistent sizes (vocab %d, w %d, v %d)", n, len(wire.W), len(wire.V))
	}
	p.W = mat.NewDense(n, n, nil)
	for i, row := range wire.W {
		if len(row) != n {
			return fmt.Errorf("bigram policy: row %d has %d entries, want %d", i, len(row), n)
		}
		p.W.SetRow(i, row)
	}
	p.V = mat.NewVecDense(n, wire.V)
	p.PadID = wire.PadID
	p.Temperature = wire.Temperature
	return nil
}

func LoadBigramPolicy(path string) (*BigramPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p BigramPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// BigramPPO trains a BigramPolicy with clipped PPO.
type BigramPPO struct {
	policy *BigramPolicy
	// frozen copy of the initial logits for the KL penalty
	ref    *mat.Dense
	store  *pipeline.PPORolloutStorage
	method config.MethodConfig
	train  config.TrainConfig
	rng    *rand.Rand
	logger zerolog.Logger
}

var _ Model = &BigramPPO{}

func NewBigramPPO(ctx context.Context, cfg *config.TRLConfig, deps Deps) (Model, error) {
	if deps.Tokenizer == nil {
		return nil, errors.New("bigram_ppo needs a tokenizer")
	}
	vocab := deps.Tokenizer.VocabSize()
	if vocab > maxBigramVocab {
		return nil, fmt.Errorf("bigram_ppo supports vocabularies up to %d tokens, tokenizer has %d (use the char tokenizer)", maxBigramVocab, vocab)
	}
	logger := zerolog.Ctx(ctx).With().Str("component", "bigram_ppo").Logger()

	policy := NewBigramPolicy(vocab, deps.Tokenizer.PadID(), cfg.Method.Temperature)
	if cfg.Model.ModelPath != "" {
		path := filepath.Join(cfg.Model.ModelPath, BigramPolicyFile)
		loaded, err := LoadBigramPolicy(path)
		switch {
		case err == nil:
			if loaded.VocabSize() != vocab {
				return nil, fmt.Errorf("%s: vocab size %d does not match tokenizer (%d)", path, loaded.VocabSize(), vocab)
			}
			policy = loaded
			policy.Temperature = cfg.Method.Temperature
			logger.Info().Msgf("loaded bigram policy from %s", path)
		case errors.Is(err, os.ErrNotExist):
			logger.Info().Msgf("no policy at %s, starting from uniform", path)
		default:
			return nil, err
		}
	}

	store, err := newPrimedStore(ctx, cfg, deps.Accelerator)
	if err != nil {
		return nil, err
	}
	return &BigramPPO{
		policy: policy,
		ref:    mat.DenseCopyOf(policy.W),
		store:  store,
		method: cfg.Method,
		train:  cfg.Train,
		rng:    rand.New(rand.NewSource(cfg.Train.Seed)),
		logger: logger,
	}, nil
}

func (m *BigramPPO) Policy() *BigramPolicy {
	return m.policy
}

func (m *BigramPPO) Store() *pipeline.PPORolloutStorage {
	return m.store
}

func (m *BigramPPO) Parameters() map[string]mat.Matrix {
	return map[string]mat.Matrix{"W": m.policy.W, "v": m.policy.V}
}

func (m *BigramPPO) startState(query []int) int {
	if len(query) == 0 {
		return m.policy.PadID
	}
	return query[len(query)-1]
}

func (m *BigramPPO) sample(probs []float64) (int, error) {
	choices := make([]weightedrand.Choice[int, uint64], 0, len(probs))
	for tok, p := range probs {
		if w := uint64(p * weightScale); w > 0 {
			choices = append(choices, weightedrand.NewChoice(tok, w))
		}
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return 0, err
	}
	return chooser.PickSource(m.rng), nil
}

func (m *BigramPPO) Act(ctx context.Context, batch data.PromptBatch) ([]data.PPORLElement, error) {
	out := make([]data.PPORLElement, batch.Len())
	refPolicy := &BigramPolicy{W: m.ref, Temperature: m.policy.Temperature, PadID: m.policy.PadID}
	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		query := append([]int(nil), batch.Tokens.Row(i)...)
		elem := data.PPORLElement{
			QueryTokens:    query,
			ResponseTokens: make([]int, m.method.GenLen),
			LogProbs:       make([]float64, m.method.GenLen),
			Values:         make([]float64, m.method.GenLen),
			Rewards:        make([]float64, m.method.GenLen),
		}
		prev := m.startState(query)
		for t := 0; t < m.method.GenLen; t++ {
			probs := m.policy.Probs(prev)
			tok, err := m.sample(probs)
			if err != nil {
				return nil, fmt.Errorf("sampling after token %d: %w", prev, err)
			}
			logp := math.Log(probs[tok])
			refLogp := math.Log(refPolicy.Probs(prev)[tok])
			elem.ResponseTokens[t] = tok
			elem.LogProbs[t] = logp
			elem.Values[t] = m.policy.V.AtVec(prev)
			elem.Rewards[t] = -m.method.InitKLCoef * (logp - refLogp)
			prev = tok
		}
		out[i] = elem
	}
	return out, nil
}

// gae returns advantages and returns for one row.
func gae(rewards, values []float64, gamma, lam float64) (adv, ret []float64) {
	n := len(rewards)
	adv = make([]float64, n)
	ret = make([]float64, n)
	var last float64
	for t := n - 1; t >= 0; t-- {
		var next float64
		if t+1 < n {
			next = values[t+1]
		}
		delta := rewards[t] + gamma*next - values[t]
		last = delta + gamma*lam*last
		adv[t] = last
	}
	for t := range adv {
		ret[t] = adv[t] + values[t]
	}
	return adv, ret
}

func whiten(xs []float64) {
	mean, std := stat.MeanStdDev(xs, nil)
	if math.IsNaN(std) || std < 1e-8 {
		std = 1
	}
	for i := range xs {
		xs[i] = (xs[i] - mean) / std
	}
}

func clip(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func (m *BigramPPO) Learn(ctx context.Context, log LogFunc) error {
	if m.store.Len() == 0 {
		return errors.New("bigram_ppo: nothing to learn from, rollout store is empty")
	}
	loader := m.store.CreateLoader(m.train.BatchSize, true, nil, m.train.NumWorkers)
	for epoch := 0; epoch < m.method.PPOEpochs; epoch++ {
		for batch, err := range loader.All(ctx) {
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			stats, err := m.step(batch)
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			metrics.LearnSteps.WithLabelValues("bigram_ppo").Inc()
			if log != nil {
				log(stats)
			}
		}
		m.logger.Debug().Msgf("finished ppo epoch %d/%d", epoch+1, m.method.PPOEpochs)
	}
	return nil
}

// rewardRow spreads a scalar reward onto the last response position.
func rewardRow(rewards *mat.Dense, b, width int) ([]float64, error) {
	raw := rewards.RawRowView(b)
	switch len(raw) {
	case width:
		return raw, nil
	case 1:
		row := make([]float64, width)
		row[width-1] = raw[0]
		return row, nil
	default:
		return nil, fmt.Errorf("%w: rewards have width %d, responses %d", data.ErrShapeMismatch, len(raw), width)
	}
}

// step applies one clipped PPO update from a collated batch.
func (m *BigramPPO) step(batch data.PPORLBatch) (map[string]float64, error) {
	rows, cols := batch.Responses.Rows, batch.Responses.Cols
	n := rows * cols

	advs := make([]float64, 0, n)
	rets := make([]float64, 0, n)
	var rewardSum float64
	for b := 0; b < rows; b++ {
		rew, err := rewardRow(batch.Rewards, b, cols)
		if err != nil {
			return nil, err
		}
		for _, r := range rew {
			rewardSum += r
		}
		adv, ret := gae(rew, batch.Values.RawRowView(b), m.method.Gamma, m.method.Lam)
		advs = append(advs, adv...)
		rets = append(rets, ret...)
	}
	whiten(advs)

	vocab := m.policy.VocabSize()
	gradW := mat.NewDense(vocab, vocab, nil)
	gradV := mat.NewVecDense(vocab, nil)
	var pgLoss, vfLoss, approxKL, clipped float64
	lo, hi := 1-m.method.ClipRange, 1+m.method.ClipRange
	for b := 0; b < rows; b++ {
		prev := m.startState(batch.Queries.Row(b))
		for t := 0; t < cols; t++ {
			k := b*cols + t
			tok := batch.Responses.At(b, t)
			probs := m.policy.Probs(prev)
			logp := math.Log(probs[tok])
			oldLogp := batch.LogProbs.At(b, t)
			ratio := math.Exp(logp - oldLogp)
			adv := advs[k]

			pg1 := -adv * ratio
			pg2 := -adv * clip(ratio, lo, hi)
			if pg2 > pg1 {
				clipped++
				pgLoss += pg2
			} else {
				pgLoss += pg1
				// d(-adv*ratio)/dz_j = -adv*ratio*(1[j=tok]-p_j), z = W/T
				scale := -adv * ratio / m.policy.Temperature / float64(n)
				row := gradW.RawRowView(prev)
				for j, p := range probs {
					ind := 0.0
					if j == tok {
						ind = 1
					}
					row[j] += scale * (ind - p)
				}
			}
			approxKL += 0.5 * (logp - oldLogp) * (logp - oldLogp)

			vpred := m.policy.V.AtVec(prev)
			vold := batch.Values.At(b, t)
			ret := rets[k]
			vclipped := vold + clip(vpred-vold, -m.method.ClipRangeValue, m.method.ClipRangeValue)
			vf1 := (vpred - ret) * (vpred - ret)
			vf2 := (vclipped - ret) * (vclipped - ret)
			if vf1 >= vf2 {
				vfLoss += 0.5 * vf1
				gradV.SetVec(prev, gradV.AtVec(prev)+(vpred-ret)/float64(n))
			} else {
				vfLoss += 0.5 * vf2
			}
			prev = tok
		}
	}

	gradW.Scale(m.method.LR, gradW)
	m.policy.W.Sub(m.policy.W, gradW)
	m.policy.V.AddScaledVec(m.policy.V, -m.method.LR*m.method.VFCoef, gradV)

	pgLoss /= float64(n)
	vfLoss /= float64(n)
	return map[string]float64{
		"loss/policy":      pgLoss,
		"loss/value":       vfLoss,
		"loss/total":       pgLoss + m.method.VFCoef*vfLoss,
		"policy/approx_kl": approxKL / float64(n),
		"policy/clipfrac":  clipped / float64(n),
		"returns/mean":     stat.Mean(rets, nil),
		"rewards/mean":     rewardSum / float64(rows),
	}, nil
}

func (m *BigramPPO) Save(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m.policy, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, BigramPolicyFile)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return err
	}
	m.logger.Info().Msgf("saved bigram policy to %s", path)
	return nil
}
