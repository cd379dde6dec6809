// Package pipeline turns datasets and rollout buffers into batches.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/dataset"
	"github.com/zaporter/trl/orchestrator/tokenizer"
)

const DefaultMaxLength = 500

type PromptOptions struct {
	// Rename maps source columns to review/sentiment. nil means dataset.DefaultRename.
	Rename map[string]string
	// reviews must be strictly shorter than this many runes
	MaxLength int
	// LazyTokenization defers Encode until the element is first read.
	LazyTokenization bool
	Seed             uint64
}

// PromptPipeline holds the filtered review texts and their token ids.
type PromptPipeline struct {
	tok      tokenizer.Tokenizer
	examples []dataset.Example
	lazy     bool
	seed     uint64

	mu     sync.Mutex
	tokens [][]int
}

func NewPromptPipeline(ctx context.Context, tok tokenizer.Tokenizer, src dataset.Source, opts PromptOptions) (*PromptPipeline, error) {
	logger := zerolog.Ctx(ctx)
	if opts.Rename == nil {
		opts.Rename = dataset.DefaultRename
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	records, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}
	examples, err := dataset.ToExamples(dataset.Rename(records, opts.Rename))
	if err != nil {
		return nil, err
	}
	kept := dataset.FilterShorterThan(examples, opts.MaxLength)
	logger.Info().Msgf("prompt pipeline kept %d of %d reviews shorter than %d", len(kept), len(examples), opts.MaxLength)

	p := &PromptPipeline{
		tok:      tok,
		examples: kept,
		lazy:     opts.LazyTokenization,
		seed:     opts.Seed,
		tokens:   make([][]int, len(kept)),
	}
	if !p.lazy {
		for i, ex := range kept {
			p.tokens[i] = encodeOne(tok, ex.Review)
		}
	}
	return p, nil
}

func encodeOne(tok tokenizer.Tokenizer, text string) []int {
	return tok.Encode([]string{text}).InputIDs[0]
}

func (p *PromptPipeline) Len() int {
	return len(p.examples)
}

func (p *PromptPipeline) At(i int) data.PromptElement {
	text := p.examples[i].Review
	if !p.lazy {
		return data.PromptElement{Text: text, Tokens: p.tokens[i]}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens[i] == nil {
		p.tokens[i] = encodeOne(p.tok, text)
	}
	return data.PromptElement{Text: text, Tokens: p.tokens[i]}
}

func (p *PromptPipeline) Texts() []string {
	out := make([]string, len(p.examples))
	for i, ex := range p.examples {
		out[i] = ex.Review
	}
	return out
}

func (p *PromptPipeline) Examples() []dataset.Example {
	return append([]dataset.Example(nil), p.examples...)
}

func (p *PromptPipeline) CreateLoader(batchSize int, shuffle bool, prep PrepFunc[data.PromptBatch], numWorkers int) *Loader[data.PromptElement, data.PromptBatch] {
	return NewLoader[data.PromptElement, data.PromptBatch](p, data.CollatePrompts, LoaderOptions[data.PromptBatch]{
		Name:       "prompts",
		BatchSize:  batchSize,
		Shuffle:    shuffle,
		NumWorkers: numWorkers,
		Seed:       p.seed,
		Prep:       prep,
	})
}
