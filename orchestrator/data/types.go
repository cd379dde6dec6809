package data

import (
	"gonum.org/v1/gonum/mat"
)

// PromptElement is one pre-tokenized prompt.
type PromptElement struct {
	Text   string `json:"text"`
	Tokens []int  `json:"tokens"`
}

// PromptBatch is a collated batch of prompts. len(Texts) == Tokens.Rows.
type PromptBatch struct {
	Texts  []string    `json:"texts"`
	Tokens TokenMatrix `json:"tokens"`
}

func (b PromptBatch) Len() int {
	return len(b.Texts)
}

// PPORLElement is one unit of experience produced during a rollout.
// Rewards is either per-token (one entry per response token) or a single scalar.
type PPORLElement struct {
	QueryTokens    []int     `json:"query_tokens"`
	ResponseTokens []int     `json:"response_tokens"`
	LogProbs       []float64 `json:"logprobs"`
	Values         []float64 `json:"values"`
	Rewards        []float64 `json:"rewards"`
}

// Score is the sum of the element's rewards.
func (e PPORLElement) Score() float64 {
	var total float64
	for _, r := range e.Rewards {
		total += r
	}
	return total
}

// PPORLBatch holds the five element fields stacked along the batch dimension.
type PPORLBatch struct {
	Queries   TokenMatrix
	Responses TokenMatrix
	LogProbs  *mat.Dense
	Values    *mat.Dense
	Rewards   *mat.Dense
}

func (b PPORLBatch) Len() int {
	return b.Queries.Rows
}
