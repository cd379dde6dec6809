package data

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrEmptyBatch    = errors.New("empty batch")
	// gonum matrices cannot have a zero dimension.
	ErrEmptyField = errors.New("field has zero width")
)

// ShapeError reports which element of a batch disagreed with the first one.
type ShapeError struct {
	Field string
	Index int
	Want  int
	Got   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("cannot stack %s: element %d has length %d, expected %d", e.Field, e.Index, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// CollatePrompts stacks prompt tokens into one matrix.
// Every element must have the same token length; nothing is padded or truncated.
func CollatePrompts(elems []PromptElement) (PromptBatch, error) {
	if len(elems) == 0 {
		return PromptBatch{}, ErrEmptyBatch
	}
	texts := make([]string, len(elems))
	rows := make([][]int, len(elems))
	for i, elem := range elems {
		texts[i] = elem.Text
		rows[i] = elem.Tokens
	}
	tokens, err := stackTokens("tokens", rows)
	if err != nil {
		return PromptBatch{}, err
	}
	return PromptBatch{Texts: texts, Tokens: tokens}, nil
}

// CollatePPO stacks each experience field independently.
func CollatePPO(elems []PPORLElement) (PPORLBatch, error) {
	if len(elems) == 0 {
		return PPORLBatch{}, ErrEmptyBatch
	}
	var (
		batch PPORLBatch
		err   error
	)
	if batch.Queries, err = stackTokens("query_tensors", column(elems, func(e PPORLElement) []int { return e.QueryTokens })); err != nil {
		return PPORLBatch{}, err
	}
	if batch.Responses, err = stackTokens("response_tensors", column(elems, func(e PPORLElement) []int { return e.ResponseTokens })); err != nil {
		return PPORLBatch{}, err
	}
	if batch.LogProbs, err = stackFloats("logprobs", column(elems, func(e PPORLElement) []float64 { return e.LogProbs })); err != nil {
		return PPORLBatch{}, err
	}
	if batch.Values, err = stackFloats("values", column(elems, func(e PPORLElement) []float64 { return e.Values })); err != nil {
		return PPORLBatch{}, err
	}
	if batch.Rewards, err = stackFloats("rewards", column(elems, func(e PPORLElement) []float64 { return e.Rewards })); err != nil {
		return PPORLBatch{}, err
	}
	return batch, nil
}

func column[T any](elems []PPORLElement, get func(PPORLElement) []T) [][]T {
	out := make([][]T, len(elems))
	for i, e := range elems {
		out[i] = get(e)
	}
	return out
}

func stackTokens(field string, rows [][]int) (TokenMatrix, error) {
	if len(rows) == 0 {
		return TokenMatrix{}, nil
	}
	width := len(rows[0])
	m := NewTokenMatrix(len(rows), width)
	for i, row := range rows {
		if len(row) != width {
			return TokenMatrix{}, &ShapeError{Field: field, Index: i, Want: width, Got: len(row)}
		}
		copy(m.Data[i*width:], row)
	}
	return m, nil
}

func stackFloats(field string, rows [][]float64) (*mat.Dense, error) {
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return nil, &ShapeError{Field: field, Index: i, Want: width, Got: len(row)}
		}
	}
	if width == 0 {
		return nil, fmt.Errorf("%s: %w", field, ErrEmptyField)
	}
	flat := make([]float64, 0, len(rows)*width)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return mat.NewDense(len(rows), width, flat), nil
}
