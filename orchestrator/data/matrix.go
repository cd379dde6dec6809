package data

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"
)

// TokenMatrix is a row-major fixed-width matrix of token ids.
// Unlike mat.Dense it allows zero columns.
type TokenMatrix struct {
	Rows int   `json:"rows"`
	Cols int   `json:"cols"`
	Data []int `json:"data"`
}

func NewTokenMatrix(rows, cols int) TokenMatrix {
	return TokenMatrix{Rows: rows, Cols: cols, Data: make([]int, rows*cols)}
}

func (m TokenMatrix) At(i, j int) int {
	return m.Data[i*m.Cols+j]
}

// Row returns a view of row i. Do not modify it.
func (m TokenMatrix) Row(i int) []int {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

func (m TokenMatrix) ToSlices() [][]int {
	out := make([][]int, m.Rows)
	for i := range out {
		out[i] = append([]int(nil), m.Row(i)...)
	}
	return out
}

func denseToRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}

func rowsToDense(field string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return stackFloats(field, rows)
}

type ppoBatchJSON struct {
	Queries   [][]int     `json:"query_tensors"`
	Responses [][]int     `json:"response_tensors"`
	LogProbs  [][]float64 `json:"logprobs"`
	Values    [][]float64 `json:"values"`
	Rewards   [][]float64 `json:"rewards"`
}

// MarshalJSON writes the batch as nested arrays so python workers can
// torch.tensor() each field directly.
func (b PPORLBatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(ppoBatchJSON{
		Queries:   b.Queries.ToSlices(),
		Responses: b.Responses.ToSlices(),
		LogProbs:  denseToRows(b.LogProbs),
		Values:    denseToRows(b.Values),
		Rewards:   denseToRows(b.Rewards),
	})
}

func (b *PPORLBatch) UnmarshalJSON(raw []byte) error {
	var wire ppoBatchJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	var err error
	if b.Queries, err = stackTokens("query_tensors", wire.Queries); err != nil {
		return err
	}
	if b.Responses, err = stackTokens("response_tensors", wire.Responses); err != nil {
		return err
	}
	if b.LogProbs, err = rowsToDense("logprobs", wire.LogProbs); err != nil {
		return err
	}
	if b.Values, err = rowsToDense("values", wire.Values); err != nil {
		return err
	}
	if b.Rewards, err = rowsToDense("rewards", wire.Rewards); err != nil {
		return err
	}
	return nil
}
