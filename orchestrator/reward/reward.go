// Package reward scores (prompt, response) pairs.
package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zaporter/trl/orchestrator/engine"
)

// Func returns one score per pair. len(prompts) == len(responses).
type Func func(ctx context.Context, prompts, responses []string) ([]float64, error)

var ErrLengthMismatch = errors.New("prompts and responses differ in length")

func checkLengths(prompts, responses []string) error {
	if len(prompts) != len(responses) {
		return fmt.Errorf("%w: %d prompts, %d responses", ErrLengthMismatch, len(prompts), len(responses))
	}
	return nil
}

var (
	defaultPositive = []string{
		"good", "great", "excellent", "amazing", "wonderful", "best", "love", "loved",
		"brilliant", "enjoyed", "fantastic", "beautiful", "perfect", "fun", "superb",
	}
	defaultNegative = []string{
		"bad", "worst", "awful", "terrible", "boring", "hate", "hated", "poor",
		"waste", "stupid", "horrible", "dull", "mess", "disappointing", "lame",
	}
)

// Lexicon counts positive and negative words in the response.
// The score is (pos-neg)/(pos+neg), or 0 when neither appears.
type Lexicon struct {
	positive map[string]struct{}
	negative map[string]struct{}
}

func NewLexicon(positive, negative []string) *Lexicon {
	if positive == nil {
		positive = defaultPositive
	}
	if negative == nil {
		negative = defaultNegative
	}
	l := &Lexicon{positive: map[string]struct{}{}, negative: map[string]struct{}{}}
	for _, w := range positive {
		l.positive[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range negative {
		l.negative[strings.ToLower(w)] = struct{}{}
	}
	return l
}

func (l *Lexicon) Score(text string) float64 {
	var pos, neg int
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		if _, ok := l.positive[w]; ok {
			pos++
		}
		if _, ok := l.negative[w]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func (l *Lexicon) Func() Func {
	return func(ctx context.Context, prompts, responses []string) ([]float64, error) {
		if err := checkLengths(prompts, responses); err != nil {
			return nil, err
		}
		out := make([]float64, len(responses))
		for i, r := range responses {
			out[i] = l.Score(r)
		}
		return out, nil
	}
}

// Length rewards responses whose rune count is close to target.
func Length(target int) Func {
	return func(ctx context.Context, prompts, responses []string) ([]float64, error) {
		if err := checkLengths(prompts, responses); err != nil {
			return nil, err
		}
		out := make([]float64, len(responses))
		for i, r := range responses {
			out[i] = 1.0 / (math.Sqrt(math.Abs(float64(utf8.RuneCountInString(r)-target))) + 0.1)
		}
		return out, nil
	}
}

// RemoteTask is the payload a reward worker receives.
type RemoteTask struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

type RemoteResult struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

// Remote scores each pair through a reward-engine worker.
func Remote(e *engine.Engine) Func {
	return func(ctx context.Context, prompts, responses []string) ([]float64, error) {
		if err := checkLengths(prompts, responses); err != nil {
			return nil, err
		}
		tasks := make([]string, len(prompts))
		for i := range prompts {
			raw, err := json.Marshal(RemoteTask{Prompt: prompts[i], Response: responses[i]})
			if err != nil {
				return nil, err
			}
			tasks[i] = string(raw)
		}
		results, err := e.Do(ctx, tasks)
		if err != nil {
			return nil, fmt.Errorf("scoring through %s: %w", e.Job(), err)
		}
		out := make([]float64, len(results))
		for i, raw := range results {
			var res RemoteResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return nil, fmt.Errorf("reward result %d: %w", i, err)
			}
			if res.Error != "" {
				return nil, fmt.Errorf("reward worker: %s", res.Error)
			}
			out[i] = res.Score
		}
		return out, nil
	}
}
