// Package dataset fetches raw labeled text for the prompt pipeline.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
)

// Record is one raw row with its original column names.
type Record map[string]any

// Example is a row after column renaming.
type Example struct {
	Review    string `json:"review"`
	Sentiment int    `json:"sentiment"`
}

type Source interface {
	Load(ctx context.Context) ([]Record, error)
}

var ErrMissingColumn = errors.New("missing column")

// DefaultRename is the imdb -> sentiment task mapping.
var DefaultRename = map[string]string{"text": "review", "label": "sentiment"}

// Rename returns copies of records with columns renamed. Columns not in the
// mapping are kept as-is.
func Rename(records []Record, mapping map[string]string) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		renamed := make(Record, len(rec))
		for k, v := range rec {
			if to, ok := mapping[k]; ok {
				k = to
			}
			renamed[k] = v
		}
		out[i] = renamed
	}
	return out
}

// ToExamples reads the canonical review/sentiment columns.
func ToExamples(records []Record) ([]Example, error) {
	out := make([]Example, 0, len(records))
	for i, rec := range records {
		review, ok := rec["review"].(string)
		if !ok {
			return nil, fmt.Errorf("record %d: review: %w", i, ErrMissingColumn)
		}
		ex := Example{Review: review}
		switch label := rec["sentiment"].(type) {
		case float64:
			ex.Sentiment = int(label)
		case int:
			ex.Sentiment = label
		case int64:
			ex.Sentiment = int(label)
		case json.Number:
			n, err := label.Int64()
			if err != nil {
				return nil, fmt.Errorf("record %d: sentiment: %w", i, err)
			}
			ex.Sentiment = int(n)
		case nil:
			// unlabeled rows are fine: the reward does not read the label
		default:
			return nil, fmt.Errorf("record %d: sentiment has type %T", i, label)
		}
		out = append(out, ex)
	}
	return out, nil
}

// FilterShorterThan keeps examples whose review has fewer than maxLen runes.
func FilterShorterThan(examples []Example, maxLen int) []Example {
	out := make([]Example, 0, len(examples))
	for _, ex := range examples {
		if utf8.RuneCountInString(ex.Review) < maxLen {
			out = append(out, ex)
		}
	}
	return out
}

// FileSource reads a JSONL file of records.
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context) ([]Record, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	// imdb reviews can be long
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.Path, line, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// RedisListSource reads JSON records from a redis list (LRANGE 0 -1).
type RedisListSource struct {
	Rdb *redis.Client
	Key string
}

func (r RedisListSource) Load(ctx context.Context) ([]Record, error) {
	vals, err := r.Rdb.LRange(ctx, r.Key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(vals))
	for i, val := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", r.Key, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Limit truncates whatever the inner source returns.
type Limit struct {
	Source
	N int
}

func (l Limit) Load(ctx context.Context) ([]Record, error) {
	records, err := l.Source.Load(ctx)
	if err != nil {
		return nil, err
	}
	if l.N > 0 && len(records) > l.N {
		records = records[:l.N]
	}
	return records, nil
}
