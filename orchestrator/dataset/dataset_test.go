package dataset

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenameAndExamples(t *testing.T) {
	records := []Record{
		{"text": "good film", "label": float64(1), "idx": float64(0)},
		{"text": "bad film", "label": float64(0)},
	}
	renamed := Rename(records, DefaultRename)
	assert.Equal(t, "good film", renamed[0]["review"])
	assert.Equal(t, float64(0), renamed[0]["idx"])
	_, stillThere := renamed[0]["text"]
	assert.False(t, stillThere)
	// the input is untouched
	assert.Equal(t, "good film", records[0]["text"])

	examples, err := ToExamples(renamed)
	require.NoError(t, err)
	assert.Equal(t, []Example{{Review: "good film", Sentiment: 1}, {Review: "bad film", Sentiment: 0}}, examples)
}

func TestToExamplesMissingReview(t *testing.T) {
	_, err := ToExamples([]Record{{"text": "not renamed"}})
	require.ErrorIs(t, err, ErrMissingColumn)

	_, err = ToExamples([]Record{{"review": "x", "sentiment": "positive"}})
	require.Error(t, err)
}

func TestFilterShorterThan(t *testing.T) {
	examples := []Example{
		{Review: strings.Repeat("a", 499)},
		{Review: strings.Repeat("a", 500)},
		{Review: strings.Repeat("a", 501)},
		{Review: strings.Repeat("é", 499)},
		{Review: ""},
	}
	kept := FilterShorterThan(examples, 500)
	require.Len(t, kept, 3)
	for _, ex := range kept {
		assert.Less(t, len([]rune(ex.Review)), 500)
	}
	assert.Equal(t, kept, FilterShorterThan(kept, 500))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imdb.jsonl")
	content := `{"text": "one", "label": 1}

{"text": "two", "label": 0}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	records, err := FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "two", records[1]["text"])

	limited, err := Limit{Source: FileSource{Path: path}, N: 1}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFileSourceBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"text\": 1}\nnot json\n"), 0644))
	_, err := FileSource{Path: path}.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}

func TestRedisListSource(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	require.NoError(t, rdb.RPush(ctx, "prompts", `{"text":"a","label":1}`, `{"text":"b","label":0}`).Err())

	records, err := RedisListSource{Rdb: rdb, Key: "prompts"}.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0]["text"])
}

func TestHubSourcePaginates(t *testing.T) {
	const total = 5
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		q := r.URL.Query()
		assert.Equal(t, "/rows", r.URL.Path)
		assert.Equal(t, "imdb", q.Get("dataset"))
		assert.Equal(t, "test", q.Get("split"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		length, _ := strconv.Atoi(q.Get("length"))
		var rows []string
		for i := offset; i < offset+length && i < total; i++ {
			rows = append(rows, fmt.Sprintf(`{"row_idx":%d,"row":{"text":"review %d","label":%d},"truncated_cells":[]}`, i, i, i%2))
		}
		fmt.Fprintf(w, `{"features":[],"rows":[%s],"num_rows_total":%d,"num_rows_per_page":100}`, strings.Join(rows, ","), total)
	}))
	defer srv.Close()

	src := HubSource{BaseURL: srv.URL, Dataset: "imdb", Config: "plain_text", Split: "test", PageSize: 2}
	records, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, total)
	assert.Equal(t, 3, requests)
	assert.Equal(t, "review 4", records[4]["text"])
	assert.Equal(t, float64(1), records[3]["label"])

	requests = 0
	src.MaxRows = 3
	records, err = src.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 2, requests)
}

func TestHubSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"The dataset does not exist."}`)
	}))
	defer srv.Close()

	_, err := HubSource{BaseURL: srv.URL, Dataset: "nope", Split: "test"}.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
