package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaporter/trl/orchestrator/engine"
)

func TestLexicon(t *testing.T) {
	l := NewLexicon(nil, nil)
	assert.Equal(t, 1.0, l.Score("A GREAT film, I loved it."))
	assert.Equal(t, -1.0, l.Score("boring and awful"))
	assert.Equal(t, 0.0, l.Score("good but bad"))
	assert.Equal(t, 0.0, l.Score("no opinion here"))
	assert.InDelta(t, 1.0/3, l.Score("good good bad"), 1e-12)

	scores, err := l.Func()(context.Background(), []string{"p", "p"}, []string{"great", "terrible"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, scores)

	_, err = l.Func()(context.Background(), []string{"p"}, nil)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestLength(t *testing.T) {
	scores, err := Length(4)(context.Background(), []string{"", "", ""}, []string{"abcd", "abcdefgh", "a"})
	require.NoError(t, err)
	assert.InDelta(t, 10, scores[0], 1e-9)
	assert.InDelta(t, 1/2.1, scores[1], 1e-9)
	assert.Greater(t, scores[0], scores[2])
}

func TestRemote(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	params := engine.DefaultSchedulingParams()
	params.MinTaskQueueSize = 0
	params.CamShaftInterval = 10 * time.Millisecond
	params.CrankShaftInterval = 10 * time.Millisecond
	params.TimingBeltInterval = 10 * time.Millisecond
	e := engine.NewEngine(context.Background(), engine.JobReward, rdb, params)
	require.NoError(t, e.Start(context.Background()))
	defer e.WaitForStop()
	defer e.TriggerStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			raw, err := rdb.BRPopLPush(ctx, e.TasksQueueName(), e.ProcessingQueueName(), 50*time.Millisecond).Result()
			if err != nil {
				continue
			}
			var msg engine.TaskMsg
			var task RemoteTask
			if json.Unmarshal([]byte(raw), &msg) != nil || json.Unmarshal([]byte(msg.Task), &task) != nil {
				continue
			}
			result := fmt.Sprintf(`{"score":%d}`, len(task.Response))
			if task.Response == "fail" {
				result = `{"error":"model crashed"}`
			}
			res, _ := json.Marshal(engine.ResultMsg{ID: msg.ID, Result: result})
			rdb.LPush(ctx, e.ResultsQueueName(), res)
		}
	}()

	scores, err := Remote(e)(ctx, []string{"a", "b"}, []string{"xx", "xxxxx"})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 5}, scores)

	_, err = Remote(e)(ctx, []string{"a"}, []string{"fail"})
	require.ErrorContains(t, err, "model crashed")
}
