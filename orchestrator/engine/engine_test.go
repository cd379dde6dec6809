package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func fastParams() SchedulingParams {
	return SchedulingParams{
		MinTaskQueueSize:      0,
		MaxTaskQueueSize:      8,
		TaskProcessingTimeout: time.Minute,
		CamShaftInterval:      10 * time.Millisecond,
		CrankShaftInterval:    10 * time.Millisecond,
		TimingBeltInterval:    10 * time.Millisecond,
		OBDInterval:           50 * time.Millisecond,
		InputChanSize:         4,
		OutputChanSize:        4,
	}
}

// fakeWorker answers every task with its upper-cased payload, as the python workers do.
func fakeWorker(ctx context.Context, rdb *redis.Client, e *Engine) {
	for ctx.Err() == nil {
		raw, err := rdb.BRPopLPush(ctx, e.TasksQueueName(), e.ProcessingQueueName(), 50*time.Millisecond).Result()
		if err != nil {
			continue
		}
		var task TaskMsg
		if json.Unmarshal([]byte(raw), &task) != nil {
			continue
		}
		res, _ := json.Marshal(ResultMsg{ID: task.ID, Result: strings.ToUpper(task.Task)})
		rdb.LPush(ctx, e.ResultsQueueName(), res)
	}
}

func startEngine(t *testing.T, rdb *redis.Client, params SchedulingParams) *Engine {
	e := NewEngine(context.Background(), JobTest, rdb, params)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		e.TriggerStop()
		e.WaitForStop()
	})
	return e
}

func TestEngineQueueNames(t *testing.T) {
	e := NewEngine(context.Background(), JobRollout, nil, fastParams())
	assert.Equal(t, "rollout-engine:tasks", e.TasksQueueName())
	assert.Equal(t, "rollout-engine:processing", e.ProcessingQueueName())
	assert.Equal(t, "rollout-engine:results", e.ResultsQueueName())
}

func TestEngineDo(t *testing.T) {
	rdb := newTestRedis(t)
	e := startEngine(t, rdb, fastParams())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go fakeWorker(ctx, rdb, e)

	tasks := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	results, err := e.Do(ctx, tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}, results)
	assert.Equal(t, 0, e.InFlight())
	assert.Equal(t, len(tasks), e.Stats(nil).TasksFinished)
}

func TestEngineRequeuesCrashedTask(t *testing.T) {
	rdb := newTestRedis(t)
	params := fastParams()
	params.TaskProcessingTimeout = 100 * time.Millisecond
	e := startEngine(t, rdb, params)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	crashed := make(chan struct{})
	go func() {
		// take one task and never answer it
		defer close(crashed)
		for ctx.Err() == nil {
			_, err := rdb.BRPopLPush(ctx, e.TasksQueueName(), e.ProcessingQueueName(), 50*time.Millisecond).Result()
			if err == nil {
				return
			}
		}
	}()
	go func() {
		<-crashed
		fakeWorker(ctx, rdb, e)
	}()

	results, err := e.Do(ctx, []string{"lost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"LOST"}, results)
	assert.GreaterOrEqual(t, e.Stats(nil).TasksRequeued, 1)
}

func TestEngineDoRespectsContext(t *testing.T) {
	rdb := newTestRedis(t)
	e := startEngine(t, rdb, fastParams())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.Do(ctx, []string{"nobody is listening"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngineDoAfterStop(t *testing.T) {
	rdb := newTestRedis(t)
	e := startEngine(t, rdb, fastParams())
	e.TriggerStop()
	_, err := e.Do(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestTaskIDs(t *testing.T) {
	id := NewTaskID()
	assert.True(t, IsValidTaskID(id))
	assert.NotEqual(t, id, NewTaskID())
	assert.False(t, IsValidTaskID("task-1"))

	_, err := taskMsgFromJSON(`{"task_id":"nope","task":"x"}`)
	require.Error(t, err)
	msg, err := taskMsgFromJSON(TaskMsg{ID: id, Task: "x"}.toJSON())
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Task)
}

func TestConnectRequiresAddress(t *testing.T) {
	_, err := Connect(context.Background(), configWithAddr("", ""))
	require.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := Connect(context.Background(), configWithAddr(mr.Host(), mr.Port()))
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}
