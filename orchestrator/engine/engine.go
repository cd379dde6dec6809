// Package engine moves work between the orchestrator and out-of-process
// workers through redis lists.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/metrics"
)

// Engine is a task-execution tool for distributing work through redis.
// It uses 3 queues:
// - {job}:tasks - tasks to be picked up by workers
//   - Writer: orchestrator
//   - Reader: workers
//
// - {job}:processing - tasks that were picked up by workers via brpoplpush("{job}:tasks", "{job}:processing")
//   - Writer: workers
//   - Reader: orchestrator
//
// - {job}:results - results of tasks
//   - Writer: workers
//   - Reader: orchestrator
//
// It is NOT safe to have multiple engines touching the same queues, however it is safe to have multiple workers.
// If a worker crashes its task is requeued after TaskProcessingTimeout, so work may be reordered but is not lost.
//
// The engine won't read from the input channel until the results channel is drained (back-pressure).
//
// Workers MUST use brpoplpush to receive tasks and MUST push exactly one result per task (even if that result is an error).
type Engine struct {
	job JobName

	rdb    *redis.Client
	logger *zerolog.Logger

	wg             sync.WaitGroup
	stopOnce       sync.Once
	shouldStopChan chan struct{}

	// only read from camshaft
	taskInput chan TaskMsg
	// only written from crankshaft
	taskOutput chan ResultMsg

	queuedTasksMu sync.Mutex
	queuedTasks   map[TaskID]queuedTask

	// read-only
	schedulingParams SchedulingParams

	// must not block acquisition of queuedTasksMu
	statsMu sync.Mutex
	stats   []statEvent

	// Do owns the output channel while it runs
	doMu sync.Mutex
}

type TaskMsg struct {
	ID   TaskID `json:"task_id"`
	Task string `json:"task"`
}

type ResultMsg struct {
	ID     TaskID `json:"task_id"`
	Result string `json:"result"`
}

type queuedTask struct {
	msg                 TaskMsg
	creationTime        time.Time
	processingStartTime *time.Time
}

type JobName string

const (
	JobTest    JobName = "test-engine"
	JobRollout JobName = "rollout-engine"
	JobReward  JobName = "reward-engine"
)

var ErrStopped = errors.New("engine stopped")

type SchedulingParams struct {
	MinTaskQueueSize int
	MaxTaskQueueSize int
	// how long a task can be processing before it is requeued
	TaskProcessingTimeout time.Duration

	// keep these an order of magnitude or so below the time it takes to process a task.
	CamShaftInterval   time.Duration
	CrankShaftInterval time.Duration
	TimingBeltInterval time.Duration
	OBDInterval        time.Duration

	InputChanSize  int
	OutputChanSize int
}

// DefaultSchedulingParams suits GPU workers that take seconds per task.
func DefaultSchedulingParams() SchedulingParams {
	return SchedulingParams{
		MinTaskQueueSize:      32,
		MaxTaskQueueSize:      64,
		TaskProcessingTimeout: 5 * time.Minute,
		CamShaftInterval:      1 * time.Second,
		CrankShaftInterval:    1 * time.Second,
		TimingBeltInterval:    2 * time.Second,
		OBDInterval:           10 * time.Second,
		InputChanSize:         32,
		OutputChanSize:        32,
	}
}

func NewEngine(ctx context.Context, job JobName, rdb *redis.Client, schedulingParams SchedulingParams) *Engine {
	logger := zerolog.Ctx(ctx).With().Str("job", string(job)).Logger()
	return &Engine{
		job:              job,
		rdb:              rdb,
		logger:           &logger,
		shouldStopChan:   make(chan struct{}),
		taskInput:        make(chan TaskMsg, schedulingParams.InputChanSize),
		taskOutput:       make(chan ResultMsg, schedulingParams.OutputChanSize),
		queuedTasks:      make(map[TaskID]queuedTask),
		schedulingParams: schedulingParams,
	}
}

func (e *Engine) Job() JobName {
	return e.job
}

func (e *Engine) Start(ctx context.Context) error {
	e.logger.Debug().Msg("Starting engine")

	if err := e.rdb.Del(ctx, e.TasksQueueName(), e.ProcessingQueueName(), e.ResultsQueueName()).Err(); err != nil {
		return fmt.Errorf("dropping %s queues: %w", e.job, err)
	}
	e.wg.Add(4)
	go e.runCamshaft()
	go e.runCrankshaft()
	go e.runTimingBelt()
	go e.runOBD()
	return nil
}

func (e *Engine) TriggerStop() {
	e.stopOnce.Do(func() {
		close(e.shouldStopChan)
	})
}

func (e *Engine) WaitForStop() {
	e.logger.Info().Msg("Waiting for engine to stop")
	e.wg.Wait()
}

func (e *Engine) TasksQueueName() string {
	return fmt.Sprintf("%s:tasks", e.job)
}

func (e *Engine) ProcessingQueueName() string {
	return fmt.Sprintf("%s:processing", e.job)
}

func (e *Engine) ResultsQueueName() string {
	return fmt.Sprintf("%s:results", e.job)
}

func (e *Engine) GetInput() chan<- TaskMsg {
	return e.taskInput
}

func (e *Engine) GetOutput() <-chan ResultMsg {
	return e.taskOutput
}

// Do submits every task and blocks until each has a result. Results are
// returned in task order. Do must not be mixed with direct use of GetOutput.
func (e *Engine) Do(ctx context.Context, tasks []string) ([]string, error) {
	e.doMu.Lock()
	defer e.doMu.Unlock()

	index := make(map[TaskID]int, len(tasks))
	msgs := make([]TaskMsg, len(tasks))
	for i, task := range tasks {
		id := NewTaskID()
		index[id] = i
		msgs[i] = TaskMsg{ID: id, Task: task}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return
			case <-e.shouldStopChan:
				return
			case e.taskInput <- msg:
			}
		}
	}()

	results := make([]string, len(tasks))
	for remaining := len(tasks); remaining > 0; {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.shouldStopChan:
			return nil, ErrStopped
		case res := <-e.taskOutput:
			i, ok := index[res.ID]
			if !ok {
				e.logger.Warn().Str("task_id", string(res.ID)).Msg("Dropping result that does not belong to this call")
				continue
			}
			delete(index, res.ID)
			results[i] = res.Result
			remaining--
		}
	}
	return results, nil
}

func (e *Engine) componentLogger(component string) (context.Context, context.CancelFunc, *zerolog.Logger) {
	logger := e.logger.With().Str("component", component).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return logger.WithContext(ctx), cancel, &logger
}

// the camshaft handles the tasks chan -> tasks queue.
func (e *Engine) runCamshaft() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.CamShaftInterval)
	defer ticker.Stop()
	ctx, cancel, logger := e.componentLogger("camshaft")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Camshaft stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()
		e.recordStatEvent(statEvent{camshaftStarted: 1})

		// requeue before enqueueing new tasks so the queue is not over-filled.
		e.requeueTimedOut(ctx, logger)

		tasksQueueSize, err := e.rdb.LLen(ctx, e.TasksQueueName()).Result()
		if err != nil {
			logger.Error().Err(err).Msg("Error getting tasks queue size")
			continue
		}
		if tasksQueueSize > int64(e.schedulingParams.MinTaskQueueSize) {
			continue
		}
		if len(e.taskOutput) > 0 {
			logger.Debug().Msg("Camshaft skipping adding tasks because the consumer is still catching up")
			e.recordStatEvent(statEvent{camshaftBlockedFromBackpressure: 1})
			continue
		}
		numTasksToAdd := e.schedulingParams.MaxTaskQueueSize - int(tasksQueueSize)
		tasks := make([]TaskMsg, 0, numTasksToAdd)
	fill:
		for i := 0; i < numTasksToAdd; i++ {
			select {
			case <-e.shouldStopChan:
				logger.Debug().Msg("Camshaft stopping without adding any tasks")
				return
			case task := <-e.taskInput:
				if task.ID == "" {
					task.ID = NewTaskID()
				}
				tasks = append(tasks, task)
			default:
				break fill
			}
		}
		if len(tasks) == 0 {
			continue
		}

		e.queuedTasksMu.Lock()
		queueLen := int64(0)
		for _, msg := range tasks {
			e.queuedTasks[msg.ID] = queuedTask{msg: msg, creationTime: time.Now()}
			res := e.rdb.LPush(ctx, e.TasksQueueName(), msg.toJSON())
			if res.Err() != nil {
				// the task stays queued so Do keeps waiting on it until its context ends
				logger.Error().Err(res.Err()).Msg("Error pushing task to queue")
				continue
			}
			queueLen = res.Val()
		}
		e.queuedTasksMu.Unlock()
		metrics.EngineTasksPushed.WithLabelValues(string(e.job)).Add(float64(len(tasks)))
		logger.Debug().Msgf("Pushed %d tasks to queue. Queue size: %d", len(tasks), queueLen)

		e.recordStatEvent(statEvent{
			camshaftExecuted:      1,
			camshaftExecutionTime: time.Since(startTime),
		})
	}
}

func (e *Engine) requeueTimedOut(ctx context.Context, logger *zerolog.Logger) {
	e.queuedTasksMu.Lock()
	defer e.queuedTasksMu.Unlock()
	requeued := 0
	for id, task := range e.queuedTasks {
		if task.processingStartTime == nil || time.Since(*task.processingStartTime) <= e.schedulingParams.TaskProcessingTimeout {
			continue
		}
		if err := e.rdb.LPush(ctx, e.TasksQueueName(), task.msg.toJSON()).Err(); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue timed out task")
			continue
		}
		task.processingStartTime = nil
		e.queuedTasks[id] = task
		requeued++
	}
	if requeued > 0 {
		logger.Info().Msgf("Requeued %d tasks", requeued)
		metrics.EngineTasksRequeued.WithLabelValues(string(e.job)).Add(float64(requeued))
		e.recordStatEvent(statEvent{tasksRequeued: requeued})
	}
}

// the crankshaft handles the results queue -> results chan.
func (e *Engine) runCrankshaft() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.CrankShaftInterval)
	defer ticker.Stop()
	ctx, cancel, logger := e.componentLogger("crankshaft")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Crankshaft stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()
		e.recordStatEvent(statEvent{crankshaftStarted: 1})

		resultsQueueSize, err := e.rdb.LLen(ctx, e.ResultsQueueName()).Result()
		if err != nil {
			logger.Error().Err(err).Msg("Error getting results queue size")
			continue
		}
		if resultsQueueSize == 0 {
			continue
		}
		results := make([]ResultMsg, 0, resultsQueueSize)
		for i := 0; i < int(resultsQueueSize); i++ {
			raw, err := e.rdb.RPop(ctx, e.ResultsQueueName()).Result()
			if err != nil {
				logger.Error().Err(err).Msg("Error popping result from queue")
				continue
			}
			var msg ResultMsg
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				logger.Error().Err(err).Msg("Error unmarshalling result message")
				continue
			}
			results = append(results, msg)
		}

		toSend := make([]ResultMsg, 0, len(results))
		e.queuedTasksMu.Lock()
		for _, result := range results {
			task, ok := e.queuedTasks[result.ID]
			if !ok {
				// a requeued task can finish twice
				logger.Warn().Str("task_id", string(result.ID)).Msg("Found result for task that is not queued")
				continue
			}
			finishedIn := e.schedulingParams.TimingBeltInterval
			if task.processingStartTime != nil {
				finishedIn = time.Since(*task.processingStartTime)
			}
			e.recordStatEvent(statEvent{tasksFinished: 1, taskFinishedInTime: finishedIn})
			delete(e.queuedTasks, result.ID)
			toSend = append(toSend, result)
		}
		e.queuedTasksMu.Unlock()
		metrics.EngineTasksFinished.WithLabelValues(string(e.job)).Add(float64(len(toSend)))

		logger.Debug().Msgf("Sending %d results to output channel", len(toSend))
		for _, result := range toSend {
			select {
			case <-e.shouldStopChan:
				logger.Warn().Msg("Crankshaft stopping without sending all results")
				return
			case e.taskOutput <- result:
			}
		}
		e.recordStatEvent(statEvent{
			crankshaftExecuted:      1,
			crankshaftExecutionTime: time.Since(startTime),
		})
	}
}

// the timing belt drains the processing queue and stamps processing start
// times so the camshaft can requeue tasks whose worker died.
func (e *Engine) runTimingBelt() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.TimingBeltInterval)
	defer ticker.Stop()
	ctx, cancel, logger := e.componentLogger("timing belt")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Timing belt stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()
		e.recordStatEvent(statEvent{timingBeltStarted: 1})

		processingQueueSize, err := e.rdb.LLen(ctx, e.ProcessingQueueName()).Result()
		if err != nil {
			logger.Error().Err(err).Msg("Error getting processing queue size")
			continue
		}
		if processingQueueSize == 0 {
			continue
		}
		msgs := make([]TaskMsg, 0, processingQueueSize)
		for i := 0; i < int(processingQueueSize); i++ {
			raw, err := e.rdb.RPop(ctx, e.ProcessingQueueName()).Result()
			if err != nil {
				logger.Error().Err(err).Msg("Error popping from processing queue")
				continue
			}
			msg, err := taskMsgFromJSON(raw)
			if err != nil {
				// the task is still in queuedTasks but will never be requeued
				logger.Error().Err(err).Msg("Error unmarshalling processing message")
				continue
			}
			msgs = append(msgs, *msg)
		}

		e.queuedTasksMu.Lock()
		for _, msg := range msgs {
			task, ok := e.queuedTasks[msg.ID]
			if !ok {
				continue
			}
			e.recordStatEvent(statEvent{taskTimeSpentInQueue: startTime.Sub(task.creationTime)})
			task.processingStartTime = &startTime
			e.queuedTasks[msg.ID] = task
		}
		e.queuedTasksMu.Unlock()
		e.recordStatEvent(statEvent{
			timingBeltExecuted:      1,
			timingBeltExecutionTime: time.Since(startTime),
		})
	}
}

// the obd emits stats to the logger.
func (e *Engine) runOBD() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.OBDInterval)
	defer ticker.Stop()
	_, cancel, logger := e.componentLogger("obd")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("OBD stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()
		e.recordStatEvent(statEvent{odbStarted: 1})
		s := e.Stats(nil)
		logger.Debug().
			Int("events", s.NumEvents).
			Int("tasks_finished", s.TasksFinished).
			Int("tasks_requeued", s.TasksRequeued).
			Int("in_flight", e.InFlight()).
			Dur("avg_processing", s.AvgProcessingTimePerTask).
			Dur("avg_queued", s.AvgTaskTimeSpentInQueue).
			Int("camshaft_backpressure", s.CamshaftBlockedFromBackpressure).
			Int("camshaft_executed", s.CamshaftExecuted).
			Int("crankshaft_executed", s.CrankshaftExecuted).
			Int("timing_belt_executed", s.TimingBeltExecuted).
			Msg("Engine stats")
		e.recordStatEvent(statEvent{
			odbExecuted:      1,
			odbExecutionTime: time.Since(startTime),
		})
	}
}

// InFlight is the number of tasks handed to redis that have no result yet.
func (e *Engine) InFlight() int {
	e.queuedTasksMu.Lock()
	defer e.queuedTasksMu.Unlock()
	return len(e.queuedTasks)
}

// statEvent is a single stat event. The zero value of a field means unset.
// New fields must also be added to Stats.
type statEvent struct {
	timestamp                       time.Time
	tasksFinished                   int
	taskFinishedInTime              time.Duration
	tasksRequeued                   int
	taskTimeSpentInQueue            time.Duration
	camshaftBlockedFromBackpressure int
	// started == was scheduled
	camshaftStarted int
	// executed == did something
	camshaftExecuted        int
	camshaftExecutionTime   time.Duration
	crankshaftStarted       int
	crankshaftExecuted      int
	crankshaftExecutionTime time.Duration
	timingBeltStarted       int
	timingBeltExecuted      int
	timingBeltExecutionTime time.Duration
	odbStarted              int
	odbExecuted             int
	odbExecutionTime        time.Duration
}

type Stats struct {
	NumEvents                       int
	TasksFinished                   int
	TasksRequeued                   int
	CamshaftBlockedFromBackpressure int
	CamshaftExecuted                int
	CrankshaftExecuted              int
	TimingBeltExecuted              int
	OBDExecuted                     int
	AvgProcessingTimePerTask        time.Duration
	AvgTaskTimeSpentInQueue         time.Duration
}

// Stats merges the events recorded within interval, or all of them when interval is nil.
func (e *Engine) Stats(interval *time.Duration) Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	startIndex := 0
	if interval != nil {
		startIndex = sort.Search(len(e.stats), func(i int) bool {
			return e.stats[i].timestamp.Add(*interval).After(time.Now())
		})
	}
	var (
		out      Stats
		finished time.Duration
		queued   time.Duration
	)
	for _, event := range e.stats[startIndex:] {
		out.NumEvents++
		out.TasksFinished += event.tasksFinished
		out.TasksRequeued += event.tasksRequeued
		out.CamshaftBlockedFromBackpressure += event.camshaftBlockedFromBackpressure
		out.CamshaftExecuted += event.camshaftExecuted
		out.CrankshaftExecuted += event.crankshaftExecuted
		out.TimingBeltExecuted += event.timingBeltExecuted
		out.OBDExecuted += event.odbExecuted
		finished += event.taskFinishedInTime
		queued += event.taskTimeSpentInQueue
	}
	if out.TasksFinished > 0 {
		out.AvgProcessingTimePerTask = finished / time.Duration(out.TasksFinished)
		out.AvgTaskTimeSpentInQueue = queued / time.Duration(out.TasksFinished)
	}
	return out
}

func (e *Engine) recordStatEvent(event statEvent) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	// timestamp under the lock so events stay ordered
	event.timestamp = time.Now()
	e.stats = append(e.stats, event)
}

func (t TaskMsg) toJSON() string {
	msg, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	return string(msg)
}

func taskMsgFromJSON(input string) (*TaskMsg, error) {
	var msg TaskMsg
	if err := json.Unmarshal([]byte(input), &msg); err != nil {
		return nil, err
	}
	if !IsValidTaskID(msg.ID) {
		return nil, fmt.Errorf("invalid engine task id: %s", msg.ID)
	}
	return &msg, nil
}
