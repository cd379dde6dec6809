package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/data"
)

const (
	RedisTrainingAdvList     = "training:advertisement-list"
	RedisTrainingRequestChan = "training:request-chan"
	RedisTrainingDataChan    = "training:data-chan"
	RedisTrainingStatsChan   = "training:stats-chan"
	RedisTrainingControlChan = "training:control-chan"
	RedisTrainingAckChan     = "training:ack-chan"
)

var allTrainingChans = []string{
	RedisTrainingAdvList,
	RedisTrainingRequestChan,
	RedisTrainingDataChan,
	RedisTrainingStatsChan,
	RedisTrainingControlChan,
	RedisTrainingAckChan,
}

// TrainingBatch is what the trainer receives on the data chan. Epoch is the
// zero-based learn round the batch was advertised in.
type TrainingBatch struct {
	BatchID BatchID         `json:"batch_id"`
	Epoch   int             `json:"epoch"`
	Batch   data.PPORLBatch `json:"batch"`
}

type ControlMsg struct {
	Command string `json:"command"`
	Path    string `json:"path,omitempty"`
}

type AckMsg struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// how long a single blocking pop waits before re-checking the context
const pollTimeout = time.Second

func DropTrainingChans(ctx context.Context, rdb *redis.Client) error {
	zerolog.Ctx(ctx).Debug().Msg("dropping training chans")
	return rdb.Del(ctx, allTrainingChans...).Err()
}

// popJSON blocks on key until a value arrives, ctx ends or deadline passes.
// A zero deadline waits for ctx only.
func popJSON(ctx context.Context, rdb *redis.Client, key string, deadline time.Duration, out any) error {
	var stop <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		stop = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return fmt.Errorf("timed out after %s waiting on %s", deadline, key)
		default:
		}
		res, err := rdb.BRPop(ctx, pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if s, ok := out.(*string); ok {
			*s = res[1]
			return nil
		}
		return json.Unmarshal([]byte(res[1]), out)
	}
}

// ServeTrainingRequests answers trainer requests from ml until every
// advertised batch has been sent once.
func ServeTrainingRequests(ctx context.Context, rdb *redis.Client, ml *MessageList) error {
	logger := zerolog.Ctx(ctx)
	for ml.Len() > 0 {
		var id string
		if err := popJSON(ctx, rdb, RedisTrainingRequestChan, 0, &id); err != nil {
			return fmt.Errorf("reading training request: %w", err)
		}
		payload, ok := ml.Get(BatchID(id))
		if !ok {
			logger.Warn().Msgf("trainer requested unknown batch %s", id)
			continue
		}
		if err := rdb.LPush(ctx, RedisTrainingDataChan, payload).Err(); err != nil {
			return err
		}
		ml.Delete(BatchID(id))
		logger.Debug().Msgf("sent training batch %s, %d left", id, ml.Len())
	}
	return nil
}

// ReadTrainingStats pops one stats map pushed by the trainer.
func ReadTrainingStats(ctx context.Context, rdb *redis.Client, timeout time.Duration) (map[string]float64, error) {
	stats := map[string]float64{}
	if err := popJSON(ctx, rdb, RedisTrainingStatsChan, timeout, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func SendControl(ctx context.Context, rdb *redis.Client, msg ControlMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return rdb.LPush(ctx, RedisTrainingControlChan, raw).Err()
}

// WaitForAck returns an error if no ack arrives in time or the trainer reports failure.
func WaitForAck(ctx context.Context, rdb *redis.Client, timeout time.Duration) (AckMsg, error) {
	var ack AckMsg
	if err := popJSON(ctx, rdb, RedisTrainingAckChan, timeout, &ack); err != nil {
		return ack, err
	}
	if !ack.OK {
		return ack, fmt.Errorf("trainer failed %s: %s", ack.Command, ack.Error)
	}
	return ack, nil
}
