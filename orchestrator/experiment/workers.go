package experiment

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/remote"
)

type WorkerSpec = remote.WorkerSpec

type WorkerRunner = remote.Runner

const workerRetryInterval = 8 * time.Second

func startWorkers(ctx context.Context, r WorkerRunner, specs map[string]WorkerSpec) error {
	if r == nil {
		r = remote.SSHRunner{}
	}
	outputs, err := remote.StartWorkers(ctx, r, specs, workerRetryInterval)
	if err != nil {
		return err
	}
	logger := zerolog.Ctx(ctx)
	for name, out := range outputs {
		logger.Info().Str("worker", name).Msg(out)
	}
	return nil
}
