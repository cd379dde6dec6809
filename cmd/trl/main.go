package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/zaporter/trl/orchestrator/experiment"
)

func main() {
	logger := zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	).Level(zerolog.TraceLevel).With().Timestamp().Caller().Logger()
	ctx := logger.WithContext(context.Background())

	cmd := &cli.Command{
		Name:  "trl",
		Usage: "PPO rollout and training harness",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			createTrainCli(),
			experiment.CreateExperimentCli(),
			createRouterCli(),
			createWorkersCli(),
			createRegistryCli(),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatalln(err)
	}
}

// leveled applies --log-level to the context logger.
func leveled(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	lvl, err := zerolog.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return ctx, err
	}
	logger := zerolog.Ctx(ctx).Level(lvl)
	return logger.WithContext(ctx), nil
}
