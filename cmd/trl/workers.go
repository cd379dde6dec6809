package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/zaporter/trl/orchestrator/remote"
)

func createWorkersCli() *cli.Command {
	var spec remote.WorkerSpec
	var port, tries int64
	action := func(ctx context.Context, cmd *cli.Command) error {
		ctx, err := leveled(ctx, cmd)
		if err != nil {
			return err
		}
		spec.Port = uint(port)
		spec.Tries = int(tries)
		out, err := remote.StartWorker(ctx, remote.SSHRunner{}, spec, 8*time.Second)
		if err != nil {
			return err
		}
		zerolog.Ctx(ctx).Info().Msgf("worker on %s started", spec.Host)
		fmt.Println(out)
		return nil
	}
	start := &cli.Command{
		Name:  "start",
		Usage: "start a worker on a remote host over ssh",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "worker ip or hostname", Destination: &spec.Host, Required: true},
			&cli.StringFlag{Name: "cmd", Usage: "command that starts the worker", Destination: &spec.Cmd, Required: true},
			&cli.StringFlag{Name: "user", Usage: "ssh user", Destination: &spec.User, Value: "ubuntu"},
			&cli.StringFlag{Name: "key", Usage: "ssh private key, defaults to $TRL_SSH_KEY_PATH", Destination: &spec.KeyPath},
			&cli.StringFlag{Name: "known-hosts", Usage: "known_hosts file. Empty accepts any host key", Destination: &spec.KnownHosts},
			&cli.IntFlag{Name: "port", Destination: &port, Value: 22},
			&cli.IntFlag{Name: "tries", Usage: "attempts before giving up", Destination: &tries, Value: 3},
		},
		Action: action,
	}
	return &cli.Command{
		Name:     "workers",
		Usage:    "remote rollout, reward and training workers",
		Aliases:  []string{"w"},
		Commands: []*cli.Command{start},
	}
}
