package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/engine"
)

// connectToRedis uses the redis section of configPath when given, else the
// defaults plus REDIS_* env vars.
func connectToRedis(ctx context.Context, configPath string) (*redis.Client, *config.TRLConfig, error) {
	cfg := config.Default()
	cfg.Redis.ApplyEnv()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, nil, err
		}
	}
	rdb, err := engine.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return rdb, cfg, nil
}

func configFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "yaml run config to read redis settings and params from",
		Destination: dst,
	}
}

func createRouterParamsCli() *cli.Command {
	set := false
	read := false
	toSet := ""
	valToSet := ""
	configPath := ""
	action := func(ctx context.Context, cmd *cli.Command) error {
		ctx, err := leveled(ctx, cmd)
		if err != nil {
			return err
		}
		logger := zerolog.Ctx(ctx)
		rdb, _, err := connectToRedis(ctx, configPath)
		if err != nil {
			return err
		}
		defer rdb.Close()
		switch {
		case set:
			if toSet == "" {
				return errors.New("key is required")
			}
			if valToSet == "" {
				return errors.New("value is required")
			}
			// special case empty string
			if valToSet == "_" {
				valToSet = ""
			}
			key, err := engine.ParseRouterKey(toSet)
			if err != nil {
				return err
			}
			if err := engine.SetRouterParam(ctx, rdb, key, valToSet); err != nil {
				return err
			}
			logger.Info().Msgf("set router param %s=%s", key, valToSet)
		case read:
			if toSet != "" {
				return errors.New("list with key is not supported")
			}
			params, err := engine.GetRouterParams(ctx, rdb)
			if err != nil {
				return err
			}
			for _, key := range engine.AllRouterKeys {
				val, ok := params[key]
				if !ok {
					logger.Info().Msgf("%s: <unset>", key)
					continue
				}
				logger.Info().Msgf("%s: %s", key, val)
			}
		default:
			return errors.New("no action specified")
		}
		return nil
	}

	return &cli.Command{
		Name:   "params",
		Usage:  "router params",
		Action: action,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Aliases:     []string{"s"},
				Name:        "set",
				Usage:       "set router params",
				Destination: &set,
			},
			&cli.BoolFlag{
				Aliases:     []string{"l"},
				Name:        "list",
				Usage:       "list router params",
				Destination: &read,
			},
			configFlag(&configPath),
		},
		ArgsUsage: "[key] [value]",
		Aliases:   []string{"p"},
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:        "key",
				Destination: &toSet,
				Max:         1,
			},
			&cli.StringArg{
				Name:        "value",
				Destination: &valToSet,
				Max:         1,
			},
		},
	}
}

func askForConfirmation(ctx context.Context, msg string) bool {
	reader := bufio.NewReader(os.Stdin)
	logger := zerolog.Ctx(ctx)
	logger.Info().Msgf("%s (y/n): ", msg)
	response, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(response)) == "y"
}

func createInitializeRouterParamsCli() *cli.Command {
	configPath := ""
	action := func(ctx context.Context, cmd *cli.Command) error {
		ctx, err := leveled(ctx, cmd)
		if err != nil {
			return err
		}
		if !askForConfirmation(ctx, "Are you sure you want to initialize the params? This will overwrite all existing params.") {
			return nil
		}
		logger := zerolog.Ctx(ctx)
		rdb, cfg, err := connectToRedis(ctx, configPath)
		if err != nil {
			return err
		}
		defer rdb.Close()
		params := engine.RouterParamsFromConfig(cfg)
		if err := engine.SetRouterParams(ctx, rdb, params); err != nil {
			return err
		}
		for _, key := range engine.AllRouterKeys {
			logger.Info().Msgf("set %s=%s", key, params[key])
		}
		return nil
	}
	return &cli.Command{
		Name:   "init",
		Usage:  "initialize router params from a run config (or the defaults)",
		Flags:  []cli.Flag{configFlag(&configPath)},
		Action: action,
	}
}

func createRouterCli() *cli.Command {
	return &cli.Command{
		Name:    "router",
		Usage:   "redis params the python workers read",
		Aliases: []string{"r"},
		Commands: []*cli.Command{
			createRouterParamsCli(),
			createInitializeRouterParamsCli(),
		},
	}
}
