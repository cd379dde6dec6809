package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/zaporter/trl/orchestrator"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/metrics"
)

func createTrainCli() *cli.Command {
	var configPath string
	var metricsPort int64
	action := func(ctx context.Context, cmd *cli.Command) error {
		ctx, err := leveled(ctx, cmd)
		if err != nil {
			return err
		}
		logger := zerolog.Ctx(ctx)
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-sigChan:
				logger.Warn().Msg("interrupted, stopping run")
				cancel()
			case <-ctx.Done():
			}
		}()

		status := orchestrator.NewStatus()
		if metricsPort > 0 {
			metrics.Register(prometheus.DefaultRegisterer)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			status.RegisterHandlers(mux)
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", metricsPort),
				Handler: mux,
			}
			logger.Info().Msgf("serving metrics and status on port %d", metricsPort)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("error starting metrics server")
					cancel()
				}
			}()
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				server.Shutdown(shutdownCtx)
			}()
		}

		result, err := orchestrator.Run(ctx, cfg, orchestrator.RunOptions{Status: status})
		if err != nil {
			return err
		}
		for _, phase := range result.Phases {
			logger.Info().Msgf("phase %d: %d rollouts, mean score %.4f, %s", phase.Phase, phase.Store.Count, phase.Store.MeanScore, phase.Duration)
		}
		return nil
	}
	return &cli.Command{
		Name:  "train",
		Usage: "run make-experience / learn phases from a config file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the yaml run config",
				Destination: &configPath,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "metrics-port",
				Usage:       "serve /metrics and /api/status on this port. 0 disables",
				Destination: &metricsPort,
			},
		},
		Action: action,
	}
}
