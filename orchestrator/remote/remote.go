// Package remote starts rollout, reward and training workers on GPU hosts over ssh.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/melbahja/goph"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// WorkerSpec says where a worker runs and how to start it.
type WorkerSpec struct {
	Host string `yaml:"host"`
	Port uint   `yaml:"port"`
	User string `yaml:"user"`
	// empty means $TRL_SSH_KEY_PATH
	KeyPath string `yaml:"key_path"`
	// empty accepts any host key
	KnownHosts string `yaml:"known_hosts"`
	Cmd        string `yaml:"cmd"`
	// attempts before giving up, 0 means 1
	Tries int `yaml:"tries"`
}

func (s WorkerSpec) withDefaults() WorkerSpec {
	if s.Port == 0 {
		s.Port = 22
	}
	if s.User == "" {
		s.User = "ubuntu"
	}
	if s.KeyPath == "" {
		s.KeyPath = os.Getenv("TRL_SSH_KEY_PATH")
	}
	if s.Tries <= 0 {
		s.Tries = 1
	}
	return s
}

func (s WorkerSpec) validate() error {
	switch {
	case s.Host == "":
		return errors.New("worker needs a host")
	case s.Cmd == "":
		return errors.New("worker needs a cmd")
	}
	return nil
}

// Runner executes one command on a host.
type Runner interface {
	Run(ctx context.Context, spec WorkerSpec) (string, error)
}

type SSHRunner struct {
	Timeout time.Duration
}

func acceptAnyHost(_ string, _ net.Addr, _ ssh.PublicKey) error {
	return nil
}

func (r SSHRunner) Run(ctx context.Context, spec WorkerSpec) (string, error) {
	auth, err := goph.Key(spec.KeyPath, "")
	if err != nil {
		return "", fmt.Errorf("failed to authenticate with key: %w", err)
	}
	callback := ssh.HostKeyCallback(acceptAnyHost)
	if spec.KnownHosts != "" {
		if callback, err = goph.KnownHosts(spec.KnownHosts); err != nil {
			return "", err
		}
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	client, err := goph.NewConn(&goph.Config{
		User:     spec.User,
		Addr:     spec.Host,
		Port:     spec.Port,
		Auth:     auth,
		Timeout:  timeout,
		Callback: callback,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create client %w", err)
	}
	defer client.Close()

	out, err := client.RunContext(ctx, spec.Cmd)
	if err != nil {
		return string(out), fmt.Errorf("failed to run command: %w", err)
	}
	return string(out), nil
}

// StartWorker runs spec.Cmd, retrying every interval until it succeeds or
// spec.Tries attempts have failed.
func StartWorker(ctx context.Context, r Runner, spec WorkerSpec, interval time.Duration) (string, error) {
	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return "", err
	}
	logger := zerolog.Ctx(ctx).With().Str("host", spec.Host).Logger()
	t := time.NewTicker(interval)
	defer t.Stop()
	var lastErr error
	for i := range spec.Tries {
		logger.Info().Msgf("attempt %d/%d to start worker", i+1, spec.Tries)
		out, err := r.Run(ctx, spec)
		if err == nil {
			return out, nil
		}
		lastErr = err
		logger.Warn().Err(err).Msg("worker start failed")
		if i+1 == spec.Tries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", fmt.Errorf("failed to start worker on %s after %d attempts: %w", spec.Host, spec.Tries, lastErr)
}

// StartWorkers starts every named worker concurrently and returns their output.
func StartWorkers(ctx context.Context, r Runner, specs map[string]WorkerSpec, interval time.Duration) (map[string]string, error) {
	outputs := make([]string, 0, len(specs))
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
		outputs = append(outputs, "")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			out, err := StartWorker(gctx, r, specs[name], interval)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result := make(map[string]string, len(names))
	for i, name := range names {
		result[name] = outputs[i]
	}
	return result, nil
}
