// Package tracker records training statistics for a run.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zaporter/trl/orchestrator/config"
	"github.com/zaporter/trl/orchestrator/engine"
	"github.com/zaporter/trl/orchestrator/metrics"
	"gonum.org/v1/gonum/mat"
)

type Tracker interface {
	Init(ctx context.Context, project string) error
	Log(stats map[string]float64)
	// Watch registers the model parameters. Only the first call has an effect.
	Watch(params map[string]mat.Matrix)
	Close() error
}

// New builds the trackers named in cfg.Backends. More than one is wrapped in a Multi.
func New(ctx context.Context, cfg config.TrackerConfig) (Tracker, error) {
	var out Multi
	for _, backend := range cfg.Backends {
		switch backend {
		case "log":
			out = append(out, NewLog(ctx))
		case "jsonl":
			out = append(out, &JSONL{Dir: cfg.Dir})
		case "prometheus":
			out = append(out, &Prometheus{})
		default:
			return nil, fmt.Errorf("unknown tracker backend %q", backend)
		}
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParamSummary is what Watch records per parameter.
type ParamSummary struct {
	Rows int     `json:"rows"`
	Cols int     `json:"cols"`
	Norm float64 `json:"norm"`
}

func summarize(params map[string]mat.Matrix) map[string]ParamSummary {
	out := make(map[string]ParamSummary, len(params))
	for name, m := range params {
		r, c := m.Dims()
		out[name] = ParamSummary{Rows: r, Cols: c, Norm: mat.Norm(m, 2)}
	}
	return out
}

// Log writes stats through zerolog.
type Log struct {
	logger  zerolog.Logger
	project string
	step    int
	watched bool
}

func NewLog(ctx context.Context) *Log {
	return &Log{logger: zerolog.Ctx(ctx).With().Str("component", "tracker").Logger()}
}

func (l *Log) Init(ctx context.Context, project string) error {
	l.project = project
	l.logger = l.logger.With().Str("project", project).Logger()
	l.logger.Info().Msg("tracking run")
	return nil
}

func (l *Log) Log(stats map[string]float64) {
	ev := l.logger.Info().Int("step", l.step)
	for _, k := range sortedKeys(stats) {
		ev = ev.Float64(k, stats[k])
	}
	ev.Msg("stats")
	l.step++
}

func (l *Log) Watch(params map[string]mat.Matrix) {
	if l.watched {
		return
	}
	l.watched = true
	for name, s := range summarize(params) {
		l.logger.Info().Str("param", name).Int("rows", s.Rows).Int("cols", s.Cols).Float64("norm", s.Norm).Msg("watching")
	}
}

func (l *Log) Close() error {
	return nil
}

// JSONL appends one line per Log call to <Dir>/<project>/<run-id>/metrics.jsonl.
type JSONL struct {
	Dir string

	mu       sync.Mutex
	runDir   string
	file     *os.File
	enc      *json.Encoder
	step     int
	watched  bool
	writeErr error
}

type jsonlLine struct {
	Step  int                `json:"step"`
	Time  time.Time          `json:"time"`
	Stats map[string]float64 `json:"stats"`
}

func (j *JSONL) Init(ctx context.Context, project string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runDir = filepath.Join(j.Dir, project, string(engine.NewRunID()))
	if err := os.MkdirAll(j.runDir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(j.runDir, "metrics.jsonl"))
	if err != nil {
		return err
	}
	j.file = f
	j.enc = json.NewEncoder(f)
	zerolog.Ctx(ctx).Info().Msgf("writing metrics to %s", j.runDir)
	return nil
}

// RunDir is empty until Init.
func (j *JSONL) RunDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runDir
}

func (j *JSONL) Log(stats map[string]float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc == nil || j.writeErr != nil {
		return
	}
	j.writeErr = j.enc.Encode(jsonlLine{Step: j.step, Time: time.Now(), Stats: stats})
	j.step++
}

func (j *JSONL) Watch(params map[string]mat.Matrix) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.watched || j.runDir == "" {
		return
	}
	j.watched = true
	raw, err := json.MarshalIndent(summarize(params), "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(j.runDir, "params.json"), raw, 0644)
	}
	if err != nil && j.writeErr == nil {
		j.writeErr = err
	}
}

// Close returns the first write error seen by Log or Watch.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return j.writeErr
	}
	closeErr := j.file.Close()
	j.file, j.enc = nil, nil
	return errors.Join(j.writeErr, closeErr)
}

// Prometheus exposes the last value of each key as a gauge.
type Prometheus struct {
	project string
}

func (p *Prometheus) Init(ctx context.Context, project string) error {
	p.project = project
	return nil
}

func (p *Prometheus) Log(stats map[string]float64) {
	for k, v := range stats {
		metrics.TrackerValues.WithLabelValues(p.project, k).Set(v)
	}
}

func (p *Prometheus) Watch(params map[string]mat.Matrix) {
	for name, s := range summarize(params) {
		metrics.TrackerValues.WithLabelValues(p.project, "param_norm/"+name).Set(s.Norm)
	}
}

func (p *Prometheus) Close() error {
	return nil
}

// Multi fans out to every tracker in order.
type Multi []Tracker

// Init starts every backend in order. If one fails, the ones already started
// are closed again.
func (m Multi) Init(ctx context.Context, project string) error {
	for i, t := range m {
		if err := t.Init(ctx, project); err != nil {
			return errors.Join(err, m[:i].Close())
		}
	}
	return nil
}

func (m Multi) Log(stats map[string]float64) {
	for _, t := range m {
		t.Log(stats)
	}
}

func (m Multi) Watch(params map[string]mat.Matrix) {
	for _, t := range m {
		t.Watch(params)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
