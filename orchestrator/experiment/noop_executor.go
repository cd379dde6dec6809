package experiment

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

type NoopExecutorConfig struct {
	A int `yaml:"a" json:"a"`
	B int `yaml:"b" json:"b"`
}

// NoopExecutor echoes its config to output.json. It exercises the folder
// layout and override merging without building a run.
type NoopExecutor struct{}

var _ Executor = &NoopExecutor{}

func (n *NoopExecutor) Execute(ctx context.Context, folder Folder) error {
	parsed, err := ReadConfig[NoopExecutorConfig](folder)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder.Path(), "output.json"), raw, 0644)
}

func (n *NoopExecutor) GetStats(ctx context.Context, folder Folder) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(folder.Path(), "output.json"))
	if err != nil {
		return nil, err
	}
	var saved NoopExecutorConfig
	if err := json.Unmarshal(raw, &saved); err != nil {
		return nil, err
	}
	return map[string]any{"a": saved.A, "b": saved.B, "sum": saved.A + saved.B}, nil
}
