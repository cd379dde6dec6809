package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Merge recursively merges override into base. Nested maps are merged,
// everything else in override replaces the value in base.
func Merge(base, override map[string]any) {
	for key, overrideVal := range override {
		if baseVal, ok := base[key]; ok {
			if baseMap, isBaseMap := baseVal.(map[string]any); isBaseMap {
				if overrideMap, isOverrideMap := overrideVal.(map[string]any); isOverrideMap {
					Merge(baseMap, overrideMap)
					continue
				}
			}
		}
		base[key] = overrideVal
	}
}

// ReadMap reads a YAML file into a generic map. A missing file is an empty map
// when optional is set.
func ReadMap(path string, optional bool) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
