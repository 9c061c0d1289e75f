package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatasetConfig describes one dataset the worker ingests from a CSV file.
type DatasetConfig struct {
	Key        string `yaml:"key"`
	File       string `yaml:"file"`
	Source     string `yaml:"source"`
	UpdateType string `yaml:"update_type,omitempty"`
	Repair     bool   `yaml:"repair"`
	Schedule   string `yaml:"schedule"`
	Enabled    bool   `yaml:"enabled"`
}

type datasetsFile struct {
	Datasets []DatasetConfig `yaml:"datasets"`
}

// DefaultDatasetConfig returns a DatasetConfig with defaults applied.
func DefaultDatasetConfig() DatasetConfig {
	return DatasetConfig{
		Source:     "csv",
		UpdateType: "incremental",
		Schedule:   "daily",
		Enabled:    true,
	}
}

// ValidateDataset returns an error describing every problem in cfg, or nil.
func ValidateDataset(cfg DatasetConfig) error {
	var errs []string

	if strings.TrimSpace(cfg.Key) == "" {
		errs = append(errs, "key: required")
	} else if len(cfg.Key) > 64 {
		errs = append(errs, fmt.Sprintf("key: at most 64 characters, got %d", len(cfg.Key)))
	}
	if strings.TrimSpace(cfg.File) == "" {
		errs = append(errs, "file: required")
	}
	if len(cfg.Source) > 64 {
		errs = append(errs, fmt.Sprintf("source: at most 64 characters, got %d", len(cfg.Source)))
	}
	switch cfg.Schedule {
	case "daily", "hourly", "manual":
	default:
		errs = append(errs, fmt.Sprintf("schedule: must be hourly, daily, or manual, got %q", cfg.Schedule))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LoadDatasets reads the dataset catalogue at path. Every entry is validated
// and all problems are reported together. A missing file yields no datasets.
func LoadDatasets(path string) ([]DatasetConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []DatasetConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dataset catalogue %s: %w", path, err)
	}

	var raw struct {
		Datasets []yaml.Node `yaml:"datasets"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	configs := make([]DatasetConfig, 0, len(raw.Datasets))
	seen := make(map[string]struct{}, len(raw.Datasets))
	var problems []string
	for i, node := range raw.Datasets {
		cfg := DefaultDatasetConfig()
		if err := node.Decode(&cfg); err != nil {
			problems = append(problems, fmt.Sprintf("datasets[%d]: %v", i, err))
			continue
		}
		if err := ValidateDataset(cfg); err != nil {
			problems = append(problems, fmt.Sprintf("datasets[%d] (%s): %v", i, cfg.Key, err))
			continue
		}
		if _, dup := seen[cfg.Key]; dup {
			problems = append(problems, fmt.Sprintf("datasets[%d]: duplicate key %q", i, cfg.Key))
			continue
		}
		seen[cfg.Key] = struct{}{}
		configs = append(configs, cfg)
	}

	if len(problems) > 0 {
		return configs, fmt.Errorf("invalid dataset catalogue %s:\n  %s", path, strings.Join(problems, "\n  "))
	}
	return configs, nil
}

// MarshalDatasets renders datasets in catalogue form.
func MarshalDatasets(datasets []DatasetConfig) ([]byte, error) {
	return yaml.Marshal(datasetsFile{Datasets: datasets})
}
