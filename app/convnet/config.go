package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/convnets/models"
	"github.com/tsawler/convnets/training"
)

// Config is the JSON file read with -config
type Config struct {
	Network  models.Config           `json:"network"`
	Schedule training.ScheduleConfig `json:"schedule"`
}

// DefaultConfig returns the default network of arch with the warm-up
// piecewise schedule
func DefaultConfig(arch models.Architecture) Config {
	return Config{
		Network:  models.DefaultConfig(arch),
		Schedule: training.DefaultWarmupPiecewiseConfig(),
	}
}

// LoadConfig reads path over the defaults of arch. Sections or fields
// missing from the file keep their default values.
func LoadConfig(path string, arch models.Architecture) (Config, error) {
	cfg := DefaultConfig(arch)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}

	// Peek at the architecture and schedule kind first so the right
	// defaults are used
	var peek struct {
		Network struct {
			Architecture *models.Architecture `json:"architecture"`
		} `json:"network"`
		Schedule struct {
			Kind *string `json:"kind"`
		} `json:"schedule"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if peek.Network.Architecture != nil {
		cfg.Network = models.DefaultConfig(*peek.Network.Architecture)
	}
	if peek.Schedule.Kind != nil {
		cfg.Schedule = training.DefaultScheduleConfig(*peek.Schedule.Kind)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}
