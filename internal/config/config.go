// Package config loads the FoldDB embedding configuration: where the
// database file and schema source directories live, how to log, and how
// large the orchestrator worker pool should be. Configuration is plain
// YAML (gopkg.in/yaml.v3, already part of the dependency surface) rather
// than a bespoke flag parser.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level FoldDB embedding configuration.
type Config struct {
	DataDir              string `yaml:"data_dir"`
	AvailableSchemasDir  string `yaml:"available_schemas_dir"`
	DataSchemasDir       string `yaml:"data_schemas_dir"`
	LogLevel             string `yaml:"log_level"`
	LogJSON              bool   `yaml:"log_json"`
	OrchestratorWorkers  int    `yaml:"orchestrator_workers"`
}

// Default returns the configuration used when an embedder does not supply
// one explicitly: a single-worker orchestrator and info-level console
// logging.
func Default(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		AvailableSchemasDir: dataDir + "/available_schemas",
		DataSchemasDir:      dataDir + "/data/schemas",
		LogLevel:            "info",
		LogJSON:             false,
		OrchestratorWorkers: 1,
	}
}

// Load reads and parses a YAML configuration file. Malformed YAML is a
// startup failure, never silently ignored.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.OrchestratorWorkers <= 0 {
		cfg.OrchestratorWorkers = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}
