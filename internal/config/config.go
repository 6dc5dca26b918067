// Package config loads a simulation scenario from YAML and applies CLI
// flag overrides on top: the file sets a baseline, explicit flags win.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is the top-level, protocol-agnostic simulation configuration:
// run size, duration, seed, and where to expose Prometheus metrics.
// Protocol-specific parameters are parsed separately by each subcommand's
// own flags.
type Scenario struct {
	Time      uint64 `yaml:"time"`
	Nodes     int    `yaml:"nodes"`
	Iteration int    `yaml:"iteration"`
	Seed      uint64 `yaml:"seed"`

	// RandomSamples, when non-nil, switches the run to -R/--random-samples
	// output mode starting at the given round.
	RandomSamples *uint64 `yaml:"random_samples"`

	MetricsAddr string        `yaml:"metrics_addr"`
	Logging     LoggingConfig `yaml:"logging"`
}

// LoggingConfig mirrors obs.LoggingConfig's shape so a scenario file can set
// log level/format without importing the obs package's concerns here.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a Scenario from a YAML file; fields the file omits keep the
// Default values.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read scenario file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse scenario file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate scenario: %w", err)
	}
	return cfg, nil
}

// Default returns the scenario defaults the top-level CLI flags advertise,
// used both as Load's baseline and by callers with no scenario file at all
// (flags-only invocation).
func Default() *Scenario {
	return &Scenario{
		Time:        100,
		Nodes:       1000,
		Iteration:   0,
		Seed:        1,
		MetricsAddr: "",
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate rejects a scenario that could never produce a meaningful run.
func (s *Scenario) Validate() error {
	if s.Nodes <= 0 {
		return fmt.Errorf("nodes must be positive, got %d", s.Nodes)
	}
	if s.Time == 0 {
		return fmt.Errorf("time must be positive, got %d", s.Time)
	}
	return nil
}

// ApplyFlagOverrides lets CLI flags win over whatever a loaded scenario
// file set. Each xxxSet argument reports whether the flag was given
// explicitly; randomSamples and metricsAddr use pointer/empty-string
// sentinels instead since their zero values are meaningful.
func (s *Scenario) ApplyFlagOverrides(timeSet bool, time uint64, nodesSet bool, nodes int, iterSet bool, iteration int, seedSet bool, seed uint64, randomSamples *uint64, metricsAddr string) {
	if timeSet {
		s.Time = time
	}
	if nodesSet {
		s.Nodes = nodes
	}
	if iterSet {
		s.Iteration = iteration
	}
	if seedSet {
		s.Seed = seed
	}
	if randomSamples != nil {
		s.RandomSamples = randomSamples
	}
	if metricsAddr != "" {
		s.MetricsAddr = metricsAddr
	}
}
