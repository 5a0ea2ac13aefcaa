// Package config loads the runtime configuration from YAML and applies
// defaults. CLI flags may override individual fields after loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RootConfig mirrors config.yaml.
type RootConfig struct {
	Network   NetworkConfig   `yaml:"network"`
	Times     TimesConfig     `yaml:"times"`
	Solver    SolverConfig    `yaml:"solver"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Report    ReportConfig    `yaml:"report"`
	Log       LogConfig       `yaml:"log"`
}

type NetworkConfig struct {
	// File is the network description to load; required unless set on the
	// command line.
	File string `yaml:"file"`
}

// TimesConfig overrides the model's [TIMES] section when non-zero.
type TimesConfig struct {
	Duration   time.Duration `yaml:"-"`
	HydStep    time.Duration `yaml:"-"`
	ReportStep time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts Go duration strings ("24h", "90m") for each field.
func (t *TimesConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Duration   string `yaml:"duration"`
		HydStep    string `yaml:"hydraulic_step"`
		ReportStep string `yaml:"report_step"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if t.Duration, err = parseDur("times.duration", raw.Duration); err != nil {
		return err
	}
	if t.HydStep, err = parseDur("times.hydraulic_step", raw.HydStep); err != nil {
		return err
	}
	t.ReportStep, err = parseDur("times.report_step", raw.ReportStep)
	return err
}

// SolverConfig overrides the model's [OPTIONS] section when non-zero.
type SolverConfig struct {
	Accuracy    float64 `yaml:"accuracy"`
	Trials      int     `yaml:"trials"`
	Unbalanced  string  `yaml:"unbalanced"` // "stop" | "continue"
	ExtraTrials int     `yaml:"extra_trials"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// DrainWait bounds the per-step wait for external writes.
	DrainWait time.Duration `yaml:"-"`
}

func (t *TelemetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled   bool   `yaml:"enabled"`
		Listen    string `yaml:"listen"`
		DrainWait string `yaml:"drain_wait"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Enabled = raw.Enabled
	t.Listen = raw.Listen
	var err error
	t.DrainWait, err = parseDur("telemetry.drain_wait", raw.DrainWait)
	return err
}

func parseDur(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

type ReportConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	FileType string `yaml:"file_type"` // jsonl | csv | both
	DBPath   string `yaml:"db_path"`   // empty disables the SQLite store
	MaxQueue int    `yaml:"max_queue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() RootConfig {
	cfg := RootConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadYAML reads and validates a configuration file.
func LoadYAML(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, err
	}
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return RootConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *RootConfig) applyDefaults() {
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = ":1502"
	}
	if c.Telemetry.DrainWait <= 0 {
		c.Telemetry.DrainWait = 50 * time.Millisecond
	}
	if c.Report.Dir == "" {
		c.Report.Dir = "data"
	}
	if c.Report.FileType == "" {
		c.Report.FileType = "both"
	}
	if c.Report.MaxQueue <= 0 {
		c.Report.MaxQueue = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *RootConfig) validate() error {
	switch c.Solver.Unbalanced {
	case "", "stop", "continue":
	default:
		return fmt.Errorf("solver.unbalanced must be \"stop\" or \"continue\", got %q", c.Solver.Unbalanced)
	}
	switch c.Report.FileType {
	case "jsonl", "json", "csv", "both", "json+csv", "csv+json", "all":
	default:
		return fmt.Errorf("report.file_type %q not supported", c.Report.FileType)
	}
	return nil
}
