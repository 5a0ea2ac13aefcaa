package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
network:
  file: networks/two-tanks.inp
times:
  duration: 24h
  hydraulic_step: 1h
  report_step: 1h
solver:
  accuracy: 0.0001
  trials: 60
  unbalanced: continue
  extra_trials: 5
telemetry:
  enabled: true
  listen: "127.0.0.1:15020"
  drain_wait: 100ms
report:
  enabled: true
  dir: out
  file_type: jsonl
  db_path: out/runs.db
log:
  level: debug
`)
	cfg, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.File != "networks/two-tanks.inp" {
		t.Errorf("network file = %q", cfg.Network.File)
	}
	if cfg.Times.Duration != 24*time.Hour || cfg.Times.HydStep != time.Hour {
		t.Errorf("times = %+v", cfg.Times)
	}
	if cfg.Solver.Trials != 60 || cfg.Solver.Unbalanced != "continue" || cfg.Solver.ExtraTrials != 5 {
		t.Errorf("solver = %+v", cfg.Solver)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Listen != "127.0.0.1:15020" || cfg.Telemetry.DrainWait != 100*time.Millisecond {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Report.FileType != "jsonl" || cfg.Report.DBPath != "out/runs.db" {
		t.Errorf("report = %+v", cfg.Report)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestDefaultsApplied(t *testing.T) {
	path := writeConfig(t, "network:\n  file: x.inp\n")
	cfg, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telemetry.Listen != ":1502" {
		t.Errorf("default listen = %q", cfg.Telemetry.Listen)
	}
	if cfg.Telemetry.DrainWait != 50*time.Millisecond {
		t.Errorf("default drain wait = %v", cfg.Telemetry.DrainWait)
	}
	if cfg.Report.Dir != "data" || cfg.Report.FileType != "both" || cfg.Report.MaxQueue != 1000 {
		t.Errorf("report defaults = %+v", cfg.Report)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level = %q", cfg.Log.Level)
	}

	d := Default()
	if d.Telemetry.Listen != ":1502" || d.Log.Level != "info" {
		t.Errorf("Default() = %+v", d)
	}
}

func TestValidation(t *testing.T) {
	path := writeConfig(t, "solver:\n  unbalanced: explode\n")
	if _, err := LoadYAML(path); err == nil {
		t.Fatal("expected error for bad unbalanced policy")
	}
	path = writeConfig(t, "report:\n  file_type: xml\n")
	if _, err := LoadYAML(path); err == nil {
		t.Fatal("expected error for bad file type")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := LoadYAML(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
