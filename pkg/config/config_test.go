package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anpr.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.General.DataDir == "" {
		t.Error("General.DataDir should not be empty")
	}
	if cfg.API.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("API.ListenAddr = %q, want %q", cfg.API.ListenAddr, "127.0.0.1:8080")
	}
	if got := strings.Join(cfg.Pipeline.Stages, ","); got != "capture,preprocess,detect,extract,verify" {
		t.Errorf("Pipeline.Stages = %q", got)
	}
	if cfg.Feed.Capacity != 50 {
		t.Errorf("Feed.Capacity = %d, want 50", cfg.Feed.Capacity)
	}
	if cfg.Detector.Mode != "mock" {
		t.Errorf("Detector.Mode = %q, want mock", cfg.Detector.Mode)
	}
	if len(cfg.Ingest.Simulator.Cameras) != 6 {
		t.Errorf("expected 6 default cameras, got %d", len(cfg.Ingest.Simulator.Cameras))
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.postProcess(); err != nil {
		t.Fatalf("postProcess: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Feed.HorizonD != time.Minute {
		t.Errorf("Feed.HorizonD = %v, want 1m", cfg.Feed.HorizonD)
	}
	if cfg.Detector.TimeoutD != 10*time.Second {
		t.Errorf("Detector.TimeoutD = %v, want 10s", cfg.Detector.TimeoutD)
	}
	if cfg.Alerts.AutoResolveD != 10*time.Second {
		t.Errorf("Alerts.AutoResolveD = %v, want 10s", cfg.Alerts.AutoResolveD)
	}
	if cfg.Alerts.Capacity != 20 {
		t.Errorf("Alerts.Capacity = %d, want 20", cfg.Alerts.Capacity)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[general]
data_dir = "/custom/data"

[api]
listen_addr = "0.0.0.0:9000"

[pipeline]
stages = ["capture", "ocr"]
step_interval = "50ms"

[feed]
capacity = 10
horizon = "2m"

[detector]
mode = "remote"
base_url = "http://detector:5000"

[[ingest.simulator.cameras]]
id = "GATE-1"
location = "Main Gate"
active = true
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.General.DataDir != "/custom/data" {
		t.Errorf("General.DataDir = %q", cfg.General.DataDir)
	}
	if cfg.API.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("API.ListenAddr = %q", cfg.API.ListenAddr)
	}
	if len(cfg.Pipeline.Stages) != 2 || cfg.Pipeline.Stages[1] != "ocr" {
		t.Errorf("Pipeline.Stages = %v", cfg.Pipeline.Stages)
	}
	if cfg.Pipeline.StepIntervalD != 50*time.Millisecond {
		t.Errorf("Pipeline.StepIntervalD = %v", cfg.Pipeline.StepIntervalD)
	}
	if cfg.Feed.Capacity != 10 || cfg.Feed.HorizonD != 2*time.Minute {
		t.Errorf("Feed = %+v", cfg.Feed)
	}
	if cfg.Detector.BaseURL != "http://detector:5000" {
		t.Errorf("Detector.BaseURL = %q", cfg.Detector.BaseURL)
	}
	if len(cfg.Ingest.Simulator.Cameras) != 1 || cfg.Ingest.Simulator.Cameras[0].ID != "GATE-1" {
		t.Errorf("Cameras = %+v", cfg.Ingest.Simulator.Cameras)
	}
	// untouched sections keep defaults
	if cfg.Detector.Timeout != "10s" {
		t.Errorf("Detector.Timeout = %q, want default", cfg.Detector.Timeout)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := writeConfig(t, "[feed\ncapacity = ")
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected error for invalid TOML")
	}

	badDuration := writeConfig(t, "[feed]\nhorizon = \"soon\"\n")
	if _, err := LoadFromFile(badDuration); err == nil || !strings.Contains(err.Error(), "feed.horizon") {
		t.Errorf("expected feed.horizon parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty stages", func(c *Config) { c.Pipeline.Stages = nil }, "pipeline.stages"},
		{"bad executor", func(c *Config) { c.Pipeline.Executor = "gpu" }, "pipeline.executor"},
		{"bad step range", func(c *Config) { c.Pipeline.MinStep = 40; c.Pipeline.MaxStep = 10 }, "step range"},
		{"negative live runs", func(c *Config) { c.Pipeline.LiveRuns = -1 }, "pipeline.live_runs"},
		{"zero alert capacity", func(c *Config) { c.Alerts.Capacity = 0 }, "alerts.capacity"},
		{"low confidence out of range", func(c *Config) { c.Alerts.LowConfidence = 120 }, "alerts.low_confidence"},
		{"zero capacity", func(c *Config) { c.Feed.Capacity = 0 }, "feed.capacity"},
		{"bad detector mode", func(c *Config) { c.Detector.Mode = "cloud" }, "detector.mode"},
		{"remote without url", func(c *Config) { c.Detector.Mode = "remote"; c.Detector.BaseURL = "" }, "base_url"},
		{"bad probability", func(c *Config) { c.Ingest.Simulator.DetectionProbability = 1.5 }, "detection_probability"},
		{"nats without subject", func(c *Config) { c.Ingest.NATS.Enabled = true; c.Ingest.NATS.Subject = "" }, "ingest.nats"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.postProcess(); err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ANPR_API_LISTEN", "0.0.0.0:7000")
	t.Setenv("ANPR_PIPELINE_STAGES", "capture, ocr ,verify")
	t.Setenv("ANPR_FEED_CAPACITY", "12")
	t.Setenv("ANPR_DETECTOR_MODE", "remote")
	t.Setenv("ANPR_SIMULATOR_ENABLED", "1")
	t.Setenv("ANPR_NATS_URL", "nats://broker:4222")
	t.Setenv("ANPR_LOG_LEVEL", "debug")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	if cfg.API.ListenAddr != "0.0.0.0:7000" {
		t.Errorf("API.ListenAddr = %q", cfg.API.ListenAddr)
	}
	if strings.Join(cfg.Pipeline.Stages, ",") != "capture,ocr,verify" {
		t.Errorf("Pipeline.Stages = %v", cfg.Pipeline.Stages)
	}
	if cfg.Feed.Capacity != 12 {
		t.Errorf("Feed.Capacity = %d", cfg.Feed.Capacity)
	}
	if cfg.Detector.Mode != "remote" {
		t.Errorf("Detector.Mode = %q", cfg.Detector.Mode)
	}
	if !cfg.Ingest.Simulator.Enabled {
		t.Error("simulator should be enabled")
	}
	if !cfg.Ingest.NATS.Enabled || cfg.Ingest.NATS.URL != "nats://broker:4222" {
		t.Errorf("NATS = %+v", cfg.Ingest.NATS)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.RunTimeoutD != 2*time.Minute {
		t.Errorf("Pipeline.RunTimeoutD = %v", cfg.Pipeline.RunTimeoutD)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/anpr/data")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "anpr/data") {
		t.Errorf("expandPath = %q", got)
	}
	if got, _ := expandPath("/abs"); got != "/abs" {
		t.Errorf("expandPath(/abs) = %q", got)
	}
}
