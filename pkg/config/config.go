package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General  GeneralConfig  `toml:"general"`
	API      APIConfig      `toml:"api"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Feed     FeedConfig     `toml:"feed"`
	Detector DetectorConfig `toml:"detector"`
	Ingest   IngestConfig   `toml:"ingest"`
	Alerts   AlertsConfig   `toml:"alerts"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
}

type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

type APIConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	EnableCORS     bool     `toml:"enable_cors"`
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout string   `toml:"request_timeout"`
	MaxBodyMB      int      `toml:"max_body_mb"`
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit       float64       `toml:"rate_limit"`
	RateBurst       int           `toml:"rate_burst"`
	RequestTimeoutD time.Duration `toml:"-"`
}

type PipelineConfig struct {
	// Stages is the stage list used when a request does not name one.
	Stages []string `toml:"stages"`
	// Executor selects how stages run: "simulated" or "detector".
	Executor     string  `toml:"executor"`
	StepInterval string  `toml:"step_interval"`
	MinStep      float64 `toml:"min_step"`
	MaxStep      float64 `toml:"max_step"`
	RunTimeout   string  `toml:"run_timeout"`
	// LiveRuns caps the terminal runs kept in memory; older ones are
	// served from the run archive.
	LiveRuns      int           `toml:"live_runs"`
	StepIntervalD time.Duration `toml:"-"`
	RunTimeoutD   time.Duration `toml:"-"`
}

type FeedConfig struct {
	Capacity           int           `toml:"capacity"`
	Horizon            string        `toml:"horizon"`
	RecomputeInterval  string        `toml:"recompute_interval"`
	WarmStart          bool          `toml:"warm_start"`
	HorizonD           time.Duration `toml:"-"`
	RecomputeIntervalD time.Duration `toml:"-"`
}

type DetectorConfig struct {
	// Mode is "mock" or "remote".
	Mode         string        `toml:"mode"`
	BaseURL      string        `toml:"base_url"`
	Timeout      string        `toml:"timeout"`
	MaxFailures  uint32        `toml:"max_failures"`
	OpenTimeout  string        `toml:"open_timeout"`
	TimeoutD     time.Duration `toml:"-"`
	OpenTimeoutD time.Duration `toml:"-"`
}

type CameraConfig struct {
	ID       string `toml:"id"`
	Location string `toml:"location"`
	Active   bool   `toml:"active"`
}

type SimulatorConfig struct {
	Enabled              bool           `toml:"enabled"`
	Tick                 string         `toml:"tick"`
	DetectionProbability float64        `toml:"detection_probability"`
	FlagProbability      float64        `toml:"flag_probability"`
	RatePerSec           float64        `toml:"rate_per_sec"`
	Cameras              []CameraConfig `toml:"cameras"`
	TickD                time.Duration  `toml:"-"`
}

type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

type IngestConfig struct {
	Simulator SimulatorConfig `toml:"simulator"`
	NATS      NATSConfig      `toml:"nats"`
	// WatchDir, when set, starts a run for each image dropped into it.
	WatchDir string `toml:"watch_dir"`
}

type AlertsConfig struct {
	// Capacity bounds the live alert board; the oldest alert is dropped.
	Capacity int `toml:"capacity"`
	// AutoResolve is how long an auto-resolving alert may stay firing.
	AutoResolve string `toml:"auto_resolve"`
	// LowConfidence raises a warning for detections scored below it.
	LowConfidence float64       `toml:"low_confidence"`
	AutoResolveD  time.Duration `toml:"-"`
}

type StorageConfig struct {
	Enabled bool   `toml:"enabled"`
	DBFile  string `toml:"db_file"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

func DefaultCameras() []CameraConfig {
	return []CameraConfig{
		{ID: "CAM-01", Location: "Chennai - GST Road Junction", Active: true},
		{ID: "CAM-02", Location: "Coimbatore - Salem Highway", Active: true},
		{ID: "CAM-03", Location: "Madurai - Trichy Road", Active: false},
		{ID: "CAM-04", Location: "Salem - Bangalore Highway Toll", Active: true},
		{ID: "CAM-05", Location: "Tiruchirappalli - Main Junction", Active: true},
		{ID: "CAM-06", Location: "Tirunelveli - Highway Entry", Active: true},
	}
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".anpr")

	return &Config{
		General: GeneralConfig{
			DataDir: dataDir,
		},
		API: APIConfig{
			ListenAddr:     "127.0.0.1:8080",
			CORSOrigins:    []string{"*"},
			RequestTimeout: "30s",
			MaxBodyMB:      10,
			RateBurst:      20,
		},
		Pipeline: PipelineConfig{
			Stages:       []string{"capture", "preprocess", "detect", "extract", "verify"},
			Executor:     "simulated",
			StepInterval: "200ms",
			MinStep:      10,
			MaxStep:      35,
			RunTimeout:   "2m",
			LiveRuns:     100,
		},
		Feed: FeedConfig{
			Capacity:          50,
			Horizon:           "60s",
			RecomputeInterval: "1s",
			WarmStart:         true,
		},
		Detector: DetectorConfig{
			Mode:        "mock",
			BaseURL:     "http://localhost:5000",
			Timeout:     "10s",
			MaxFailures: 5,
			OpenTimeout: "30s",
		},
		Ingest: IngestConfig{
			Simulator: SimulatorConfig{
				Enabled:              false,
				Tick:                 "2s",
				DetectionProbability: 0.15,
				FlagProbability:      0.10,
				RatePerSec:           10,
				Cameras:              DefaultCameras(),
			},
			NATS: NATSConfig{
				Enabled: false,
				URL:     "nats://127.0.0.1:4222",
				Subject: "anpr.detections",
			},
		},
		Alerts: AlertsConfig{
			Capacity:      20,
			AutoResolve:   "10s",
			LowConfidence: 60,
		},
		Storage: StorageConfig{
			Enabled: true,
			DBFile:  filepath.Join(dataDir, "anpr.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"api.request_timeout", c.API.RequestTimeout, &c.API.RequestTimeoutD},
		{"pipeline.step_interval", c.Pipeline.StepInterval, &c.Pipeline.StepIntervalD},
		{"pipeline.run_timeout", c.Pipeline.RunTimeout, &c.Pipeline.RunTimeoutD},
		{"feed.horizon", c.Feed.Horizon, &c.Feed.HorizonD},
		{"feed.recompute_interval", c.Feed.RecomputeInterval, &c.Feed.RecomputeIntervalD},
		{"detector.timeout", c.Detector.Timeout, &c.Detector.TimeoutD},
		{"detector.open_timeout", c.Detector.OpenTimeout, &c.Detector.OpenTimeoutD},
		{"ingest.simulator.tick", c.Ingest.Simulator.Tick, &c.Ingest.Simulator.TickD},
		{"alerts.auto_resolve", c.Alerts.AutoResolve, &c.Alerts.AutoResolveD},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	var err error
	if c.General.DataDir, err = expandPath(c.General.DataDir); err != nil {
		return fmt.Errorf("expand general.data_dir: %w", err)
	}
	if c.Storage.DBFile, err = expandPath(c.Storage.DBFile); err != nil {
		return fmt.Errorf("expand storage.db_file: %w", err)
	}
	if c.Ingest.WatchDir, err = expandPath(c.Ingest.WatchDir); err != nil {
		return fmt.Errorf("expand ingest.watch_dir: %w", err)
	}
	if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
		return fmt.Errorf("expand logging.file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("pipeline.stages cannot be empty")
	}

	validExecutors := map[string]bool{"simulated": true, "detector": true}
	if !validExecutors[c.Pipeline.Executor] {
		return fmt.Errorf("invalid pipeline.executor: %s (valid: simulated, detector)", c.Pipeline.Executor)
	}

	if c.Pipeline.MinStep <= 0 || c.Pipeline.MaxStep < c.Pipeline.MinStep {
		return fmt.Errorf("pipeline step range must satisfy 0 < min_step <= max_step, got %.1f..%.1f",
			c.Pipeline.MinStep, c.Pipeline.MaxStep)
	}

	if c.Pipeline.StepIntervalD <= 0 {
		return fmt.Errorf("pipeline.step_interval must be positive")
	}

	if c.Pipeline.LiveRuns < 0 {
		return fmt.Errorf("pipeline.live_runs cannot be negative")
	}

	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit cannot be negative")
	}

	if c.Feed.Capacity < 1 {
		return fmt.Errorf("feed.capacity must be at least 1, got %d", c.Feed.Capacity)
	}

	if c.Feed.HorizonD <= 0 {
		return fmt.Errorf("feed.horizon must be positive")
	}

	validModes := map[string]bool{"mock": true, "remote": true}
	if !validModes[c.Detector.Mode] {
		return fmt.Errorf("invalid detector.mode: %s (valid: mock, remote)", c.Detector.Mode)
	}

	if c.Detector.Mode == "remote" && c.Detector.BaseURL == "" {
		return fmt.Errorf("detector.base_url is required in remote mode")
	}

	sim := c.Ingest.Simulator
	if sim.DetectionProbability < 0 || sim.DetectionProbability > 1 {
		return fmt.Errorf("ingest.simulator.detection_probability must be between 0 and 1, got %.2f", sim.DetectionProbability)
	}
	if sim.FlagProbability < 0 || sim.FlagProbability > 1 {
		return fmt.Errorf("ingest.simulator.flag_probability must be between 0 and 1, got %.2f", sim.FlagProbability)
	}
	if sim.Enabled && sim.TickD <= 0 {
		return fmt.Errorf("ingest.simulator.tick must be positive")
	}
	if sim.RatePerSec < 0 {
		return fmt.Errorf("ingest.simulator.rate_per_sec cannot be negative")
	}

	if c.Ingest.NATS.Enabled && (c.Ingest.NATS.URL == "" || c.Ingest.NATS.Subject == "") {
		return fmt.Errorf("ingest.nats requires url and subject when enabled")
	}

	if c.Alerts.Capacity < 1 {
		return fmt.Errorf("alerts.capacity must be at least 1, got %d", c.Alerts.Capacity)
	}
	if c.Alerts.AutoResolveD <= 0 {
		return fmt.Errorf("alerts.auto_resolve must be positive")
	}
	if c.Alerts.LowConfidence < 0 || c.Alerts.LowConfidence > 100 {
		return fmt.Errorf("alerts.low_confidence must be between 0 and 100, got %.1f", c.Alerts.LowConfidence)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANPR_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("ANPR_API_LISTEN"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("ANPR_PIPELINE_EXECUTOR"); v != "" {
		cfg.Pipeline.Executor = v
	}
	if v := os.Getenv("ANPR_PIPELINE_STAGES"); v != "" {
		cfg.Pipeline.Stages = splitList(v)
	}
	if v := os.Getenv("ANPR_FEED_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.Capacity = n
		}
	}
	if v := os.Getenv("ANPR_FEED_HORIZON"); v != "" {
		cfg.Feed.Horizon = v
	}
	if v := os.Getenv("ANPR_DETECTOR_MODE"); v != "" {
		cfg.Detector.Mode = v
	}
	if v := os.Getenv("ANPR_DETECTOR_URL"); v != "" {
		cfg.Detector.BaseURL = v
	}
	if v := os.Getenv("ANPR_SIMULATOR_ENABLED"); v != "" {
		cfg.Ingest.Simulator.Enabled = parseBool(v)
	}
	if v := os.Getenv("ANPR_NATS_URL"); v != "" {
		cfg.Ingest.NATS.URL = v
		cfg.Ingest.NATS.Enabled = true
	}
	if v := os.Getenv("ANPR_NATS_SUBJECT"); v != "" {
		cfg.Ingest.NATS.Subject = v
	}
	if v := os.Getenv("ANPR_WATCH_DIR"); v != "" {
		cfg.Ingest.WatchDir = v
	}
	if v := os.Getenv("ANPR_STORAGE_ENABLED"); v != "" {
		cfg.Storage.Enabled = parseBool(v)
	}
	if v := os.Getenv("ANPR_DB_FILE"); v != "" {
		cfg.Storage.DBFile = v
	}
	if v := os.Getenv("ANPR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ANPR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

// Load reads configPath (or the defaults when empty), applies ANPR_*
// environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
