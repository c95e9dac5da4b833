package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the chart engine.
// Environment variables are parsed from the AUTOEDA_ prefix, e.g.
// AUTOEDA_CHARTS_ASYNC, AUTOEDA_CHARTS_PARALLELISM, AUTOEDA_METRICS_LOG.
type Config struct {
	// DataDir is the root for per-job artifacts and the saved-charts file.
	DataDir string `envconfig:"DATA_DIR" default:"data"`

	// MetricsLog is the append-only JSONL event log path.
	MetricsLog string `envconfig:"METRICS_LOG" default:"data/metrics/events.jsonl"`

	// ChartsAsync enables the asynchronous scheduler; submissions return a
	// queued job completed by a worker.
	ChartsAsync bool `envconfig:"CHARTS_ASYNC" default:"false"`

	// ChartsParallelism is the global worker count P.
	ChartsParallelism int `envconfig:"CHARTS_PARALLELISM" default:"1"`

	// SandboxExecute routes jobs through the generated-chart subprocess that
	// reads real dataset rows.
	SandboxExecute bool `envconfig:"SANDBOX_EXECUTE" default:"false"`

	// SandboxSubprocess isolates template rendering in a child interpreter
	// even when SandboxExecute is off.
	SandboxSubprocess bool `envconfig:"SANDBOX_SUBPROCESS" default:"false"`

	// SandboxTimeoutMs is the wall-clock cap for one sandboxed run.
	SandboxTimeoutMs int `envconfig:"SANDBOX_TIMEOUT_MS" default:"10000"`

	// SandboxUserCode permits the user-code execution path.
	SandboxUserCode bool `envconfig:"SANDBOX_USER_CODE" default:"false"`

	// SLOThresholds is an optional JSON override of the default threshold
	// map, e.g. {"ChartJobFinished":{"p95":2000}}.
	SLOThresholds string `envconfig:"SLO_THRESHOLDS" default:""`

	// HTTPPort is the service listen port.
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`
}

// New creates a Config by parsing AUTOEDA_-prefixed environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("AUTOEDA", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("metrics_log", cfg.MetricsLog).
		Bool("async", cfg.ChartsAsync).
		Int("parallelism", cfg.ChartsParallelism).
		Bool("sandbox_execute", cfg.SandboxExecute).
		Bool("sandbox_subprocess", cfg.SandboxSubprocess).
		Int("sandbox_timeout_ms", cfg.SandboxTimeoutMs).
		Int("port", cfg.HTTPPort).
		Msg("Configuration loaded")

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ChartsParallelism < 1 {
		c.ChartsParallelism = 1
	}
	if c.SandboxTimeoutMs <= 0 {
		return fmt.Errorf("sandbox timeout must be positive, got %d", c.SandboxTimeoutMs)
	}
	if c.SLOThresholds != "" {
		var probe map[string]map[string]float64
		if err := json.Unmarshal([]byte(c.SLOThresholds), &probe); err != nil {
			return fmt.Errorf("invalid AUTOEDA_SLO_THRESHOLDS: %w", err)
		}
	}
	return nil
}

// NewForTesting creates a config rooted at dir with synchronous defaults.
func NewForTesting(dir string) *Config {
	return &Config{
		DataDir:           dir,
		MetricsLog:        filepath.Join(dir, "metrics", "events.jsonl"),
		ChartsAsync:       false,
		ChartsParallelism: 1,
		SandboxTimeoutMs:  2000,
		HTTPPort:          8080,
	}
}

// ChartsDir returns the per-job artifact root.
func (c *Config) ChartsDir() string {
	return filepath.Join(c.DataDir, "charts")
}

// SavedChartsPath returns the saved-charts store file.
func (c *Config) SavedChartsPath() string {
	return filepath.Join(c.DataDir, "charts", "saved.json")
}

// DatasetPath returns the CSV path for a dataset id.
func (c *Config) DatasetPath(datasetID string) string {
	return filepath.Join(c.DataDir, "datasets", datasetID+".csv")
}

// ThresholdOverrides decodes AUTOEDA_SLO_THRESHOLDS; nil when unset.
func (c *Config) ThresholdOverrides() map[string]map[string]float64 {
	if c.SLOThresholds == "" {
		return nil
	}
	var m map[string]map[string]float64
	if err := json.Unmarshal([]byte(c.SLOThresholds), &m); err != nil {
		return nil
	}
	return m
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
