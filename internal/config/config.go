package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort = 8080

	DefaultRetryLimit    = 3
	DefaultIdleTTL       = 30 * time.Minute
	DefaultTerminalGrace = 2 * time.Minute
	DefaultMaxHorizon    = 2 * time.Hour
	DefaultQueueCapacity = 64

	DefaultProbeInterval   = 30 * time.Second
	DefaultProbeTimeout    = 10 * time.Second
	DefaultSlowThreshold   = 2 * time.Second
	DefaultWindowSize      = 20
	DefaultMinTrendSamples = 5
	DefaultSlopePct        = 10.0
)

// defaultPhaseWeights reflects the typical cost distribution across the six
// pipeline phases. The weights must sum to 1.0.
var defaultPhaseWeights = map[string]float64{
	"analysis":     0.10,
	"optimization": 0.15,
	"generation":   0.35,
	"quality":      0.15,
	"compilation":  0.15,
	"assessment":   0.10,
}

// Config is the top-level configuration, mapping 1:1 to config.example.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Health   HealthConfig   `yaml:"health"`
}

// ServerConfig holds the HTTP listener and client authentication settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket endpoint listen on.
	HTTPPort int `yaml:"http_port"`

	// Auth configures how mutating API calls are authenticated.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls API client authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected
	// API key. Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header the key is read from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// PipelineConfig holds session tracking parameters.
type PipelineConfig struct {
	// PhaseWeights maps each of the six phase names to its share of overall
	// progress. The weights must cover every phase and sum to 1.0.
	PhaseWeights map[string]float64 `yaml:"phase_weights"`

	// RetryLimit is the number of retries a task may attempt before it is
	// forced to failed.
	RetryLimit int `yaml:"retry_limit"`

	// IdleTTL is how long a session may go without events before it is
	// expired and pruned.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// TerminalGrace is how long a terminal session remains queryable before
	// pruning, so late subscribers can still read final state.
	TerminalGrace time.Duration `yaml:"terminal_grace"`

	// MaxHorizon caps the estimated-completion extrapolation. Near-zero
	// progress would otherwise produce runaway estimates.
	MaxHorizon time.Duration `yaml:"max_horizon"`

	// QueueCapacity is each subscriber's bounded delivery-queue depth.
	QueueCapacity int `yaml:"queue_capacity"`
}

// HealthConfig holds service probing and trend settings.
type HealthConfig struct {
	// ProbeInterval controls how often each service is probed.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe call so one unresponsive service
	// cannot stall the sampler loop.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// SlowThreshold marks an otherwise-successful probe as degraded when the
	// response takes longer than this.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// WindowSize is the per-service rolling sample buffer capacity.
	WindowSize int `yaml:"window_size"`

	// MinTrendSamples is the minimum window fill before the trend engine
	// makes a directional claim. Below it, trends report stable/low-confidence.
	MinTrendSamples int `yaml:"min_trend_samples"`

	// SlopePct is the percentage change between window halves beyond which a
	// response-time movement counts as a direction.
	SlopePct float64 `yaml:"slope_pct"`

	// Services is the fixed set of named services to probe.
	Services []Service `yaml:"services"`

	// Rules is the recommendation rule set evaluated against samples/trends.
	Rules []RecommendationRule `yaml:"rules"`
}

// Service describes one monitored service.
type Service struct {
	// Name is a unique identifier for the service.
	Name string `yaml:"name"`

	// Endpoint is the URL of the service's health endpoint.
	Endpoint string `yaml:"endpoint"`

	// MetricsEndpoint is an optional Prometheus exposition endpoint scraped
	// for the report's system metrics.
	MetricsEndpoint string `yaml:"metrics_endpoint"`

	// Metrics lists the metric family names to collect from MetricsEndpoint.
	Metrics []string `yaml:"metrics"`
}

// RecommendationRule defines one threshold-based recommendation.
type RecommendationRule struct {
	// Name is a stable identifier for the rule.
	Name string `yaml:"name"`

	// Condition is a simple expression evaluated per service:
	// "error_rate > 0.2", "response_time_ms > 500", "slope_pct > 25",
	// "direction == degrading", "status == unhealthy".
	Condition string `yaml:"condition"`

	// Message is the recommendation text. The placeholders {service} and
	// {value} are replaced with the service name and the triggering value.
	Message string `yaml:"message"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	weights := make(map[string]float64, len(defaultPhaseWeights))
	for k, v := range defaultPhaseWeights {
		weights[k] = v
	}
	return &Config{
		Server: ServerConfig{HTTPPort: DefaultHTTPPort},
		Pipeline: PipelineConfig{
			PhaseWeights:  weights,
			RetryLimit:    DefaultRetryLimit,
			IdleTTL:       DefaultIdleTTL,
			TerminalGrace: DefaultTerminalGrace,
			MaxHorizon:    DefaultMaxHorizon,
			QueueCapacity: DefaultQueueCapacity,
		},
		Health: HealthConfig{
			ProbeInterval:   DefaultProbeInterval,
			ProbeTimeout:    DefaultProbeTimeout,
			SlowThreshold:   DefaultSlowThreshold,
			WindowSize:      DefaultWindowSize,
			MinTrendSamples: DefaultMinTrendSamples,
			SlopePct:        DefaultSlopePct,
		},
	}
}

// weightEpsilon tolerates float representation error in the 1.0 sum check.
const weightEpsilon = 1e-9

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}

	if len(cfg.Pipeline.PhaseWeights) != len(defaultPhaseWeights) {
		return fmt.Errorf("pipeline.phase_weights must define all %d phases, got %d",
			len(defaultPhaseWeights), len(cfg.Pipeline.PhaseWeights))
	}
	var sum float64
	for name, w := range cfg.Pipeline.PhaseWeights {
		if _, ok := defaultPhaseWeights[name]; !ok {
			return fmt.Errorf("pipeline.phase_weights: unknown phase %q", name)
		}
		if w < 0 {
			return fmt.Errorf("pipeline.phase_weights.%s must not be negative", name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("pipeline.phase_weights must sum to 1.0, got %.6f", sum)
	}

	if cfg.Pipeline.RetryLimit < 0 {
		return fmt.Errorf("pipeline.retry_limit must not be negative")
	}
	if cfg.Pipeline.IdleTTL <= 0 {
		return fmt.Errorf("pipeline.idle_ttl must be positive")
	}
	if cfg.Pipeline.TerminalGrace < 0 {
		return fmt.Errorf("pipeline.terminal_grace must not be negative")
	}
	if cfg.Pipeline.QueueCapacity < 2 {
		return fmt.Errorf("pipeline.queue_capacity must be at least 2")
	}

	if cfg.Health.ProbeInterval <= 0 {
		return fmt.Errorf("health.probe_interval must be positive")
	}
	if cfg.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be positive")
	}
	if cfg.Health.WindowSize < 1 {
		return fmt.Errorf("health.window_size must be at least 1")
	}
	if cfg.Health.MinTrendSamples < 2 {
		return fmt.Errorf("health.min_trend_samples must be at least 2")
	}

	seen := make(map[string]bool, len(cfg.Health.Services))
	for _, svc := range cfg.Health.Services {
		if svc.Name == "" {
			return fmt.Errorf("health.services: name is required")
		}
		if seen[svc.Name] {
			return fmt.Errorf("health.services: duplicate name %q", svc.Name)
		}
		seen[svc.Name] = true
		if svc.Endpoint == "" {
			return fmt.Errorf("health.services.%s: endpoint is required", svc.Name)
		}
	}

	for _, r := range cfg.Health.Rules {
		if r.Name == "" {
			return fmt.Errorf("health.rules: name is required")
		}
		if r.Condition == "" {
			return fmt.Errorf("health.rules.%s: condition is required", r.Name)
		}
		switch r.Severity {
		case "critical", "warning", "info", "":
		default:
			return fmt.Errorf("health.rules.%s: severity %q unknown", r.Name, r.Severity)
		}
	}
	return nil
}
