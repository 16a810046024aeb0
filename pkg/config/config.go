// Package config provides configuration management for the control plane
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration for the control plane
type Config struct {
	// State management configuration
	State StateConfig `yaml:"state" json:"state"`

	// Orchestrator configuration
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`

	// Monitoring configuration
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// StateConfig holds state store configuration
type StateConfig struct {
	Type     string        `yaml:"type" json:"type"` // "memory" or "badger"
	Path     string        `yaml:"path" json:"path"`
	EventTTL time.Duration `yaml:"event_ttl" json:"event_ttl"`
}

// OrchestratorConfig holds deployment orchestration configuration
type OrchestratorConfig struct {
	// Default starting traffic percentage for canary plans
	CanaryInitialPercent int `yaml:"canary_initial_percent" json:"canary_initial_percent"`

	// Upper bound on a single health check; a check that exceeds it fails
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`

	// Health checks applied when a plan does not name its own
	DefaultHealthChecks []string `yaml:"default_health_checks" json:"default_health_checks"`
}

// MonitoringConfig holds the metrics store and alerting configuration
type MonitoringConfig struct {
	// Prometheus bridge endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Rolling retention window for raw samples
	Retention time.Duration `yaml:"retention" json:"retention"`

	// How often expired samples are purged
	PurgeInterval time.Duration `yaml:"purge_interval" json:"purge_interval"`

	// Alert rule evaluation period
	EvaluationInterval time.Duration `yaml:"evaluation_interval" json:"evaluation_interval"`

	// Recent-metrics window alert rules evaluate over
	RuleWindow time.Duration `yaml:"rule_window" json:"rule_window"`
}

// MetricsConfig holds the Prometheus bridge configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	ServiceName  string        `yaml:"service_name" json:"service_name"`
	SampleRate   float64       `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		State: StateConfig{
			Type:     "memory",
			EventTTL: 7 * 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			CanaryInitialPercent: 10,
			HealthCheckTimeout:   10 * time.Second,
			DefaultHealthChecks:  []string{"response_time", "error_rate", "success_rate"},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Host:    "0.0.0.0",
				Port:    9091,
				Path:    "/metrics",
			},
			Retention:          24 * time.Hour,
			PurgeInterval:      time.Minute,
			EvaluationInterval: 60 * time.Second,
			RuleWindow:         5 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "agentctl",
			SampleRate:   0.1,
			BatchTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadConfigFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadConfigFromFile loads configuration from a YAML or JSON file
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadConfigFromEnv overrides configuration from environment variables
func loadConfigFromEnv(config *Config) {
	if val := os.Getenv("AGENTCTL_STATE_TYPE"); val != "" {
		config.State.Type = val
	}
	if val := os.Getenv("AGENTCTL_STATE_PATH"); val != "" {
		config.State.Path = val
	}
	if val := os.Getenv("AGENTCTL_METRICS_ENABLED"); val != "" {
		config.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("AGENTCTL_METRICS_HOST"); val != "" {
		config.Monitoring.Metrics.Host = val
	}
	if val := os.Getenv("AGENTCTL_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Monitoring.Metrics.Port = port
		}
	}
	if val := os.Getenv("AGENTCTL_TRACING_ENABLED"); val != "" {
		config.Tracing.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("AGENTCTL_TRACING_ENDPOINT"); val != "" {
		config.Tracing.Endpoint = val
	}
	if val := os.Getenv("AGENTCTL_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("AGENTCTL_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("AGENTCTL_CANARY_INITIAL_PERCENT"); val != "" {
		if pct, err := strconv.Atoi(val); err == nil {
			config.Orchestrator.CanaryInitialPercent = pct
		}
	}
	if val := os.Getenv("AGENTCTL_HEALTH_CHECK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Orchestrator.HealthCheckTimeout = d
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.State.Type {
	case "memory":
	case "badger":
		if c.State.Path == "" {
			return fmt.Errorf("state path is required for badger store")
		}
	default:
		return fmt.Errorf("unsupported state store type: %s", c.State.Type)
	}

	if c.Orchestrator.CanaryInitialPercent <= 0 || c.Orchestrator.CanaryInitialPercent > 100 {
		return fmt.Errorf("canary initial percent must be in (0, 100], got %d", c.Orchestrator.CanaryInitialPercent)
	}

	if c.Orchestrator.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}

	if c.Monitoring.Retention <= 0 {
		return fmt.Errorf("metrics retention must be positive")
	}

	if c.Monitoring.EvaluationInterval <= 0 {
		return fmt.Errorf("alert evaluation interval must be positive")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be in [0, 1]")
	}

	return nil
}
