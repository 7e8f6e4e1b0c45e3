// Package config builds the engine's effective configuration from
// defaults, an optional YAML file, and environment variables, with env
// winning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tuning values. Every one of them can be overridden via the YAML
// config file and, where an env var is named, via the environment.
const (
	DefaultPort          = 8080
	DefaultPortMin       = 9000
	DefaultPortMax       = 9999
	DefaultStepTimeout   = 30 * time.Second
	DefaultSettleTime    = 2 * time.Second
	DefaultThinkTime     = 500 * time.Millisecond
	DefaultWatchInterval = 10 * time.Second
	DefaultBatchInterval = 30 * time.Second
	DefaultBatchSize     = 5
	DefaultMaxConcurrent = 20
)

// PortRange bounds the ports handed to child services.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// AutoLoad controls the background traffic generator.
type AutoLoad struct {
	Enabled         bool          `yaml:"enabled"`
	WatchInterval   time.Duration `yaml:"watch_interval"`
	JourneyInterval time.Duration `yaml:"journey_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxConcurrent   int64         `yaml:"max_concurrent"`
	ThinkTime       time.Duration `yaml:"think_time"`
}

// Platform holds the observability platform connection settings.
type Platform struct {
	Environment     string `yaml:"environment"`
	APIToken        string `yaml:"api_token"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Config is the engine's full configuration.
type Config struct {
	Port        int           `yaml:"port"`
	DataDir     string        `yaml:"data_dir"`
	LogLevel    string        `yaml:"log_level"`
	LogJSON     bool          `yaml:"log_json"`
	Ports       PortRange     `yaml:"ports"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	// SettleTime is the pause between per-journey teardown and relaunch.
	SettleTime time.Duration `yaml:"settle_time"`
	// PreservedServices are never torn down by per-journey cleanup.
	PreservedServices []string `yaml:"preserved_services"`
	AutoLoad          AutoLoad `yaml:"auto_load"`
	Platform          Platform `yaml:"platform"`
	// ChildEnv is the pass-through observability-agent identity env bundle,
	// captured opaque from the parent environment.
	ChildEnv []string `yaml:"-"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		DataDir:     ".",
		LogLevel:    "info",
		LogJSON:     false,
		Ports:       PortRange{Min: DefaultPortMin, Max: DefaultPortMax},
		StepTimeout: DefaultStepTimeout,
		SettleTime:  DefaultSettleTime,
		PreservedServices: []string{
			"PaymentGatewayService",
			"FraudDetectionService",
		},
		AutoLoad: AutoLoad{
			Enabled:         false,
			WatchInterval:   DefaultWatchInterval,
			JourneyInterval: DefaultBatchInterval,
			BatchSize:       DefaultBatchSize,
			MaxConcurrent:   DefaultMaxConcurrent,
			ThinkTime:       DefaultThinkTime,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then environment variables (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ChildEnv = captureChildEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("SERVICE_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ports.Min = n
		}
	}
	if v := os.Getenv("SERVICE_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ports.Max = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DT_ENVIRONMENT"); v != "" {
		c.Platform.Environment = v
	}
	if v := os.Getenv("DT_API_TOKEN"); v != "" {
		c.Platform.APIToken = v
	}
	if v := os.Getenv("ENABLE_CONTINUOUS_JOURNEYS"); v != "" {
		c.AutoLoad.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("JOURNEY_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AutoLoad.JourneyInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("JOURNEY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AutoLoad.BatchSize = n
		}
	}
}

// childEnvPrefixes select the observability-agent identity vars that are
// passed through to child service environments untouched.
var childEnvPrefixes = []string{"DT_", "OTEL_"}

func captureChildEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		for _, p := range childEnvPrefixes {
			if strings.HasPrefix(kv, p) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid main port %d", c.Port)
	}
	if c.Ports.Min <= 0 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("invalid service port range [%d,%d]", c.Ports.Min, c.Ports.Max)
	}
	if c.AutoLoad.BatchSize <= 0 {
		return fmt.Errorf("auto_load batch_size must be positive, got %d", c.AutoLoad.BatchSize)
	}
	if c.AutoLoad.MaxConcurrent <= 0 {
		return fmt.Errorf("auto_load max_concurrent must be positive, got %d", c.AutoLoad.MaxConcurrent)
	}
	return nil
}
