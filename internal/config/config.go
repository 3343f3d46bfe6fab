// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete application configuration.
type Configuration struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// ProxyBaseURL is the public origin proxy URLs are issued under.
	// Empty means URLs are relative to the request host.
	ProxyBaseURL string `yaml:"proxy_base_url"`
}

// SecurityConfig holds secret material settings.
type SecurityConfig struct {
	// EncryptionSecret decrypts stored driver credentials and keys proxy
	// signatures. Required.
	EncryptionSecret string `yaml:"encryption_secret"`
}

// SchedulerConfig tunes the scheduled-task dispatcher.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Tick     time.Duration `yaml:"tick"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// JobsConfig tunes the background job engine.
type JobsConfig struct {
	DefaultConcurrency int `yaml:"default_concurrency"`
	MaxConcurrency     int `yaml:"max_concurrency"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming downloads must not be cut off
			IdleTimeout:  60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Tick:     15 * time.Second,
			LeaseTTL: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			DefaultConcurrency: 10,
			MaxConcurrency:     32,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the receiver.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies FILEGATE_* environment overrides.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("FILEGATE_ADDRESS"); val != "" {
		c.Server.Address = val
	}
	if val := os.Getenv("FILEGATE_PROXY_BASE_URL"); val != "" {
		c.Server.ProxyBaseURL = val
	}
	if val := os.Getenv("FILEGATE_ENCRYPTION_SECRET"); val != "" {
		c.Security.EncryptionSecret = val
	}
	if val := os.Getenv("FILEGATE_SCHEDULER_TICK"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.Tick = d
		}
	}
	if val := os.Getenv("FILEGATE_SCHEDULER_ENABLED"); val != "" {
		c.Scheduler.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FILEGATE_JOB_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Jobs.DefaultConcurrency = n
		}
	}
	if val := os.Getenv("FILEGATE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
}

// Validate checks the configuration for consistency.
func (c *Configuration) Validate() error {
	if c.Security.EncryptionSecret == "" {
		return fmt.Errorf("security.encryption_secret is required")
	}
	if c.Jobs.DefaultConcurrency <= 0 {
		return fmt.Errorf("jobs.default_concurrency must be greater than 0")
	}
	if c.Jobs.MaxConcurrency < c.Jobs.DefaultConcurrency {
		return fmt.Errorf("jobs.max_concurrency must be at least jobs.default_concurrency")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Scheduler.LeaseTTL <= c.Scheduler.Tick {
		return fmt.Errorf("scheduler.lease_ttl must exceed scheduler.tick")
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, l := range validLevels {
		if strings.EqualFold(c.Logging.Level, l) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLevels, ", "))
	}
	return nil
}
