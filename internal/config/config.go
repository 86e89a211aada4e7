package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Idempotency store outage policies.
const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"
)

// Config models signline.yml.
type Config struct {
	Project struct {
		ConstantsVersion string `yaml:"constants_version"`
		CodeVersion      string `yaml:"code_version"`
	} `yaml:"project"`
	Idempotency struct {
		Policy               string `yaml:"policy"`
		TTLHours             int    `yaml:"ttl_hours"`
		SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	} `yaml:"idempotency"`
	Resilience struct {
		FailureThreshold int `yaml:"failure_threshold"`
		CooldownSeconds  int `yaml:"cooldown_seconds"`
		MaxAttempts      int `yaml:"max_attempts"`
		InitialBackoffMS int `yaml:"initial_backoff_ms"`
	} `yaml:"resilience"`
	Dispatch struct {
		PM    TargetConfig `yaml:"pm"`
		Email EmailConfig  `yaml:"email"`
	} `yaml:"dispatch"`
	Tasks struct {
		Workers int `yaml:"workers"`
	} `yaml:"tasks"`
	Server struct {
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"server"`
}

// TargetConfig describes an outbound HTTP collaborator.
type TargetConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EmailConfig describes the email notifier collaborator.
type EmailConfig struct {
	URL            string `yaml:"url"`
	From           string `yaml:"from"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IdempotencyTTL returns the configured record lifetime.
func (c *Config) IdempotencyTTL() time.Duration {
	hours := c.Idempotency.TTLHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Cooldown returns the breaker open-state window.
func (c *Config) Cooldown() time.Duration {
	secs := c.Resilience.CooldownSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ConstantsVersion == "" {
		return fmt.Errorf("config.project.constants_version is required")
	}
	switch c.Idempotency.Policy {
	case PolicyFailOpen, PolicyFailClosed:
	case "":
		return fmt.Errorf("config.idempotency.policy is required (fail_open or fail_closed)")
	default:
		return fmt.Errorf("config.idempotency.policy must be fail_open or fail_closed, got %q", c.Idempotency.Policy)
	}
	if c.Idempotency.TTLHours < 0 {
		return fmt.Errorf("config.idempotency.ttl_hours must not be negative")
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("config.resilience.failure_threshold must be at least 1")
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("config.resilience.max_attempts must be at least 1")
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("config.tasks.workers must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `project:
  constants_version: asce7-22.r1
  code_version: dev

idempotency:
  # fail_open: execute without dedup when the store is unavailable,
  # logging a degraded-mode warning. fail_closed rejects the mutation.
  policy: fail_open
  ttl_hours: 24
  sweep_interval_seconds: 300

resilience:
  failure_threshold: 3
  cooldown_seconds: 30
  max_attempts: 4
  initial_backoff_ms: 100

dispatch:
  pm:
    url: ""
    api_key: ""
    timeout_seconds: 5
  email:
    url: ""
    from: noreply@signline.local
    timeout_seconds: 5

tasks:
  workers: 4

server:
  rate_limit_rps: 20
  rate_limit_burst: 40
`
