package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tripgate.yml.
type Config struct {
	Service struct {
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
		NodeID   int64  `yaml:"node_id"`
	} `yaml:"service"`
	Approval struct {
		TTL           string `yaml:"ttl"`
		Threshold     string `yaml:"threshold"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"approval"`
	Rules struct {
		MinBufferMinutes int    `yaml:"min_buffer_minutes"`
		MaxDailyMinutes  int    `yaml:"max_daily_minutes"`
		LateEnd          string `yaml:"late_end"`
		EarlyStart       string `yaml:"early_start"`
	} `yaml:"rules"`
	Optimize struct {
		DefaultLimit int `yaml:"default_limit"`
	} `yaml:"optimize"`
	TaskBus struct {
		RedisURL string `yaml:"redis_url"`
		Stream   string `yaml:"stream"`
	} `yaml:"taskbus"`
}

var riskLevels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with tripgate config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Service.Env {
	case "", "development", "production", "test":
	default:
		return fmt.Errorf("config.service.env must be development, production or test")
	}
	if c.Service.NodeID < 0 || c.Service.NodeID > 1023 {
		return fmt.Errorf("config.service.node_id must be between 0 and 1023")
	}
	if _, err := parseDuration("approval.ttl", c.Approval.TTL); err != nil {
		return err
	}
	if _, err := parseDuration("approval.sweep_interval", c.Approval.SweepInterval); err != nil {
		return err
	}
	if !riskLevels[c.Approval.Threshold] {
		return fmt.Errorf("config.approval.threshold must be one of low, medium, high, critical")
	}
	if c.Rules.MinBufferMinutes < 0 {
		return fmt.Errorf("config.rules.min_buffer_minutes must be >= 0")
	}
	if c.Rules.MaxDailyMinutes <= 0 {
		return fmt.Errorf("config.rules.max_daily_minutes must be > 0")
	}
	for field, v := range map[string]string{"late_end": c.Rules.LateEnd, "early_start": c.Rules.EarlyStart} {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("config.rules.%s must be HH:MM", field)
		}
	}
	if c.Optimize.DefaultLimit <= 0 {
		return fmt.Errorf("config.optimize.default_limit must be > 0")
	}
	if c.TaskBus.RedisURL != "" && c.TaskBus.Stream == "" {
		return fmt.Errorf("config.taskbus.stream is required when redis_url is set")
	}
	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config.%s: invalid duration %q", field, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config.%s must be positive", field)
	}
	return d, nil
}

// ApprovalTTL returns the pending window for new approvals.
func (c *Config) ApprovalTTL() time.Duration {
	d, err := time.ParseDuration(c.Approval.TTL)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Approval.SweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func (c *Config) IsProduction() bool { return c.Service.Env == "production" }

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tripgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing keys keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  env: development
  log_level: info
  node_id: 1

approval:
  # pending approvals expire after this window
  ttl: 30m
  # actions at or above this risk need a human decision
  threshold: high
  sweep_interval: 1m

rules:
  min_buffer_minutes: 15
  max_daily_minutes: 600
  late_end: "23:00"
  early_start: "06:00"

optimize:
  default_limit: 5

taskbus:
  redis_url: ""
  stream: tripgate:tasks
`
