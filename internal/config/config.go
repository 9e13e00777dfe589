package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mcpmesh/balancer/internal/domain"
)

// Config represents the main configuration structure
type Config struct {
	Balancer  BalancerConfig   `yaml:"balancer"`
	Instances []InstanceConfig `yaml:"instances"`
	Rules     []RuleConfig     `yaml:"rules"`
	Logging   LoggingConfig    `yaml:"logging"`
	Admin     AdminConfig      `yaml:"admin"`
}

// BalancerConfig contains selection-engine specific configuration
type BalancerConfig struct {
	AdaptiveEnabled  bool          `yaml:"adaptive_enabled"`
	AdaptiveInterval time.Duration `yaml:"adaptive_interval"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	MinWeight        int           `yaml:"min_weight"`
	MaxWeight        int           `yaml:"max_weight"`
	Hysteresis       int           `yaml:"hysteresis"`
}

// InstanceConfig declares a seed instance registered at startup
type InstanceConfig struct {
	ID      string `yaml:"id"`
	Service string `yaml:"service"`
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// RuleConfig declares a seed balancing rule registered at startup
type RuleConfig struct {
	ID             string `yaml:"id"`
	Pattern        string `yaml:"pattern"`
	Algorithm      string `yaml:"algorithm"`
	StickySessions bool   `yaml:"sticky_sessions"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Port              int     `yaml:"port"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Balancer: BalancerConfig{
			AdaptiveEnabled:  true,
			AdaptiveInterval: 60 * time.Second,
			StatsInterval:    10 * time.Second,
			SessionTTL:       30 * time.Minute,
			MinWeight:        10,
			MaxWeight:        200,
			Hysteresis:       5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled:           true,
			Port:              9090,
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
	}
}

// LoadConfig reads configuration from the given YAML file, layered over the
// defaults. An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Balancer.AdaptiveInterval <= 0 {
		return fmt.Errorf("balancer.adaptive_interval must be positive")
	}
	if c.Balancer.StatsInterval <= 0 {
		return fmt.Errorf("balancer.stats_interval must be positive")
	}
	if c.Balancer.MinWeight <= 0 || c.Balancer.MaxWeight < c.Balancer.MinWeight {
		return fmt.Errorf("balancer weight bounds invalid: min=%d max=%d",
			c.Balancer.MinWeight, c.Balancer.MaxWeight)
	}

	seen := make(map[string]bool)
	for i, instance := range c.Instances {
		if instance.ID == "" {
			return fmt.Errorf("instances[%d]: id cannot be empty", i)
		}
		if instance.Service == "" {
			return fmt.Errorf("instances[%d]: service cannot be empty", i)
		}
		if seen[instance.ID] {
			return fmt.Errorf("instances[%d]: duplicate id %s", i, instance.ID)
		}
		seen[instance.ID] = true
		if instance.Weight < 0 {
			return fmt.Errorf("instances[%d]: weight cannot be negative", i)
		}
	}

	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rules[%d]: id cannot be empty", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rules[%d]: pattern cannot be empty", i)
		}
		if !domain.Algorithm(rule.Algorithm).Valid() {
			return fmt.Errorf("rules[%d]: unknown algorithm %q", i, rule.Algorithm)
		}
	}

	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin.port must be in (0, 65535]")
		}
		if c.Admin.RequestsPerSecond <= 0 {
			return fmt.Errorf("admin.requests_per_second must be positive")
		}
	}

	return nil
}

// ToDescriptors converts the seed instances into registry descriptors.
// Seed instances start in the running state; discovery takes over from there.
func (c *Config) ToDescriptors() []domain.ServiceDescriptor {
	descriptors := make([]domain.ServiceDescriptor, 0, len(c.Instances))
	for _, instance := range c.Instances {
		descriptors = append(descriptors, domain.ServiceDescriptor{
			ID:      instance.ID,
			Service: instance.Service,
			Address: instance.Address,
			Status:  domain.StatusRunning,
		})
	}
	return descriptors
}

// ToRules converts the seed rules into domain balancing rules.
func (c *Config) ToRules() []domain.BalancingRule {
	rules := make([]domain.BalancingRule, 0, len(c.Rules))
	for _, rule := range c.Rules {
		enabled := true
		if rule.Enabled != nil {
			enabled = *rule.Enabled
		}
		rules = append(rules, domain.BalancingRule{
			ID:             rule.ID,
			Pattern:        rule.Pattern,
			Algorithm:      domain.Algorithm(rule.Algorithm),
			StickySessions: rule.StickySessions,
			Enabled:        enabled,
		})
	}
	return rules
}
