// Package config provides YAML-based configuration loading for Bodega.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default limits applied when the config file leaves them unset.
const (
	DefaultMaxOrderTimeLimit      = 48 * time.Hour
	DefaultExpirationTimeLimit    = 24 * time.Hour
	DefaultWorkerCount            = 8
	DefaultPollInterval           = 2 * time.Second
	DefaultGraceWindow            = 6 * time.Hour
	DefaultMaxConcurrentCreations = 4
)

// Priority strategy flags.
const (
	PriorityFIFOThrottle = "fifo_throttle"
	PriorityTabPrice     = "tab_price"
)

// Duration wraps time.Duration so YAML values like "48h" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "30m" or "48h".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level Bodega configuration, loaded from bodega.yaml.
type Config struct {
	Database         DatabaseConfig `yaml:"database"`
	Workers          WorkerConfig   `yaml:"workers"`
	API              APIConfig      `yaml:"api"`
	PriorityStrategy string         `yaml:"priority_strategy"`

	// MaxOrderTimeLimit caps the total time limit an ordinary user may
	// accumulate on one order. Superusers are exempt.
	MaxOrderTimeLimit Duration `yaml:"max_order_time_limit"`

	// DefaultExpirationTimeLimit is applied to new orders that don't
	// declare their own expiration budget.
	DefaultExpirationTimeLimit Duration `yaml:"default_expiration_time_limit"`

	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	GitHub  GitHubConfig  `yaml:"github"`
	AWS     AWSConfig     `yaml:"aws"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// WorkerConfig controls the task worker pool.
type WorkerConfig struct {
	Count        int      `yaml:"count"`
	PollInterval Duration `yaml:"poll_interval"`

	// GraceWindow is how long a task may sit in a non-terminal state
	// without progress before the reaper marks it FAILURE.
	GraceWindow Duration `yaml:"grace_window"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Port int `yaml:"port"`
}

// SlackConfig controls Slack notification delivery. The bot token comes
// from the BODEGA_SLACK_TOKEN environment variable, never from the file.
type SlackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DiscordConfig controls Discord notification delivery. The bot token
// comes from the BODEGA_DISCORD_TOKEN environment variable.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChannelID string `yaml:"channel_id"`
}

// GitHubConfig locates the Actions workflows that recover legacy testbeds.
// The API token comes from the BODEGA_GITHUB_TOKEN environment variable.
type GitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// AWSConfig controls the EC2 instance item type. Credentials come from the
// standard AWS environment variables or instance profile.
type AWSConfig struct {
	Region                 string `yaml:"region"`
	SubnetID               string `yaml:"subnet_id"`
	MaxConcurrentCreations int    `yaml:"max_concurrent_creations"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SIDSecret reads the process secret used for SID encoding. It is immutable
// after startup and deliberately kept out of the config file.
func SIDSecret() (string, error) {
	secret := os.Getenv("BODEGA_SID_SECRET")
	if secret == "" {
		return "", fmt.Errorf("config: BODEGA_SID_SECRET is not set")
	}
	return secret, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "bodega"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = DefaultWorkerCount
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Workers.GraceWindow == 0 {
		c.Workers.GraceWindow = Duration(DefaultGraceWindow)
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.PriorityStrategy == "" {
		c.PriorityStrategy = PriorityTabPrice
	}
	if c.MaxOrderTimeLimit == 0 {
		c.MaxOrderTimeLimit = Duration(DefaultMaxOrderTimeLimit)
	}
	if c.DefaultExpirationTimeLimit == 0 {
		c.DefaultExpirationTimeLimit = Duration(DefaultExpirationTimeLimit)
	}
	if c.AWS.MaxConcurrentCreations == 0 {
		c.AWS.MaxConcurrentCreations = DefaultMaxConcurrentCreations
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.PriorityStrategy {
	case PriorityFIFOThrottle, PriorityTabPrice:
	default:
		errs = append(errs, fmt.Sprintf(
			"priority_strategy must be %q or %q",
			PriorityFIFOThrottle, PriorityTabPrice))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, "workers.count must be at least 1")
	}
	if c.MaxOrderTimeLimit < 0 {
		errs = append(errs, "max_order_time_limit must not be negative")
	}
	if c.Discord.Enabled && c.Discord.ChannelID == "" {
		errs = append(errs, "discord.channel_id is required when discord is enabled")
	}
	if c.GitHub.Owner != "" && c.GitHub.Repo == "" {
		errs = append(errs, "github.repo is required when github.owner is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
