// Package config loads importd configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/gate"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/importer"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/ratelimit"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TierConfig is one rate limit tier in the config file.
type TierConfig struct {
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// Config is the full importd configuration.
type Config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	API struct {
		BaseURL           string   `yaml:"base_url"`
		UserAgent         string   `yaml:"user_agent"`
		Timeout           Duration `yaml:"timeout"`
		Max429Retries     int      `yaml:"max_429_retries"`
		DefaultRetryAfter Duration `yaml:"default_retry_after"`
	} `yaml:"api"`

	Import struct {
		Workers      int          `yaml:"workers"`
		Tiers        []TierConfig `yaml:"tiers"`
		Backoff      []Duration   `yaml:"backoff"`
		GraceWindow  Duration     `yaml:"grace_window"`
		PollInterval Duration     `yaml:"poll_interval"`
	} `yaml:"import"`

	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.API.UserAgent = "rate-limited-imports/1.0"
	cfg.API.Timeout = Duration(30 * time.Second)
	cfg.API.Max429Retries = 3
	cfg.API.DefaultRetryAfter = Duration(60 * time.Second)
	cfg.Import.Workers = 5
	cfg.Import.Tiers = []TierConfig{{MaxRequests: 10, Window: Duration(10 * time.Second)}}
	cfg.Import.GraceWindow = Duration(importer.DefaultGraceWindow)
	cfg.Import.PollInterval = Duration(importer.DefaultPollInterval)
	cfg.Server.ListenAddr = ":8080"
	cfg.Logging.Level = "info"
	return cfg
}

// Load loads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	loadFromEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func loadFromEnvironment(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("USER_AGENT"); v != "" {
		cfg.API.UserAgent = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IMPORT_WORKERS"); v != "" {
		if workers, err := strconv.Atoi(v); err == nil {
			cfg.Import.Workers = workers
		}
	}
}

// Validate checks the configuration for operator mistakes.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.UserAgent == "" {
		return fmt.Errorf("api.user_agent is required")
	}
	return c.ImporterConfig().Validate()
}

// ImporterConfig converts the file representation into the importer's
// runtime configuration.
func (c *Config) ImporterConfig() importer.Config {
	tiers := make([]ratelimit.TierPolicy, 0, len(c.Import.Tiers))
	for _, tier := range c.Import.Tiers {
		tiers = append(tiers, ratelimit.TierPolicy{
			MaxRequests: tier.MaxRequests,
			Window:      tier.Window.Std(),
		})
	}

	backoff := make([]time.Duration, 0, len(c.Import.Backoff))
	for _, b := range c.Import.Backoff {
		backoff = append(backoff, b.Std())
	}
	if len(backoff) == 0 {
		backoff = importer.DefaultBackoff
	}

	gateCfg := gate.Config{
		UserAgent:         c.API.UserAgent,
		Timeout:           c.API.Timeout.Std(),
		Max429Retries:     c.API.Max429Retries,
		DefaultRetryAfter: c.API.DefaultRetryAfter.Std(),
	}

	return importer.Config{
		Workers:      c.Import.Workers,
		Tiers:        tiers,
		Gate:         gateCfg,
		Backoff:      backoff,
		GraceWindow:  c.Import.GraceWindow.Std(),
		PollInterval: c.Import.PollInterval.Std(),
	}
}
