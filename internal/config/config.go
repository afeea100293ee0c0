package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models glow.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Kinds     map[string]KindConfig `yaml:"kinds"`
	Webhooks  []WebhookConfig       `yaml:"webhooks"`
	AppTokens struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"app_tokens"`
}

type SchedulerConfig struct {
	Workers             int `yaml:"workers"`
	QueueSize           int `yaml:"queue_size"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	TransitionRetries   int `yaml:"transition_retries"`
	TransitionBackoffMS int `yaml:"transition_backoff_ms"`
}

type KindConfig struct {
	Description    string `yaml:"description"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace, falling back to
// defaults if glow.yml does not exist.
func Load(workspace string) (*Config, error) {
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("config.scheduler.workers must be positive")
	}
	if c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("config.scheduler.queue_size must not be negative")
	}
	if c.Scheduler.TransitionRetries < 0 {
		return fmt.Errorf("config.scheduler.transition_retries must not be negative")
	}
	for name, kind := range c.Kinds {
		if name == "" {
			return fmt.Errorf("config.kinds contains empty kind name")
		}
		if kind.TimeoutSeconds < 0 {
			return fmt.Errorf("kind %s has negative timeout", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
	}
	if c.AppTokens.TTLSeconds < 0 {
		return fmt.Errorf("config.app_tokens.ttl_seconds must not be negative")
	}
	return nil
}

// PollInterval returns the scheduler poll interval with its default.
func (c *Config) PollInterval() time.Duration {
	if c.Scheduler.PollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Scheduler.PollIntervalMS) * time.Millisecond
}

// TransitionBackoff returns the base backoff for retried transitions.
func (c *Config) TransitionBackoff() time.Duration {
	if c.Scheduler.TransitionBackoffMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Scheduler.TransitionBackoffMS) * time.Millisecond
}

// AppTokenTTL returns the delegated app token lifetime with its default.
func (c *Config) AppTokenTTL() time.Duration {
	if c.AppTokens.TTLSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.AppTokens.TTLSeconds) * time.Second
}

// KindTimeout returns the execution timeout for a job kind; zero means none.
func (c *Config) KindTimeout(kind string) time.Duration {
	k, ok := c.Kinds[kind]
	if !ok || k.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(k.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "glow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

scheduler:
  workers: 4
  queue_size: 64
  poll_interval_ms: 1000
  transition_retries: 5
  transition_backoff_ms: 100

app_tokens:
  ttl_seconds: 900

kinds:
  reduce:
    description: "Stack and reduce a set of images"
    timeout_seconds: 600
  export:
    description: "Export job results to an archive"
    timeout_seconds: 300
`
