package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models aegis.yml.
type Config struct {
	Workflow struct {
		ApprovalTimeout           Duration `yaml:"approval_timeout"`
		AutonomousApprovalTimeout Duration `yaml:"autonomous_approval_timeout"`
		DirectiveWait             Duration `yaml:"directive_wait"`
		ResolutionWait            Duration `yaml:"resolution_wait"`
		MaxCycles                 int      `yaml:"max_cycles"`
	} `yaml:"workflow"`
	Dispatch struct {
		MaxParallel int      `yaml:"max_parallel"`
		MaxTasks    int      `yaml:"max_tasks"`
		TaskTimeout Duration `yaml:"task_timeout"`
	} `yaml:"dispatch"`
	Completion struct {
		Backend          string   `yaml:"backend"`
		Endpoint         string   `yaml:"endpoint"`
		Model            string   `yaml:"model"`
		APIKeyEnv        string   `yaml:"api_key_env"`
		Timeout          Duration `yaml:"timeout"`
		MaxTokens        int      `yaml:"max_tokens"`
		Temperature      float64  `yaml:"temperature"`
		UnreachableAfter int      `yaml:"unreachable_after"`
	} `yaml:"completion"`
	Memory struct {
		Capacity   int    `yaml:"capacity"`
		SampleSize int    `yaml:"sample_size"`
		Strategy   string `yaml:"strategy"`
	} `yaml:"memory"`
	Intake struct {
		QueueCapacity int `yaml:"queue_capacity"`
	} `yaml:"intake"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing enabled flag as true.
func (w Webhook) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with aegis config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	durations := map[string]Duration{
		"workflow.approval_timeout":            c.Workflow.ApprovalTimeout,
		"workflow.autonomous_approval_timeout": c.Workflow.AutonomousApprovalTimeout,
		"workflow.directive_wait":              c.Workflow.DirectiveWait,
		"workflow.resolution_wait":             c.Workflow.ResolutionWait,
		"dispatch.task_timeout":                c.Dispatch.TaskTimeout,
		"completion.timeout":                   c.Completion.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	if c.Workflow.MaxCycles < 0 {
		return fmt.Errorf("config.workflow.max_cycles must not be negative")
	}
	if c.Dispatch.MaxParallel < 1 || c.Dispatch.MaxParallel > 64 {
		return fmt.Errorf("config.dispatch.max_parallel must be between 1 and 64")
	}
	if c.Dispatch.MaxTasks < 1 {
		return fmt.Errorf("config.dispatch.max_tasks must be positive")
	}
	switch c.Completion.Backend {
	case "offline":
	case "openai":
		if c.Completion.Endpoint == "" {
			return fmt.Errorf("config.completion.endpoint is required for backend openai")
		}
		if c.Completion.Model == "" {
			return fmt.Errorf("config.completion.model is required for backend openai")
		}
	default:
		return fmt.Errorf("config.completion.backend must be 'openai' or 'offline'")
	}
	if c.Completion.UnreachableAfter < 0 {
		return fmt.Errorf("config.completion.unreachable_after must not be negative")
	}
	switch c.Memory.Strategy {
	case "random", "recent", "similar":
	default:
		return fmt.Errorf("config.memory.strategy must be one of random, recent, similar")
	}
	if c.Memory.Capacity < 1 {
		return fmt.Errorf("config.memory.capacity must be positive")
	}
	if c.Memory.SampleSize < 0 {
		return fmt.Errorf("config.memory.sample_size must not be negative")
	}
	if c.Intake.QueueCapacity < 1 {
		return fmt.Errorf("config.intake.queue_capacity must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, ev := range wh.Events {
			if ev == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event name", i)
			}
		}
	}
	return nil
}

// APIKey resolves the completion API key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.Completion.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Completion.APIKeyEnv)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aegis.yml")
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

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

const defaultTemplate = `workflow:
  # how long a gated stage waits for a decision before auto-approving
  approval_timeout: 30s
  # approval wait for dispatch when the directive came from the autonomous path
  autonomous_approval_timeout: 20s
  # how long decide waits for an external directive
  directive_wait: 40s
  # how long check waits for the resolution signal
  resolution_wait: 30s
  # 0 means unlimited
  max_cycles: 0

dispatch:
  max_parallel: 8
  max_tasks: 16
  task_timeout: 60s

completion:
  # openai (any OpenAI-compatible endpoint) or offline
  backend: offline
  endpoint: https://api.deepseek.com/v1
  model: deepseek-chat
  api_key_env: AEGIS_COMPLETION_API_KEY
  timeout: 30s
  max_tokens: 800
  temperature: 0.7
  # fail the run after this many failures with no success; 0 disables
  unreachable_after: 6

memory:
  capacity: 64
  sample_size: 3
  strategy: random

intake:
  queue_capacity: 16

webhooks: []
`
