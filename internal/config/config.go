package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storyline/internal/domain"
)

// FileName is the optional per-project config file at the project root.
const FileName = "storyline.yml"

// Config models storyline.yml.
type Config struct {
	StatusFile string `yaml:"status_file,omitempty" json:"status_file,omitempty"`
	StateDir   string `yaml:"state_dir" json:"state_dir"`
	Dispatch   struct {
		PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"`
		Timeout        time.Duration `yaml:"timeout" json:"timeout"`
		TerminateGrace time.Duration `yaml:"terminate_grace" json:"terminate_grace"`
		DryRun         bool          `yaml:"dry_run" json:"dry_run"`
	} `yaml:"dispatch" json:"dispatch"`
	Lifecycle struct {
		RetryLimit        int    `yaml:"retry_limit" json:"retry_limit"`
		MaxPhases         int    `yaml:"max_phases" json:"max_phases"`
		ContinueOnFailure bool   `yaml:"continue_on_failure" json:"continue_on_failure"`
		GroupOrder        string `yaml:"group_order" json:"group_order"`
		GroupConcurrency  int    `yaml:"group_concurrency" json:"group_concurrency"`
	} `yaml:"lifecycle" json:"lifecycle"`
	Registry struct {
		StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	} `yaml:"registry" json:"registry"`
	Worker struct {
		Command       []string          `yaml:"command" json:"command"`
		Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
		Yolo          bool              `yaml:"yolo" json:"yolo"`
		ResumeDevelop bool              `yaml:"resume_develop" json:"resume_develop"`
	} `yaml:"worker" json:"worker"`
	Workflows map[domain.Phase]string `yaml:"workflows" json:"workflows"`
	Webhooks  []WebhookConfig         `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

const (
	GroupOrderPerGroup = "per-group"
	GroupOrderGlobal   = "global"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("config.state_dir is required")
	}
	if c.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("config.dispatch.poll_interval must be positive")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config.dispatch.timeout must be positive")
	}
	if c.Dispatch.TerminateGrace < 0 {
		return fmt.Errorf("config.dispatch.terminate_grace cannot be negative")
	}
	if c.Lifecycle.RetryLimit < 1 {
		return fmt.Errorf("config.lifecycle.retry_limit must be at least 1")
	}
	if c.Lifecycle.MaxPhases < 1 {
		return fmt.Errorf("config.lifecycle.max_phases must be at least 1")
	}
	switch c.Lifecycle.GroupOrder {
	case GroupOrderPerGroup, GroupOrderGlobal:
	default:
		return fmt.Errorf("config.lifecycle.group_order must be %q or %q", GroupOrderPerGroup, GroupOrderGlobal)
	}
	if c.Lifecycle.GroupConcurrency < 1 {
		return fmt.Errorf("config.lifecycle.group_concurrency must be at least 1")
	}
	if c.Registry.StaleAfter <= 0 {
		return fmt.Errorf("config.registry.stale_after must be positive")
	}
	if c.Registry.HeartbeatInterval <= 0 || c.Registry.HeartbeatInterval >= c.Registry.StaleAfter {
		return fmt.Errorf("config.registry.heartbeat_interval must be positive and shorter than stale_after")
	}
	if len(c.Worker.Command) == 0 || strings.TrimSpace(c.Worker.Command[0]) == "" {
		return fmt.Errorf("config.worker.command is required")
	}
	for _, phase := range domain.AllPhases() {
		if strings.TrimSpace(c.Workflows[phase]) == "" {
			return fmt.Errorf("config.workflows.%s is required", phase)
		}
	}
	for phase := range c.Workflows {
		if !phase.Valid() {
			return fmt.Errorf("config.workflows has unknown phase %q", phase)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds cannot be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a project root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, FileName)
}

// StatePath resolves the coordination directory against the project root.
func (c *Config) StatePath(root string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(root, c.StateDir)
}

// Load reads the project config, falling back to defaults when the file is
// absent.
func Load(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their defaults.
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `state_dir: .storyline

dispatch:
  poll_interval: 5s
  timeout: 30m
  terminate_grace: 10s
  dry_run: false

lifecycle:
  retry_limit: 3
  max_phases: 10
  continue_on_failure: true
  group_order: per-group
  group_concurrency: 1

registry:
  stale_after: 2m
  heartbeat_interval: 30s

worker:
  command:
    - claude
    - "{{if .ResumeSessionID}}--resume{{else}}--session-id{{end}}"
    - "{{or .ResumeSessionID .SessionID}}"
    - "{{.Prompt}}"
  yolo: true
  resume_develop: false

workflows:
  create: bmad:bmm:workflows:create-story
  develop: bmad:bmm:workflows:dev-story
  review: bmad:bmm:workflows:code-review
`
