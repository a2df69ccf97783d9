// Package config loads nervecenter.yml: a typed struct, a Validate
// method, Load/LoadOptional/FromYAML/FromFile helpers and a default
// template, the same shape the teacher's workline.yml loader uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models nervecenter.yml.
type Config struct {
	Project struct {
		Name  string `yaml:"name"`
		Owner string `yaml:"owner"`
	} `yaml:"project"`

	Store struct {
		// Mode is "local" or "hosted". Hybrid store selection is decided
		// once here, at construction time; the facade never branches on it.
		Mode           string `yaml:"mode"`
		StateFile      string `yaml:"state_file"`
		HistoryDir     string `yaml:"history_dir"`
		InstructionsDir string `yaml:"instructions_dir"`
		DSN            string `yaml:"dsn"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"store"`

	Locks struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"locks"`

	Auth struct {
		SessionSecret string `yaml:"session_secret"`
	} `yaml:"auth"`

	HTTP struct {
		RetryAttempts int   `yaml:"retry_attempts"`
		BackoffMillis []int `yaml:"backoff_millis"`
	} `yaml:"http"`
}

// LockTTL returns the configured TTL, defaulting to 30 minutes per
// SPEC_FULL.md §5.2.
func (c *Config) LockTTL() time.Duration {
	if c.Locks.TTLSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Locks.TTLSeconds) * time.Second
}

// StoreTimeout returns the per-call Store timeout, defaulting to 15s.
func (c *Config) StoreTimeout() time.Duration {
	if c.Store.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config.project.name is required")
	}
	switch c.Store.Mode {
	case "local", "hosted":
	case "":
		return fmt.Errorf("config.store.mode is required (local or hosted)")
	default:
		return fmt.Errorf("config.store.mode must be 'local' or 'hosted', got %q", c.Store.Mode)
	}
	if c.Store.Mode == "hosted" && c.Store.DSN == "" {
		return fmt.Errorf("config.store.dsn is required in hosted mode")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "nervecenter.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ncctl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil, nil if the config file does not exist.
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

// Default returns the default local-mode Config for a project name.
func Default(projectName string) *Config {
	var cfg Config
	cfg.Project.Name = projectName
	cfg.Project.Owner = "local"
	cfg.Store.Mode = "local"
	cfg.Store.StateFile = "./history/nerve-center-state.json"
	cfg.Store.HistoryDir = "./history"
	cfg.Store.InstructionsDir = "./.axis/instructions"
	cfg.HTTP.RetryAttempts = 3
	cfg.HTTP.BackoffMillis = []int{1000, 2000, 4000}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
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

// GenerateDefault returns default config YAML for a new project.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
}

const defaultTemplate = `project:
  name: %s
  owner: local

store:
  mode: local
  state_file: ./history/nerve-center-state.json
  history_dir: ./history
  instructions_dir: ./.axis/instructions
  timeout_seconds: 15

locks:
  ttl_seconds: 1800

auth:
  session_secret: ""

http:
  retry_attempts: 3
  backoff_millis: [1000, 2000, 4000]
`
