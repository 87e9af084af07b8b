package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models schemaflow.yml.
type Config struct {
	LLM struct {
		BaseURL           string  `yaml:"base_url"`
		Model             string  `yaml:"model"`
		APIKeyEnv         string  `yaml:"api_key_env"`
		Temperature       float64 `yaml:"temperature"`
		MaxTokens         int     `yaml:"max_tokens"`
		MaxAttempts       int     `yaml:"max_attempts"`
		RetryDelaySeconds float64 `yaml:"retry_delay_seconds"`
	} `yaml:"llm"`
	Git struct {
		Repository string `yaml:"repository"`
		BaseBranch string `yaml:"base_branch"`
		TokenEnv   string `yaml:"token_env"`
		Simulate   bool   `yaml:"simulate"`
	} `yaml:"git"`
	DefaultLanguage string `yaml:"default_language"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("config.llm.max_attempts must be at least 1")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("config.llm.temperature must be within [0,1]")
	}
	if c.Git.BaseBranch == "" {
		return fmt.Errorf("config.git.base_branch is required")
	}
	if !c.Git.Simulate && c.Git.Repository == "" {
		return fmt.Errorf("config.git.repository is required unless git.simulate is true")
	}
	if c.DefaultLanguage == "" {
		return fmt.Errorf("config.default_language is required")
	}
	return nil
}

// APIKey resolves the LLM API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// GitToken resolves the version-control token from the configured
// environment variable. Empty means push runs in simulate mode.
func (c *Config) GitToken() string {
	return os.Getenv(c.Git.TokenEnv)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "schemaflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `llm:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  api_key_env: SCHEMAFLOW_LLM_API_KEY
  temperature: 0.1
  max_tokens: 2048
  max_attempts: 3
  retry_delay_seconds: 2

git:
  repository: ""
  base_branch: main
  token_env: SCHEMAFLOW_GITHUB_TOKEN
  simulate: true

default_language: python
`
