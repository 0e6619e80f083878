// Package config loads the runtime configuration from YAML, with
// environment variable expansion and defaults for everything optional.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/router"
)

// Config is the top-level configuration.
type Config struct {
	Storage StorageConfig      `yaml:"storage"`
	LLM     LLMConfig          `yaml:"llm"`
	Policy  policy.Rules       `yaml:"policy"`
	Servers []mcp.ServerConfig `yaml:"servers"`
	Router  RouterConfig       `yaml:"router"`
	Agent   AgentConfig        `yaml:"agent"`
	Logging LoggingConfig      `yaml:"logging"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

// StorageConfig selects where events and sessions persist.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Dir holds the sqlite database files.
	Dir string `yaml:"dir"`
}

// EventsPath returns the event log database path.
func (s StorageConfig) EventsPath() string {
	return filepath.Join(s.Dir, "events.db")
}

// SessionsPath returns the session store database path.
func (s StorageConfig) SessionsPath() string {
	return filepath.Join(s.Dir, "sessions.db")
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxRetries   int    `yaml:"max_retries"`
}

// RouterConfig carries tool call limits and capability bindings for
// tools whose schemas do not declare their own.
type RouterConfig struct {
	Timeout     time.Duration             `yaml:"timeout"`
	OutputLimit int                       `yaml:"output_limit"`
	Bindings    map[string]router.Binding `yaml:"bindings"`
}

type AgentConfig struct {
	Model            string `yaml:"model"`
	System           string `yaml:"system"`
	MaxToolRounds    int    `yaml:"max_tool_rounds"`
	MaxTokens        int    `yaml:"max_tokens"`
	HistoryLimit     int    `yaml:"history_limit"`
	ContextBudget    int    `yaml:"context_budget"`
	HardFailOnDenial bool   `yaml:"hard_fail_on_denial"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file. Environment variables
// in the form ${VAR} or $VAR are expanded before parsing, so API keys
// can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable configuration when no file is given:
// in-memory stores and an empty tool set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = defaultStateDir()
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Router.Timeout == 0 {
		cfg.Router.Timeout = router.DefaultTimeout
	}
	if cfg.Router.OutputLimit == 0 {
		cfg.Router.OutputLimit = router.DefaultOutputLimit
	}
	if cfg.Agent.MaxToolRounds == 0 {
		cfg.Agent.MaxToolRounds = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
}

// Validate checks the parts that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("default provider %q is not configured", c.LLM.DefaultProvider)
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		server := &c.Servers[i]
		if err := server.Validate(); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate server name %q", server.Name)
		}
		seen[server.Name] = true
	}
	return nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}
