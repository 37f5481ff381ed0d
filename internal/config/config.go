// Package config loads the runtime configuration from a YAML file with
// environment variable expansion, then applies environment overrides for
// credentials and the most common knobs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maestrolabs/maestro/internal/delegation"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Storage    StorageConfig             `yaml:"storage"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Defaults   DefaultsConfig            `yaml:"defaults"`
	Agents     []models.Agent            `yaml:"agents"`
	Skills     SkillsConfig              `yaml:"skills"`
	Delegation DelegationConfig          `yaml:"delegation"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// StorageConfig selects and parameterizes the session store backend.
type StorageConfig struct {
	// Backend is one of "file", "memory", "sqlite".
	Backend string `yaml:"backend"`

	// Path is the storage root for the file backend or the database file
	// for sqlite.
	Path string `yaml:"path"`
}

// ProviderConfig configures one LLM provider entry.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`

	// Model overrides the model for every run through this provider.
	Model string `yaml:"model"`
}

// DefaultsConfig names the provider and model used when a caller specifies
// neither.
type DefaultsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// SkillsConfig points at the skill library.
type SkillsConfig struct {
	Dir string `yaml:"dir"`

	// MaxPromptChars caps the composed system prompt. Zero means no cap.
	MaxPromptChars int `yaml:"max_prompt_chars"`
}

// DelegationConfig carries the default delegation mode and budget.
type DelegationConfig struct {
	Mode   string            `yaml:"mode"`
	Budget delegation.Budget `yaml:"budget"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expands environment
// variables in its text, applies defaults, and finally applies environment
// overrides.
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
	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given: defaults
// plus environment overrides.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath()
	}
	if cfg.Defaults.Provider == "" {
		cfg.Defaults.Provider = "anthropic"
	}
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Delegation.Mode == "" {
		cfg.Delegation.Mode = string(delegation.ModeBFS)
	}
	if cfg.Delegation.Budget == (delegation.Budget{}) {
		cfg.Delegation.Budget = delegation.DefaultBudget()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
}

// applyEnv layers environment overrides on top of the file: per-provider API
// keys as <PROVIDER>_API_KEY, plus storage path and defaults.
func applyEnv(cfg *Config) {
	for _, name := range []string{"anthropic", "openai"} {
		key := os.Getenv(strings.ToUpper(name) + "_API_KEY")
		if key == "" {
			continue
		}
		entry := cfg.Providers[name]
		entry.APIKey = key
		cfg.Providers[name] = entry
	}
	if v := os.Getenv("MAESTRO_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MAESTRO_DEFAULT_PROVIDER"); v != "" {
		cfg.Defaults.Provider = v
	}
	if v := os.Getenv("MAESTRO_DEFAULT_MODEL"); v != "" {
		cfg.Defaults.Model = v
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return home + "/.maestro"
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if err := c.Delegation.Budget.Validate(); err != nil {
		return err
	}
	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
	}
	return nil
}
