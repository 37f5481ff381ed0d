package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maestrolabs/maestro/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: sqlite
  path: /tmp/maestro.db
providers:
  anthropic:
    api_key: file-key
defaults:
  provider: anthropic
  model: claude-sonnet-4-20250514
agents:
  - name: coder
    prompt: write code
    permission:
      - pattern: "*"
        action: allow
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "/tmp/maestro.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Providers["anthropic"].APIKey != "file-key" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "coder" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if len(cfg.Agents[0].Permissions) != 1 {
		t.Errorf("permissions = %+v", cfg.Agents[0].Permissions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Defaults.Provider != "anthropic" || cfg.Defaults.Model == "" {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if err := cfg.Delegation.Budget.Validate(); err != nil {
		t.Errorf("default budget invalid: %v", err)
	}
}

func TestLoad_EnvExpansionAndOverrides(t *testing.T) {
	t.Setenv("TEST_MAESTRO_KEY", "expanded-key")
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("MAESTRO_DEFAULT_MODEL", "gpt-4o")

	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${TEST_MAESTRO_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["anthropic"].APIKey != "expanded-key" {
		t.Errorf("expansion: %+v", cfg.Providers["anthropic"])
	}
	if cfg.Providers["openai"].APIKey != "env-key" {
		t.Errorf("env override: %+v", cfg.Providers["openai"])
	}
	if cfg.Defaults.Model != "gpt-4o" {
		t.Errorf("model override: %q", cfg.Defaults.Model)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend must be rejected")
	}

	cfg = Default()
	cfg.Delegation.Budget.MaxDepth = 0
	if err := cfg.Validate(); err == nil {
		t.Error("invalid budget must be rejected")
	}

	cfg = Default()
	cfg.Agents = append(cfg.Agents, models.Agent{Prompt: "nameless"})
	if err := cfg.Validate(); err == nil {
		t.Error("agent without a name must be rejected")
	}
}
