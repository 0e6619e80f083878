package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("TEST_API_KEY", "test-key-value")

	path := writeConfig(t, `
storage:
  backend: sqlite
  dir: /tmp/warden-test
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: ${TEST_API_KEY}
      default_model: claude-sonnet-4-20250514
policy:
  fs_read:
    - /workspace
  net_http:
    - api.example.com
  allow_exec: true
  exec:
    - git
servers:
  - name: files
    command: mcp-files
    args: ["--root", "/workspace"]
router:
  timeout: 30s
  output_limit: 65536
  bindings:
    fetch_url:
      kind: net_http
      target_field: url
agent:
  model: claude-sonnet-4-20250514
  max_tool_rounds: 5
logging:
  level: debug
  format: text
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LLM.Providers["anthropic"].APIKey != "test-key-value" {
		t.Errorf("env expansion failed: %q", cfg.LLM.Providers["anthropic"].APIKey)
	}
	if cfg.Router.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Router.Timeout)
	}
	if cfg.Router.OutputLimit != 65536 {
		t.Errorf("output limit = %d", cfg.Router.OutputLimit)
	}
	if b, ok := cfg.Router.Bindings["fetch_url"]; !ok || string(b.Kind) != "net_http" || b.TargetField != "url" {
		t.Errorf("binding = %+v", cfg.Router.Bindings)
	}
	if len(cfg.Policy.FsReadRoots) != 1 || cfg.Policy.FsReadRoots[0] != "/workspace" {
		t.Errorf("fs_read = %v", cfg.Policy.FsReadRoots)
	}
	if !cfg.Policy.AllowExec || len(cfg.Policy.ExecCommands) != 1 {
		t.Errorf("exec policy = %+v", cfg.Policy)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "files" {
		t.Errorf("servers = %+v", cfg.Servers)
	}
	if cfg.Agent.MaxToolRounds != 5 {
		t.Errorf("max tool rounds = %d", cfg.Agent.MaxToolRounds)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default provider = %q", cfg.LLM.DefaultProvider)
	}
	if cfg.Router.Timeout != 15*time.Second {
		t.Errorf("timeout = %v", cfg.Router.Timeout)
	}
	if cfg.Router.OutputLimit != 256<<10 {
		t.Errorf("output limit = %d", cfg.Router.OutputLimit)
	}
	if cfg.Agent.MaxToolRounds != 10 {
		t.Errorf("max tool rounds = %d", cfg.Agent.MaxToolRounds)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  backend: postgres\n"))
	if err == nil || !strings.Contains(err.Error(), "storage backend") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsUnconfiguredDefaultProvider(t *testing.T) {
	_, err := Load(writeConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic:
      api_key: key
`))
	if err == nil || !strings.Contains(err.Error(), "default provider") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsDuplicateServers(t *testing.T) {
	_, err := Load(writeConfig(t, `
servers:
  - name: files
    command: mcp-files
  - name: files
    command: mcp-other
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate server") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsInvalidServer(t *testing.T) {
	_, err := Load(writeConfig(t, `
servers:
  - name: files
    command: ../escape
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStoragePaths(t *testing.T) {
	s := StorageConfig{Dir: "/var/lib/warden"}
	if s.EventsPath() != "/var/lib/warden/events.db" {
		t.Errorf("events path = %q", s.EventsPath())
	}
	if s.SessionsPath() != "/var/lib/warden/sessions.db" {
		t.Errorf("sessions path = %q", s.SessionsPath())
	}
}
