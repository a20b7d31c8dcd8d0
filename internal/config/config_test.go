package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
[agent]
default_model = "claude-sonnet-4-20250514"
context_window = 200000

[providers.anthropic]
api_key = "sk-ant-test"
model = "claude-sonnet-4-20250514"

[heartbeat]
enabled = true
interval = "5m"

[sandbox]
enabled = true

[sandbox.network]
policy = "deny"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.DefaultModel != "claude-sonnet-4-20250514" {
		t.Fatalf("default_model = %q", cfg.Agent.DefaultModel)
	}
	if got := cfg.Providers["anthropic"].APIKey; got != "sk-ant-test" {
		t.Fatalf("providers.anthropic.api_key = %q", got)
	}
	if !cfg.Heartbeat.Enabled {
		t.Fatal("expected heartbeat.enabled = true")
	}
	if got, want := cfg.Heartbeat.IntervalDuration().String(), "5m0s"; got != want {
		t.Fatalf("heartbeat interval = %s, want %s", got, want)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_AGENTCORE_API_KEY", "sk-from-env")
	path := writeConfig(t, `
[providers.anthropic]
api_key = "${TEST_AGENTCORE_API_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Providers["anthropic"].APIKey; got != "sk-from-env" {
		t.Fatalf("api_key = %q, want expanded env value", got)
	}
}

func TestLoadRejectsMissingProviderCredential(t *testing.T) {
	path := writeConfig(t, `
[providers.anthropic]
model = "claude-sonnet-4-20250514"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for provider with no api_key or oauth")
	}
}

func TestLoadRejectsInvalidBaseURL(t *testing.T) {
	path := writeConfig(t, `
[providers.ollama]
api_key = "unused"
base_url = "not-a-url"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid base_url")
	}
}

func TestLoadRejectsInvalidSandboxNetworkPolicy(t *testing.T) {
	path := writeConfig(t, `
[sandbox.network]
policy = "allow"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid sandbox.network.policy")
	}
}

func TestLoadRejectsProxyPolicyWithoutURL(t *testing.T) {
	path := writeConfig(t, `
[sandbox.network]
policy = "proxy"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for proxy policy missing proxy_url")
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOAuthSatisfiesProviderCredentialRequirement(t *testing.T) {
	path := writeConfig(t, `
[providers.anthropic]
model = "claude-sonnet-4-20250514"

[providers.anthropic.oauth]
client_id = "id"
client_secret = "secret"
refresh_token = "token"
token_url = "https://example.com/oauth/token"
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestDefaultConfigPathUnderStateDir(t *testing.T) {
	state := DefaultStateDir()
	path := DefaultConfigPath()
	if filepath.Dir(path) != state {
		t.Fatalf("DefaultConfigPath() = %q, want under %q", path, state)
	}
}
