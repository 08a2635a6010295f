package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999
	},
	"runner": {
		"idle_timeout": "10m",
		"persistent": true
	},
	"agents": [
		{"name": "claude", "agent_type": "claude", "role": "planner"}
	],
	"secrets": {
		"enabled": true,
		"key_path": "${{ .Env.OZZIE_KEY_PATH }}"
	}
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OZZIE_KEY_PATH", "/tmp/age-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Runner.IdleTimeout.Duration().String() != "10m0s" {
		t.Errorf("expected idle_timeout 10m0s, got %s", cfg.Runner.IdleTimeout.Duration())
	}
	if !cfg.Runner.Persistent {
		t.Error("expected persistent true")
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "claude" {
		t.Errorf("unexpected agents: %+v", cfg.Agents)
	}
	if cfg.Secrets.KeyPath != "/tmp/age-key" {
		t.Errorf("expected key_path /tmp/age-key, got %s", cfg.Secrets.KeyPath)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18420 {
		t.Errorf("expected default port 18420, got %d", cfg.Gateway.Port)
	}
	if cfg.Runner.IdleTimeout.Duration() != 0 {
		t.Errorf("expected zero idle_timeout (left to runner.withDefaults), got %s", cfg.Runner.IdleTimeout.Duration())
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(`{not valid`), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected an error for invalid JSONC")
	}
}
