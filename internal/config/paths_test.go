package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConclavePath_Default(t *testing.T) {
	t.Setenv("CONCLAVE_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := ConclavePath()
	want := filepath.Join(home, ".conclave")
	if got != want {
		t.Errorf("ConclavePath() = %q, want %q", got, want)
	}
}

func TestConclavePath_EnvOverride(t *testing.T) {
	t.Setenv("CONCLAVE_PATH", "/tmp/custom-conclave")

	got := ConclavePath()
	want := "/tmp/custom-conclave"
	if got != want {
		t.Errorf("ConclavePath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CONCLAVE_PATH", "/tmp/test-conclave")

	got := ConfigPath()
	want := "/tmp/test-conclave/config.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("CONCLAVE_PATH", "/tmp/test-conclave")

	got := DotenvPath()
	want := "/tmp/test-conclave/.env"
	if got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}

func TestDBPath(t *testing.T) {
	t.Setenv("CONCLAVE_PATH", "/tmp/test-conclave")

	got := DBPath()
	want := "/tmp/test-conclave/conclave.db"
	if got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
}
