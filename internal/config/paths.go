package config

import (
	"os"
	"path/filepath"
)

// ConclavePath returns the root directory for conclave's data.
// It uses $CONCLAVE_PATH if set, otherwise defaults to ~/.conclave.
func ConclavePath() string {
	if v := os.Getenv("CONCLAVE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".conclave")
	}
	return filepath.Join(home, ".conclave")
}

// ConfigPath returns the path to the conclave config file.
func ConfigPath() string {
	return filepath.Join(ConclavePath(), "config.jsonc")
}

// DotenvPath returns the path to the conclave .env file.
func DotenvPath() string {
	return filepath.Join(ConclavePath(), ".env")
}

// DBPath returns the path to the default SQLite store.
func DBPath() string {
	return filepath.Join(ConclavePath(), "conclave.db")
}
