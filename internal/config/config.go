package config

import (
	"time"

	"github.com/multiagents/conclave/internal/runner"
)

// Config is the root configuration for the conclave gateway process: the
// HTTP/WS bind address, the session runner's timing knobs, and a default
// agent roster sessions can fall back on when a client's create_session
// doesn't specify one.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Runner  RunnerConfig  `json:"runner"`
	Agents  []AgentConfig `json:"agents"`
	Secrets SecretsConfig `json:"secrets"`
}

// GatewayConfig holds the gateway server's bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RunnerConfig mirrors runner.Config's timing knobs in a JSONC-friendly
// shape (durations as strings, e.g. "90s").
type RunnerConfig struct {
	IdleTimeout       Duration `json:"idle_timeout,omitempty"`
	SendTimeout       Duration `json:"send_timeout,omitempty"`
	ParseTimeout      Duration `json:"parse_timeout,omitempty"`
	HardTimeout       Duration `json:"hard_timeout,omitempty"` // 0 = off
	WarmupTTL         Duration `json:"warmup_ttl,omitempty"`
	AckTTL            Duration `json:"ack_ttl,omitempty"`
	Persistent        bool     `json:"persistent"`
	BypassPermissions bool     `json:"bypass_permissions"`
	ScriptsDir        string   `json:"scripts_dir,omitempty"`
	ServiceURL        string   `json:"service_url,omitempty"`
}

// ToRunnerConfig converts the JSONC-facing shape into runner.Config. Zero
// durations are left at zero so runner.Config.withDefaults fills them in.
func (c RunnerConfig) ToRunnerConfig() runner.Config {
	return runner.Config{
		IdleTimeout:       c.IdleTimeout.Duration(),
		SendTimeout:       c.SendTimeout.Duration(),
		ParseTimeout:      c.ParseTimeout.Duration(),
		HardTimeout:       c.HardTimeout.Duration(),
		WarmupTTL:         c.WarmupTTL.Duration(),
		AckTTL:            c.AckTTL.Duration(),
		Persistent:        c.Persistent,
		BypassPermissions: c.BypassPermissions,
		ScriptsDir:        c.ScriptsDir,
		ServiceURL:        c.ServiceURL,
	}
}

// AgentConfig describes one participant in the default roster, in the same
// shape the gateway's add_agent WS message and create_session's
// config.agents field use.
type AgentConfig struct {
	Name      string `json:"name"`
	AgentType string `json:"agent_type"`
	Role      string `json:"role,omitempty"`
	Model     string `json:"model,omitempty"`
}

// SecretsConfig controls whether session config fields that look like
// credentials get age-encrypted before being persisted.
type SecretsConfig struct {
	Enabled bool   `json:"enabled"`
	KeyPath string `json:"key_path,omitempty"`
}

// Duration wraps time.Duration for JSONC unmarshaling as a Go duration
// string ("90s", "5m") rather than a raw integer of nanoseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
