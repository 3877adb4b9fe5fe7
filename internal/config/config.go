package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// IdleThreshold is how long a session may stay silent before eviction.
func (c SessionsConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// SweepInterval is the period of the idle sweep.
func (c SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMinutes) * time.Minute
}

// FallbackGrace is the delay between a fallback transfer and the ended state.
func (c SessionsConfig) FallbackGrace() time.Duration {
	return time.Duration(c.FallbackGraceMs) * time.Millisecond
}

// CommitInterval is the timer-based commit window.
func (c AudioConfig) CommitInterval() time.Duration {
	return time.Duration(c.CommitIntervalMs) * time.Millisecond
}

// Timeout is the per-request backend timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
