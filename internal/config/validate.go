package config

import (
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

var (
	validBinds       = []string{"loopback", "lan", "custom"}
	validLogLevels   = []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	validStyles      = []string{"pretty", "compact", "json"}
	validCommitModes = []string{"vad", "timer", "both"}
	validTurnTypes   = []string{"server_vad", "none"}
	validStores      = []string{"sqlite", "memory"}
	validToolChoices = []string{"auto", "none", "required"}
)

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(path, value string, valid []string) {
		if value != "" && !slices.Contains(valid, value) {
			add(path, "must be one of %v, got %q", valid, value)
		}
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	oneOf("gateway.bind", cfg.Gateway.Bind, validBinds)
	if cfg.Gateway.Auth.Secret == "" {
		add("gateway.auth.secret", "shared secret is required")
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Realtime
	if u, err := url.Parse(cfg.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		add("realtime.url", "must be a ws:// or wss:// URL, got %q", cfg.Realtime.URL)
	}
	if cfg.Realtime.APIKey == "" {
		add("realtime.apiKey", "api key is required")
	}
	oneOf("realtime.turnDetection.type", cfg.Realtime.TurnDetection.Type, validTurnTypes)
	oneOf("realtime.toolChoice", cfg.Realtime.ToolChoice, validToolChoices)
	if td := cfg.Realtime.TurnDetection; td.Threshold < 0 || td.Threshold > 1 {
		add("realtime.turnDetection.threshold", "must be between 0 and 1, got %v", td.Threshold)
	}
	if t := cfg.Realtime.Temperature; t < 0.6 || t > 1.2 {
		add("realtime.temperature", "must be between 0.6 and 1.2, got %v", t)
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		add("audio.sampleRate", "must be positive, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.CommitIntervalMs < 100 {
		add("audio.commitIntervalMs", "must be at least 100, got %d", cfg.Audio.CommitIntervalMs)
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		add("backend.baseUrl", "backend base URL is required")
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		add("backend.baseUrl", "must be an http(s) URL, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.RetryMax < 0 {
		add("backend.retryMax", "must not be negative, got %d", cfg.Backend.RetryMax)
	}

	// Sessions
	oneOf("sessions.store", cfg.Sessions.Store, validStores)
	if cfg.Sessions.IdleMinutes < 1 {
		add("sessions.idleMinutes", "must be at least 1, got %d", cfg.Sessions.IdleMinutes)
	}
	if cfg.Sessions.SweepMinutes < 1 {
		add("sessions.sweepMinutes", "must be at least 1, got %d", cfg.Sessions.SweepMinutes)
	}

	// Transports
	tr := cfg.Transports
	oneOf("transports.socket.commitMode", tr.Socket.CommitMode, validCommitModes)
	oneOf("transports.eventSocket.commitMode", tr.EventSocket.CommitMode, validCommitModes)
	oneOf("transports.polling.commitMode", tr.Polling.CommitMode, validCommitModes)
	if tr.EventSocket.Enabled && tr.EventSocket.PollMs < 20 {
		add("transports.eventSocket.pollMs", "must be at least 20, got %d", tr.EventSocket.PollMs)
	}
	if tr.Polling.MaxWaitMs <= 0 {
		add("transports.polling.maxWaitMs", "must be positive, got %d", tr.Polling.MaxWaitMs)
	}
	if tr.Polling.DefaultWaitMs > tr.Polling.MaxWaitMs {
		add("transports.polling.defaultWaitMs", "must not exceed maxWaitMs (%d), got %d", tr.Polling.MaxWaitMs, tr.Polling.DefaultWaitMs)
	}
	for _, mode := range []string{tr.Socket.CommitMode, tr.EventSocket.CommitMode, tr.Polling.CommitMode} {
		if mode == "vad" && cfg.Realtime.TurnDetection.Type == "none" {
			add("realtime.turnDetection.type", "commitMode vad requires server_vad turn detection")
			break
		}
	}

	// Alerts
	if irc := cfg.Alerts.IRC; irc != nil {
		if irc.Server == "" {
			add("alerts.irc.server", "server is required")
		}
		if irc.Nick == "" {
			add("alerts.irc.nick", "nick is required")
		}
		if irc.Port < 0 || irc.Port > 65535 {
			add("alerts.irc.port", "port must be 0-65535, got %d", irc.Port)
		}
		if irc.SASL && irc.Password == "" {
			add("alerts.irc.sasl", "SASL requires a password to be set")
		}
		if len(irc.Channels) == 0 {
			add("alerts.irc.channels", "at least one channel is required")
		}
	}

	// Logging
	oneOf("logging.level", cfg.Logging.Level, validLogLevels)
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, validStyles)

	return issues
}
