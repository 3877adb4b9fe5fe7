package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Secret = expandEnvVars(cfg.Gateway.Auth.Secret)
	cfg.Realtime.APIKey = expandEnvVars(cfg.Realtime.APIKey)
	cfg.Backend.APIKey = expandEnvVars(cfg.Backend.APIKey)
	cfg.Backend.BaseURL = expandEnvVars(cfg.Backend.BaseURL)
	if cfg.Alerts.IRC != nil {
		cfg.Alerts.IRC.Password = expandEnvVars(cfg.Alerts.IRC.Password)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8787
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Header == "" {
		cfg.Gateway.Auth.Header = "X-Relay-Secret"
	}

	rt := &cfg.Realtime
	if rt.URL == "" {
		rt.URL = "wss://api.openai.com/v1/realtime"
	}
	if rt.Model == "" {
		rt.Model = "gpt-4o-realtime-preview"
	}
	if rt.Voice == "" {
		rt.Voice = "alloy"
	}
	if len(rt.Modalities) == 0 {
		rt.Modalities = []string{"audio", "text"}
	}
	if rt.InputAudioFormat == "" {
		rt.InputAudioFormat = "pcm16"
	}
	if rt.OutputAudioFormat == "" {
		rt.OutputAudioFormat = "pcm16"
	}
	if rt.TranscriptionModel == "" {
		rt.TranscriptionModel = "whisper-1"
	}
	if rt.TurnDetection.Type == "" {
		rt.TurnDetection.Type = "server_vad"
	}
	if rt.TurnDetection.Threshold == 0 {
		rt.TurnDetection.Threshold = 0.5
	}
	if rt.TurnDetection.PrefixPaddingMs == 0 {
		rt.TurnDetection.PrefixPaddingMs = 300
	}
	if rt.TurnDetection.SilenceDurationMs == 0 {
		rt.TurnDetection.SilenceDurationMs = 500
	}
	if rt.ToolChoice == "" {
		rt.ToolChoice = "auto"
	}
	if rt.Temperature == 0 {
		rt.Temperature = 0.8
	}
	if rt.MaxResponseTokens == 0 {
		rt.MaxResponseTokens = 4096
	}
	if rt.DefaultInstructions == "" {
		rt.DefaultInstructions = "You are a helpful phone assistant. Keep answers short and speak naturally."
	}
	if rt.DialTimeoutMs == 0 {
		rt.DialTimeoutMs = 10000
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.CommitIntervalMs == 0 {
		cfg.Audio.CommitIntervalMs = 1000
	}

	if cfg.Backend.TimeoutMs == 0 {
		cfg.Backend.TimeoutMs = 10000
	}
	if cfg.Backend.RetryMax == 0 {
		cfg.Backend.RetryMax = 2
	}

	if cfg.Sessions.IdleMinutes == 0 {
		cfg.Sessions.IdleMinutes = 10
	}
	if cfg.Sessions.SweepMinutes == 0 {
		cfg.Sessions.SweepMinutes = 5
	}
	if cfg.Sessions.SummaryCache == 0 {
		cfg.Sessions.SummaryCache = 512
	}
	if cfg.Sessions.FallbackGraceMs == 0 {
		cfg.Sessions.FallbackGraceMs = 2000
	}
	if cfg.Sessions.Store == "" {
		cfg.Sessions.Store = "sqlite"
	}

	tr := &cfg.Transports
	if tr.Socket.CommitMode == "" {
		tr.Socket.CommitMode = "vad"
	}
	if tr.EventSocket.Listen == "" {
		tr.EventSocket.Listen = "127.0.0.1:8084"
	}
	if tr.EventSocket.PollMs == 0 {
		tr.EventSocket.PollMs = 200
	}
	if tr.EventSocket.DialplanContext == "" {
		tr.EventSocket.DialplanContext = "default"
	}
	if tr.EventSocket.CommitMode == "" {
		tr.EventSocket.CommitMode = "both"
	}
	if tr.Polling.CommitMode == "" {
		tr.Polling.CommitMode = "both"
	}
	if tr.Polling.DefaultWaitMs == 0 {
		tr.Polling.DefaultWaitMs = 5000
	}
	if tr.Polling.MaxWaitMs == 0 {
		tr.Polling.MaxWaitMs = 30000
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}

// applyEnvOverrides reads CALLRELAY_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLRELAY_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("CALLRELAY_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("CALLRELAY_SECRET"); v != "" {
		cfg.Gateway.Auth.Secret = v
	}
	if v := os.Getenv("CALLRELAY_REALTIME_API_KEY"); v != "" {
		cfg.Realtime.APIKey = v
	} else if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("CALLRELAY_REALTIME_MODEL"); v != "" {
		cfg.Realtime.Model = v
	}
	if v := os.Getenv("CALLRELAY_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CALLRELAY_BACKEND_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("CALLRELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
