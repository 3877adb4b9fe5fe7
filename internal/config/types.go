package config

// Config is the root configuration for the relay.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway,omitempty"`
	Realtime   RealtimeConfig   `yaml:"realtime,omitempty"`
	Audio      AudioConfig      `yaml:"audio,omitempty"`
	Backend    BackendConfig    `yaml:"backend,omitempty"`
	Sessions   SessionsConfig   `yaml:"sessions,omitempty"`
	Transports TransportsConfig `yaml:"transports,omitempty"`
	Alerts     AlertsConfig     `yaml:"alerts,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP control surface.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth holds the shared secret required on every control call.
type GatewayAuth struct {
	Secret string `yaml:"secret,omitempty"`
	Header string `yaml:"header,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// RealtimeConfig configures the upstream realtime speech engine.
type RealtimeConfig struct {
	URL                 string        `yaml:"url,omitempty"`
	Model               string        `yaml:"model,omitempty"`
	APIKey              string        `yaml:"apiKey,omitempty"`
	Voice               string        `yaml:"voice,omitempty"`
	Modalities          []string      `yaml:"modalities,omitempty"`
	InputAudioFormat    string        `yaml:"inputAudioFormat,omitempty"`
	OutputAudioFormat   string        `yaml:"outputAudioFormat,omitempty"`
	TranscriptionModel  string        `yaml:"transcriptionModel,omitempty"`
	TurnDetection       TurnDetection `yaml:"turnDetection,omitempty"`
	ToolChoice          string        `yaml:"toolChoice,omitempty"`
	Temperature         float64       `yaml:"temperature,omitempty"`
	MaxResponseTokens   int           `yaml:"maxResponseTokens,omitempty"`
	DefaultInstructions string        `yaml:"defaultInstructions,omitempty"`
	DialTimeoutMs       int           `yaml:"dialTimeoutMs,omitempty"`
}

// TurnDetection configures upstream voice-activity detection.
type TurnDetection struct {
	Type              string  `yaml:"type,omitempty"` // "server_vad" | "none"
	Threshold         float64 `yaml:"threshold,omitempty"`
	PrefixPaddingMs   int     `yaml:"prefixPaddingMs,omitempty"`
	SilenceDurationMs int     `yaml:"silenceDurationMs,omitempty"`
}

// AudioConfig controls inbound audio handling.
type AudioConfig struct {
	SampleRate       int `yaml:"sampleRate,omitempty"`
	CommitIntervalMs int `yaml:"commitIntervalMs,omitempty"`
}

// BackendConfig points at the business REST API.
type BackendConfig struct {
	BaseURL   string `yaml:"baseUrl,omitempty"`
	APIKey    string `yaml:"apiKey,omitempty"`
	TimeoutMs int    `yaml:"timeoutMs,omitempty"`
	RetryMax  int    `yaml:"retryMax,omitempty"`
}

// SessionsConfig defines call session lifecycle behavior.
type SessionsConfig struct {
	IdleMinutes     int    `yaml:"idleMinutes,omitempty"`
	SweepMinutes    int    `yaml:"sweepMinutes,omitempty"`
	SummaryCache    int    `yaml:"summaryCache,omitempty"`
	FallbackGraceMs int    `yaml:"fallbackGraceMs,omitempty"`
	Store           string `yaml:"store,omitempty"` // "sqlite" | "memory"
}

// TransportsConfig enables and tunes the three call transports.
type TransportsConfig struct {
	Socket      SocketConfig      `yaml:"socket,omitempty"`
	EventSocket EventSocketConfig `yaml:"eventSocket,omitempty"`
	Polling     PollingConfig     `yaml:"polling,omitempty"`
}

// SocketConfig configures the full-duplex websocket transport.
type SocketConfig struct {
	Enabled    *bool  `yaml:"enabled,omitempty"`
	CommitMode string `yaml:"commitMode,omitempty"`
}

// EventSocketConfig configures the telephony event-socket transport.
type EventSocketConfig struct {
	Enabled         bool   `yaml:"enabled,omitempty"`
	Listen          string `yaml:"listen,omitempty"`
	CaptureDir      string `yaml:"captureDir,omitempty"`
	PlaybackDir     string `yaml:"playbackDir,omitempty"`
	PollMs          int    `yaml:"pollMs,omitempty"`
	DialplanContext string `yaml:"dialplanContext,omitempty"`
	CommitMode      string `yaml:"commitMode,omitempty"`
}

// PollingConfig configures the HTTP polling transport.
type PollingConfig struct {
	Enabled       *bool  `yaml:"enabled,omitempty"`
	CommitMode    string `yaml:"commitMode,omitempty"`
	DefaultWaitMs int    `yaml:"defaultWaitMs,omitempty"`
	MaxWaitMs     int    `yaml:"maxWaitMs,omitempty"`
}

// AlertsConfig defines extra admin alert channels.
type AlertsConfig struct {
	IRC *IRCConfig `yaml:"irc,omitempty"`
}

// IRCConfig defines the IRC alert channel.
type IRCConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port,omitempty"`
	Nick     string   `yaml:"nick"`
	Password string   `yaml:"password,omitempty"`
	Channels []string `yaml:"channels"`
	UseTLS   bool     `yaml:"useTLS,omitempty"`
	SASL     bool     `yaml:"sasl,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// On reports whether an optional boolean is enabled, defaulting to true.
func On(b *bool) bool {
	return b == nil || *b
}
