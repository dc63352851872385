package config

// Config is the root configuration for the concierge service.
// Everything tunable about the session managers lives here so tests and
// deployments can inject settings instead of reading process environment
// ad hoc.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Triage   TriageConfig   `yaml:"triage,omitempty"`
	Realtime RealtimeConfig `yaml:"realtime,omitempty"`
	Avatar   AvatarConfig   `yaml:"avatar,omitempty"`
	BargeIn  BargeInConfig  `yaml:"bargeIn,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Token string `yaml:"token,omitempty"`
}

// TriageConfig points at the triage question-answering collaborator.
type TriageConfig struct {
	Endpoint       string `yaml:"endpoint,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// RealtimeConfig controls the voice-agent session manager.
type RealtimeConfig struct {
	Enabled           bool   `yaml:"enabled,omitempty"`
	BootstrapEndpoint string `yaml:"bootstrapEndpoint,omitempty"`
	// ProviderBaseURL is the realtime transport endpoint that accepts the
	// SDP offer, parameterized by model via query string.
	ProviderBaseURL      string `yaml:"providerBaseUrl,omitempty"`
	DataChannelTimeoutMs int    `yaml:"dataChannelTimeoutMs,omitempty"`
	HTTPTimeoutSeconds   int    `yaml:"httpTimeoutSeconds,omitempty"`
	// SpeakingHoldMs is how long the agent-speaking indicator stays set
	// after the last audio event before self-clearing.
	SpeakingHoldMs int `yaml:"speakingHoldMs,omitempty"`
}

// AvatarConfig controls the video-avatar session manager.
type AvatarConfig struct {
	Enabled           bool   `yaml:"enabled,omitempty"`
	BootstrapEndpoint string `yaml:"bootstrapEndpoint,omitempty"`
	TimeoutSeconds    int    `yaml:"timeoutSeconds,omitempty"`
	// RecentTranscriptLimit bounds how many trailing transcript entries
	// are sent as context when establishing an avatar conversation.
	RecentTranscriptLimit int `yaml:"recentTranscriptLimit,omitempty"`
}

// BargeInConfig tunes the interruption monitor. The defaults were chosen
// empirically; deployments can adjust them without code changes.
type BargeInConfig struct {
	// Threshold is the mean absolute amplitude (0..1) above which user
	// speech counts as an interruption attempt.
	Threshold  float64 `yaml:"threshold,omitempty"`
	CooldownMs int     `yaml:"cooldownMs,omitempty"`
	MuteMs     int     `yaml:"muteMs,omitempty"`
	SampleHz   int     `yaml:"sampleHz,omitempty"`
}

// SessionConfig controls per-session behavior.
type SessionConfig struct {
	// IntroText seeds an empty transcript when a modal session opens.
	IntroText string `yaml:"introText,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
