package config

import "fmt"

// DefaultIntroText is the assistant message that seeds an empty transcript.
const DefaultIntroText = "Hi — I'm your advisory concierge. Ask me anything about your deal, or escalate to a specialist whenever you're ready."

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 18990,
			Bind: "loopback",
		},
		Triage: TriageConfig{
			TimeoutSeconds: 20,
		},
		Realtime: RealtimeConfig{
			Enabled:              true,
			ProviderBaseURL:      "https://api.openai.com/v1/realtime",
			DataChannelTimeoutMs: 8000,
			HTTPTimeoutSeconds:   15,
			SpeakingHoldMs:       400,
		},
		Avatar: AvatarConfig{
			Enabled:               true,
			TimeoutSeconds:        15,
			RecentTranscriptLimit: 8,
		},
		BargeIn: BargeInConfig{
			Threshold:  0.07,
			CooldownMs: 1100,
			MuteMs:     350,
			SampleHz:   60,
		},
		Session: SessionConfig{
			IntroText: DefaultIntroText,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// applyDefaults fills zero values left after unmarshalling a partial file.
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = def.Gateway.Bind
	}
	if cfg.Triage.TimeoutSeconds == 0 {
		cfg.Triage.TimeoutSeconds = def.Triage.TimeoutSeconds
	}
	if cfg.Realtime.ProviderBaseURL == "" {
		cfg.Realtime.ProviderBaseURL = def.Realtime.ProviderBaseURL
	}
	if cfg.Realtime.DataChannelTimeoutMs == 0 {
		cfg.Realtime.DataChannelTimeoutMs = def.Realtime.DataChannelTimeoutMs
	}
	if cfg.Realtime.HTTPTimeoutSeconds == 0 {
		cfg.Realtime.HTTPTimeoutSeconds = def.Realtime.HTTPTimeoutSeconds
	}
	if cfg.Realtime.SpeakingHoldMs == 0 {
		cfg.Realtime.SpeakingHoldMs = def.Realtime.SpeakingHoldMs
	}
	if cfg.Avatar.TimeoutSeconds == 0 {
		cfg.Avatar.TimeoutSeconds = def.Avatar.TimeoutSeconds
	}
	if cfg.Avatar.RecentTranscriptLimit == 0 {
		cfg.Avatar.RecentTranscriptLimit = def.Avatar.RecentTranscriptLimit
	}
	if cfg.BargeIn.Threshold == 0 {
		cfg.BargeIn.Threshold = def.BargeIn.Threshold
	}
	if cfg.BargeIn.CooldownMs == 0 {
		cfg.BargeIn.CooldownMs = def.BargeIn.CooldownMs
	}
	if cfg.BargeIn.MuteMs == 0 {
		cfg.BargeIn.MuteMs = def.BargeIn.MuteMs
	}
	if cfg.BargeIn.SampleHz == 0 {
		cfg.BargeIn.SampleHz = def.BargeIn.SampleHz
	}
	if cfg.Session.IntroText == "" {
		cfg.Session.IntroText = def.Session.IntroText
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = def.Logging.ConsoleStyle
	}
}
