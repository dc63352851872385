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

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.customBindHost",
			Message: "required when gateway.bind is \"custom\"",
		})
	}

	issues = append(issues, validateEndpoint("triage.endpoint", cfg.Triage.Endpoint)...)

	if cfg.Realtime.Enabled {
		issues = append(issues, validateEndpoint("realtime.bootstrapEndpoint", cfg.Realtime.BootstrapEndpoint)...)
		issues = append(issues, validateEndpoint("realtime.providerBaseUrl", cfg.Realtime.ProviderBaseURL)...)
	}
	if cfg.Realtime.DataChannelTimeoutMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "realtime.dataChannelTimeoutMs",
			Message: "must not be negative",
		})
	}

	if cfg.Avatar.Enabled {
		issues = append(issues, validateEndpoint("avatar.bootstrapEndpoint", cfg.Avatar.BootstrapEndpoint)...)
	}
	if cfg.Avatar.RecentTranscriptLimit < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "avatar.recentTranscriptLimit",
			Message: "must not be negative",
		})
	}

	if cfg.BargeIn.Threshold < 0 || cfg.BargeIn.Threshold > 1 {
		issues = append(issues, ValidationIssue{
			Path:    "bargeIn.threshold",
			Message: fmt.Sprintf("must be within [0,1], got %v", cfg.BargeIn.Threshold),
		})
	}
	if cfg.BargeIn.CooldownMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "bargeIn.cooldownMs",
			Message: "must not be negative",
		})
	}
	if cfg.BargeIn.SampleHz < 1 || cfg.BargeIn.SampleHz > 1000 {
		issues = append(issues, ValidationIssue{
			Path:    "bargeIn.sampleHz",
			Message: fmt.Sprintf("must be 1-1000, got %d", cfg.BargeIn.SampleHz),
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	return issues
}

// validateEndpoint checks that an endpoint, when set, is an absolute http(s) URL.
// Empty endpoints are allowed: the corresponding manager degrades to fallback.
func validateEndpoint(path, endpoint string) []ValidationIssue {
	if endpoint == "" {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []ValidationIssue{{
			Path:    path,
			Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", endpoint),
		}}
	}
	return nil
}
