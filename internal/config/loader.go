package config

import (
	"os"
	"regexp"

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
// credential and endpoint fields so tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Triage.Endpoint = expandEnvVars(cfg.Triage.Endpoint)
	cfg.Realtime.BootstrapEndpoint = expandEnvVars(cfg.Realtime.BootstrapEndpoint)
	cfg.Avatar.BootstrapEndpoint = expandEnvVars(cfg.Avatar.BootstrapEndpoint)
}

// applyEnvOverrides lets a handful of environment variables override file
// values, mirroring how the service is wired in container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONCIERGE_TRIAGE_ENDPOINT"); v != "" {
		cfg.Triage.Endpoint = v
	}
	if v := os.Getenv("CONCIERGE_REALTIME_BOOTSTRAP"); v != "" {
		cfg.Realtime.BootstrapEndpoint = v
	}
	if v := os.Getenv("CONCIERGE_AVATAR_BOOTSTRAP"); v != "" {
		cfg.Avatar.BootstrapEndpoint = v
	}
	if v := os.Getenv("CONCIERGE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("CONCIERGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
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
