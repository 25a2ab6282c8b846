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

// expandPathFields lets file locations reference the environment, e.g.
// store.path: ${STATE_DIRECTORY}/omnidesk.db
func expandPathFields(cfg *Config) {
	cfg.Store.Path = expandEnvVars(cfg.Store.Path)
	cfg.Logging.File = expandEnvVars(cfg.Logging.File)
	cfg.Gateway.TLS.CertPath = expandEnvVars(cfg.Gateway.TLS.CertPath)
	cfg.Gateway.TLS.KeyPath = expandEnvVars(cfg.Gateway.TLS.KeyPath)
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
	expandPathFields(&cfg)
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
	if raw == nil {
		raw = map[string]any{}
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
	d := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
	if cfg.Pairing.ExpirySeconds == 0 {
		cfg.Pairing.ExpirySeconds = d.Pairing.ExpirySeconds
	}
	if cfg.Reconnect.InitialIntervalMs == 0 {
		cfg.Reconnect.InitialIntervalMs = d.Reconnect.InitialIntervalMs
	}
	if cfg.Reconnect.MaxIntervalMs == 0 {
		cfg.Reconnect.MaxIntervalMs = d.Reconnect.MaxIntervalMs
	}
	if cfg.Reconnect.MaxElapsedSeconds == 0 {
		cfg.Reconnect.MaxElapsedSeconds = d.Reconnect.MaxElapsedSeconds
	}
	if cfg.Persistence.MaxRetries == 0 {
		cfg.Persistence.MaxRetries = d.Persistence.MaxRetries
	}
	if cfg.Persistence.RetryMs == 0 {
		cfg.Persistence.RetryMs = d.Persistence.RetryMs
	}
	if cfg.Persistence.Workers == 0 {
		cfg.Persistence.Workers = d.Persistence.Workers
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = d.Transport.Kind
	}
	if cfg.Transport.QRDelayMs == 0 {
		cfg.Transport.QRDelayMs = d.Transport.QRDelayMs
	}
}

// applyEnvOverrides reads OMNIDESK_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OMNIDESK_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("OMNIDESK_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("OMNIDESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("OMNIDESK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OMNIDESK_PAIRING_EXPIRY_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Pairing.ExpirySeconds = secs
		}
	}
}
