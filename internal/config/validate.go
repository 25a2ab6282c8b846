package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

var validChannelTypes = []string{"whatsapp", "telegram", "instagram", "messenger"}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.tls",
			Message: "certPath and keyPath are required when TLS is enabled",
		})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	// Pairing validation: QR prompts must expire, but not before a person can scan them.
	if cfg.Pairing.ExpirySeconds < 10 || cfg.Pairing.ExpirySeconds > 600 {
		issues = append(issues, ValidationIssue{
			Path:    "pairing.expirySeconds",
			Message: fmt.Sprintf("must be 10-600, got %d", cfg.Pairing.ExpirySeconds),
		})
	}

	// Reconnect validation
	if cfg.Reconnect.Enabled {
		if cfg.Reconnect.InitialIntervalMs <= 0 {
			issues = append(issues, ValidationIssue{
				Path:    "reconnect.initialIntervalMs",
				Message: "must be positive",
			})
		}
		if cfg.Reconnect.MaxIntervalMs < cfg.Reconnect.InitialIntervalMs {
			issues = append(issues, ValidationIssue{
				Path:    "reconnect.maxIntervalMs",
				Message: "must not be smaller than initialIntervalMs",
			})
		}
	}

	// Persistence validation
	if cfg.Persistence.MaxRetries < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "persistence.maxRetries",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Persistence.MaxRetries),
		})
	}
	if cfg.Persistence.Workers < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "persistence.workers",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Persistence.Workers),
		})
	}

	// Transport validation
	validTransports := []string{"sim"}
	if cfg.Transport.Kind != "" && !slices.Contains(validTransports, cfg.Transport.Kind) {
		issues = append(issues, ValidationIssue{
			Path:    "transport.kind",
			Message: fmt.Sprintf("must be one of %v, got %q", validTransports, cfg.Transport.Kind),
		})
	}

	// Seeded channels
	seen := make(map[string]bool)
	for i, ch := range cfg.Channels {
		path := fmt.Sprintf("channels[%d]", i)
		if strings.TrimSpace(ch.Name) == "" {
			issues = append(issues, ValidationIssue{Path: path + ".name", Message: "name is required"})
		} else if seen[ch.Name] {
			issues = append(issues, ValidationIssue{Path: path + ".name", Message: fmt.Sprintf("duplicate channel name %q", ch.Name)})
		}
		seen[ch.Name] = true
		if !slices.Contains(validChannelTypes, ch.Type) {
			issues = append(issues, ValidationIssue{
				Path:    path + ".type",
				Message: fmt.Sprintf("must be one of %v, got %q", validChannelTypes, ch.Type),
			})
		}
	}

	// Hooks
	for event, entries := range map[string][]HookEntry{
		"channelConnecting":   cfg.Hooks.ChannelConnecting,
		"channelAwaitingScan": cfg.Hooks.ChannelAwaitingScan,
		"channelConnected":    cfg.Hooks.ChannelConnected,
		"channelDisconnected": cfg.Hooks.ChannelDisconnected,
		"channelFailed":       cfg.Hooks.ChannelFailed,
		"gatewayStart":        cfg.Hooks.GatewayStart,
		"gatewayStop":         cfg.Hooks.GatewayStop,
	} {
		for i, h := range entries {
			if strings.TrimSpace(h.Command) == "" {
				issues = append(issues, ValidationIssue{
					Path:    fmt.Sprintf("hooks.%s[%d].command", event, i),
					Message: "command is required",
				})
			}
		}
	}

	slices.SortStableFunc(issues, func(a, b ValidationIssue) int { return strings.Compare(a.Path, b.Path) })
	return issues
}
