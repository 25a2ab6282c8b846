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
	return Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Pairing: PairingConfig{
			ExpirySeconds: 90,
		},
		Reconnect: ReconnectConfig{
			InitialIntervalMs: 1000,
			MaxIntervalMs:     30000,
			MaxElapsedSeconds: 600,
		},
		Persistence: PersistenceConfig{
			MaxRetries: 3,
			RetryMs:    200,
			Workers:    8,
		},
		Transport: TransportConfig{
			Kind:      "sim",
			QRDelayMs: 500,
		},
	}
}

// PairingExpiry returns the configured AwaitingScan lifetime.
func (c Config) PairingExpiry() time.Duration {
	return time.Duration(c.Pairing.ExpirySeconds) * time.Second
}
