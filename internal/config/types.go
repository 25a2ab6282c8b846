package config

// Config is the root configuration for omnidesk.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Store       StoreConfig       `yaml:"store,omitempty"`
	Pairing     PairingConfig     `yaml:"pairing,omitempty"`
	Reconnect   ReconnectConfig   `yaml:"reconnect,omitempty"`
	Persistence PersistenceConfig `yaml:"persistence,omitempty"`
	Transport   TransportConfig   `yaml:"transport,omitempty"`
	Channels    []ChannelEntry    `yaml:"channels,omitempty"`
	Hooks       HooksConfig       `yaml:"hooks,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Port           int        `yaml:"port,omitempty"`
	Bind           string     `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string     `yaml:"customBindHost,omitempty"`
	AllowedOrigins []string   `yaml:"allowedOrigins,omitempty"`
	TLS            GatewayTLS `yaml:"tls,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// StoreConfig selects the channel store.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // SQLite file; defaults to <data>/omnidesk.db
}

// PairingConfig bounds the QR pairing exchange.
type PairingConfig struct {
	ExpirySeconds int `yaml:"expirySeconds,omitempty"` // lifetime of an unscanned QR prompt
}

// ReconnectConfig controls automatic reconnection after a dropped session.
type ReconnectConfig struct {
	Enabled           bool `yaml:"enabled,omitempty"`
	InitialIntervalMs int  `yaml:"initialIntervalMs,omitempty"`
	MaxIntervalMs     int  `yaml:"maxIntervalMs,omitempty"`
	MaxElapsedSeconds int  `yaml:"maxElapsedSeconds,omitempty"`
}

// PersistenceConfig controls best-effort state writes.
type PersistenceConfig struct {
	MaxRetries int `yaml:"maxRetries,omitempty"`
	RetryMs    int `yaml:"retryMs,omitempty"`
	Workers    int `yaml:"workers,omitempty"`
}

// TransportConfig selects the pairing transport.
type TransportConfig struct {
	Kind            string `yaml:"kind,omitempty"` // "sim"
	QRDelayMs       int    `yaml:"qrDelayMs,omitempty"`
	QRRotateSeconds int    `yaml:"qrRotateSeconds,omitempty"`
}

// ChannelEntry seeds a channel into the store on first start.
type ChannelEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// HooksConfig defines shell-command hooks for lifecycle events.
type HooksConfig struct {
	ChannelConnecting   []HookEntry `yaml:"channelConnecting,omitempty"`
	ChannelAwaitingScan []HookEntry `yaml:"channelAwaitingScan,omitempty"`
	ChannelConnected    []HookEntry `yaml:"channelConnected,omitempty"`
	ChannelDisconnected []HookEntry `yaml:"channelDisconnected,omitempty"`
	ChannelFailed       []HookEntry `yaml:"channelFailed,omitempty"`
	GatewayStart        []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop         []HookEntry `yaml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
