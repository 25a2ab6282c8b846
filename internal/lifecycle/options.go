package lifecycle

import (
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
)

// Default tuning used when Options leaves a field zero.
const (
	DefaultPairingExpiry   = 90 * time.Second
	DefaultPersistRetries  = 3
	DefaultPersistInterval = 200 * time.Millisecond
)

// Options tunes managers created by a Registry.
type Options struct {
	// PairingExpiry bounds how long a QR code may stay unscanned.
	PairingExpiry time.Duration
	// Reconnect enables automatic reconnection after an unsolicited drop.
	Reconnect *ReconnectPolicy
	// PersistRetries is the number of retries after a failed state write.
	PersistRetries int
	// PersistInterval is the first retry delay.
	PersistInterval time.Duration
	// Workers sizes the shared persistence pool; zero uses plain goroutines.
	Workers  int
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.PairingExpiry <= 0 {
		o.PairingExpiry = DefaultPairingExpiry
	}
	if o.PersistRetries < 0 {
		o.PersistRetries = 0
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = DefaultPersistInterval
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	return o
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		PairingExpiry:   cfg.PairingExpiry(),
		PersistRetries:  cfg.Persistence.MaxRetries,
		PersistInterval: time.Duration(cfg.Persistence.RetryMs) * time.Millisecond,
		Workers:         cfg.Persistence.Workers,
	}
	if cfg.Reconnect.Enabled {
		opts.Reconnect = &ReconnectPolicy{
			InitialInterval: time.Duration(cfg.Reconnect.InitialIntervalMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Reconnect.MaxIntervalMs) * time.Millisecond,
			MaxElapsedTime:  time.Duration(cfg.Reconnect.MaxElapsedSeconds) * time.Second,
		}
	}
	return opts
}
