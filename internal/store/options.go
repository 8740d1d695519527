package store

import "time"

// config holds the tunables an Option may adjust before the database is
// opened. SQLite is the store's only backend, so an Option has exactly one
// target to apply to.
type config struct {
	busyTimeout        time.Duration
	recoveryThreshold  time.Duration
	foreignKeysEnabled bool
}

func defaultConfig() config {
	return config{
		busyTimeout:        5 * time.Second,
		recoveryThreshold:  10 * time.Minute,
		foreignKeysEnabled: true,
	}
}

// Option configures how the Store opens and serializes access to its backing
// SQLite database.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) { f(cfg) }

// WithBusyTimeout bounds how long a write waits on another writer before
// SQLite returns SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *config) {
		if d > 0 {
			cfg.busyTimeout = d
		}
	})
}

// WithRecoveryThreshold sets how old a PROCESSING row must be before
// RecoverAbandoned resets it back to PENDING_UPLOAD.
func WithRecoveryThreshold(d time.Duration) Option {
	return optionFunc(func(cfg *config) {
		if d > 0 {
			cfg.recoveryThreshold = d
		}
	})
}
