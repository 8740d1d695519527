// Package watchdog aggregates the health of the agent's local HTTP services
// and triggers a pluggable restart hook once a service has failed K
// consecutive probes. The probe loop is built on the same injectable-ticker
// shape as the sync worker's poll loop (internal/sync.syncTicker), so the
// CRITICAL transition can be driven deterministically in tests without real
// sleeps.
package watchdog

import "time"

// ServiceConfig names one local HTTP service the watchdog probes.
type ServiceConfig struct {
	Name      string
	HealthURL string
}

// Config controls probe cadence, the failure threshold, and per-service
// targets.
type Config struct {
	Services         []ServiceConfig
	CheckInterval    time.Duration
	FailureThreshold int // K consecutive failed probes before CRITICAL
	ProbeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}
