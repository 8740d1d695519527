// Package sync polls the central API for new model packages and knowledge-
// base deltas, installing each as an all-or-nothing transaction: download,
// verify checksum and signature, extract, and only then record the new
// version. A fault at any step leaves the prior install untouched.
package sync

import (
	"time"

	"edge-node-agent/internal/observability/metrics"
)

// Config controls polling cadence and endpoints. Field names mirror
// config.Network and config.Sync so callers can build one from a loaded
// DeviceConfig without translation.
type Config struct {
	ClientConfig

	ModelStoragePath string
	PublicKeyPath    string
	ReloadURL        string

	PollInterval time.Duration
	Recorder     *metrics.Recorder
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ReloadURL == "" {
		c.ReloadURL = "http://localhost:8001/_reload"
	}
	if c.Recorder == nil {
		c.Recorder = metrics.Default()
	}
	return c
}
