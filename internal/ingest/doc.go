// Package ingest supervises one continuous-segmenting ffmpeg child process
// per camera, restarts them with exponential backoff, enforces the
// configured disk budget, and stitches on-demand clips from the
// date-partitioned segment tree.
package ingest

import (
	"time"

	"edge-node-agent/internal/observability/metrics"
)

// CameraSpec identifies one camera the supervisor ingests.
type CameraSpec struct {
	ID       string
	RTSPURL  string
	TenantID string
	DeviceID string
}

// Config controls the supervisor's process lifecycle, restart policy, and
// disk-budget enforcement.
type Config struct {
	ClipBase            string
	ExtractedDir        string // defaults to {ClipBase}/extracted
	ChunkSeconds        int
	MaxDiskUsagePercent int
	KeepLocalDays       int
	MonitorInterval     time.Duration
	DiskCheckInterval   time.Duration
	RestartBackoffCap   time.Duration
	RestartJitter       time.Duration
	StopGracePeriod     time.Duration
	Recorder            *metrics.Recorder
}

func (c Config) withDefaults() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.DiskCheckInterval <= 0 {
		c.DiskCheckInterval = 30 * time.Second
	}
	if c.RestartBackoffCap <= 0 {
		c.RestartBackoffCap = 600 * time.Second
	}
	if c.RestartJitter <= 0 {
		c.RestartJitter = 5 * time.Second
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 5 * time.Second
	}
	if c.ExtractedDir == "" && c.ClipBase != "" {
		c.ExtractedDir = c.ClipBase + "/extracted"
	}
	if c.Recorder == nil {
		c.Recorder = metrics.Default()
	}
	return c
}
