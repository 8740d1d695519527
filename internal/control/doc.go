// Package control runs the mTLS MQTT client that carries device heartbeats
// out and control commands in: subscribes to the device's control topic,
// dispatches request_clip actions to the ingest supervisor, and re-enters
// the event pipeline through the Aggregator's local HTTP insert endpoint
// once a clip has been stitched. Built on
// github.com/eclipse/paho.mqtt.golang, whose own network loop runs on a
// dedicated internal goroutine; callers only ever touch the client through
// its thread-safe Publish/Subscribe methods.
package control

import (
	"context"
	"time"

	"edge-node-agent/internal/tlsutil"
)

// TelemetryFunc samples the free-disk percentage and GPU temperature carried
// in each heartbeat. Tests inject a fixed-value func.
type TelemetryFunc func() (freeDiskPercent, gpuTempC float64)

// Heartbeats is the optional device-state surface the client stamps after
// each successful heartbeat publish. *store.Store satisfies it.
type Heartbeats interface {
	TouchHeartbeat(ctx context.Context, deviceID string) error
}

// Config controls broker connectivity, topic naming, and heartbeat cadence.
type Config struct {
	Broker          string
	Port            int
	UseTLS          bool
	UseMTLS         bool
	CertPaths       tlsutil.CertPaths
	TopicPrefix     string
	DeviceID        string
	TenantID        string
	DeviceVersion   string
	AggregatorBase  string // base URL of the local Aggregator HTTP API
	DiskPath        string // volume sampled for the heartbeat's free-disk figure
	HeartbeatPeriod time.Duration
	ConnectTimeout  time.Duration
	Telemetry       TelemetryFunc
	Heartbeats      Heartbeats
}

func (c Config) withDefaults() Config {
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.DeviceVersion == "" {
		c.DeviceVersion = "v1.0.0"
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	return c
}

func (c Config) heartbeatTopic() string {
	return "vss/heartbeat/" + c.DeviceID
}

func (c Config) controlTopic() string {
	return "vss/control/" + c.DeviceID
}

func (c Config) eventTopic(cameraID string) string {
	return c.TopicPrefix + "/" + c.TenantID + "/" + cameraID
}
