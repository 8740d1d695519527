// Package config loads and validates the device configuration YAML document.
// Validation lives directly on the config types rather than behind a
// JSON-schema document: required fields, value ranges, and the cross-NVR
// camera-ID uniqueness rule are all enforced at load time so services fail
// fast on a bad config.
package config

import (
	"fmt"
	"os"
	"strings"

	"edge-node-agent/internal/models"

	"gopkg.in/yaml.v3"
)

// Device holds the `device` section.
type Device struct {
	DeviceID            string `yaml:"device_id"`
	TenantID            string `yaml:"tenant_id"`
	Location            string `yaml:"location"`
	KeepLocalDays       int    `yaml:"keep_local_days"`
	MaxDiskUsagePercent int    `yaml:"max_disk_usage_percent"`
}

// CertPaths holds the mTLS client identity and CA bundle paths.
type CertPaths struct {
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CACert     string `yaml:"ca_cert"`
}

// Network holds the `network` section.
type Network struct {
	MQTTBroker      string    `yaml:"mqtt_broker"`
	MQTTPort        int       `yaml:"mqtt_port"`
	MQTTTLS         bool      `yaml:"mqtt_tls"`
	MQTTTopicPrefix string    `yaml:"mqtt_topic_prefix"`
	APIBase         string    `yaml:"api_base"`
	APITimeoutSecs  int       `yaml:"api_timeout_seconds"`
	UseMTLS         bool      `yaml:"use_mtls"`
	CertPaths       CertPaths `yaml:"cert_paths"`
}

// Camera identifies one camera channel on an NVR.
type Camera struct {
	ID    string `yaml:"id"`
	Index int    `yaml:"index"`
	Label string `yaml:"label"`
}

// NVR holds one entry of the `nvr_list` section.
type NVR struct {
	Name               string   `yaml:"name"`
	Host               string   `yaml:"host"`
	ONVIFPort          int      `yaml:"onvif_port"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	CameraRTSPTemplate string   `yaml:"camera_rtsp_template"`
	Cameras            []Camera `yaml:"cameras"`
}

// Ingest holds the `ingest` section.
type Ingest struct {
	ChunkSeconds  int `yaml:"chunk_seconds"`
	MaxLocalClips int `yaml:"max_local_clips"`
}

// Upload holds the `upload` section.
type Upload struct {
	PresignedEndpoint      string `yaml:"presigned_endpoint"`
	MetadataEndpoint       string `yaml:"metadata_endpoint"`
	UploadCompleteEndpoint string `yaml:"upload_complete_endpoint"`
	MaxRetries             int    `yaml:"max_retries"`
	RetryBackoffSeconds    int    `yaml:"retry_backoff_seconds"`
}

// Sync holds the `sync` section.
type Sync struct {
	PackagesEndpoint    string `yaml:"packages_endpoint"`
	KBManifestEndpoint  string `yaml:"kb_manifest_endpoint"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ModelStoragePath    string `yaml:"model_storage_path"`
	PublicKeyPath       string `yaml:"public_key_path"`
	ReloadURL           string `yaml:"reload_url"`
}

// DeviceConfig is the root device configuration document.
type DeviceConfig struct {
	Device  Device  `yaml:"device"`
	Network Network `yaml:"network"`
	NVRList []NVR   `yaml:"nvr_list"`
	Ingest  Ingest  `yaml:"ingest"`
	Upload  Upload  `yaml:"upload"`
	Sync    Sync    `yaml:"sync"`
}

// Load reads and parses the YAML document at path, then validates it.
func Load(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigError{Field: path, Err: err}
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a DeviceConfig and validates it.
func Parse(data []byte) (*DeviceConfig, error) {
	var cfg DeviceConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &models.ConfigError{Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required fields and the cross-cutting "duplicate camera
// ID" invariant: camera IDs must be unique across every NVR, not just within
// one.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.Device.DeviceID) == "" {
		return &models.ConfigError{Field: "device.device_id", Err: fmt.Errorf("must not be empty")}
	}
	if strings.TrimSpace(c.Device.TenantID) == "" {
		return &models.ConfigError{Field: "device.tenant_id", Err: fmt.Errorf("must not be empty")}
	}
	if c.Device.MaxDiskUsagePercent <= 0 || c.Device.MaxDiskUsagePercent > 100 {
		return &models.ConfigError{Field: "device.max_disk_usage_percent", Err: fmt.Errorf("must be in (0,100], got %d", c.Device.MaxDiskUsagePercent)}
	}

	seen := make(map[string]string)
	for nvrIdx, nvr := range c.NVRList {
		if strings.TrimSpace(nvr.Host) == "" {
			return &models.ConfigError{Field: fmt.Sprintf("nvr_list[%d].host", nvrIdx), Err: fmt.Errorf("must not be empty")}
		}
		for camIdx, cam := range nvr.Cameras {
			field := fmt.Sprintf("nvr_list[%d].cameras[%d].id", nvrIdx, camIdx)
			if strings.TrimSpace(cam.ID) == "" {
				return &models.ConfigError{Field: field, Err: fmt.Errorf("must not be empty")}
			}
			if prevField, exists := seen[cam.ID]; exists {
				return &models.ConfigError{
					Field: field,
					Err:   fmt.Errorf("duplicate camera ID %q (already used at %s)", cam.ID, prevField),
				}
			}
			seen[cam.ID] = field
		}
	}

	if c.Upload.MaxRetries < 0 {
		return &models.ConfigError{Field: "upload.max_retries", Err: fmt.Errorf("must be >= 0")}
	}
	if c.Upload.RetryBackoffSeconds <= 0 {
		return &models.ConfigError{Field: "upload.retry_backoff_seconds", Err: fmt.Errorf("must be > 0")}
	}
	if c.Sync.PollIntervalSeconds <= 0 {
		return &models.ConfigError{Field: "sync.poll_interval_seconds", Err: fmt.Errorf("must be > 0")}
	}

	return nil
}
