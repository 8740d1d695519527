// Package rtsp resolves camera RTSP URLs from device configuration. ONVIF
// discovery is treated as an external collaborator; this resolver always
// applies the NVR's configured URL template.
package rtsp

import (
	"fmt"
	"strconv"
	"strings"

	"edge-node-agent/internal/config"
)

// Resolve produces a map of camera_id -> rtsp url for every camera across
// every configured NVR, applying the NVR's camera_rtsp_template.
func Resolve(cfg *config.DeviceConfig) (map[string]string, error) {
	urls := make(map[string]string, len(cfg.NVRList))
	for _, nvr := range cfg.NVRList {
		for _, cam := range nvr.Cameras {
			url, err := FormatURL(nvr.CameraRTSPTemplate, nvr, cam.Index)
			if err != nil {
				return nil, fmt.Errorf("resolve camera %q: %w", cam.ID, err)
			}
			urls[cam.ID] = url
		}
	}
	return urls, nil
}

// FormatURL substitutes {username}, {password}, {host}, {index} placeholders
// in template with values from nvr and the given camera index.
func FormatURL(template string, nvr config.NVR, index int) (string, error) {
	if template == "" {
		return "", fmt.Errorf("camera_rtsp_template is empty")
	}
	replacer := strings.NewReplacer(
		"{username}", nvr.Username,
		"{password}", nvr.Password,
		"{host}", nvr.Host,
		"{index}", strconv.Itoa(index),
	)
	return replacer.Replace(template), nil
}
