package control

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// gpuThermalZone is the sysfs sensor the default telemetry reads, in
// millidegrees Celsius. Absent on hosts without a mapped thermal zone, in
// which case the heartbeat reports 0.
const gpuThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// DefaultTelemetry samples the free-disk percentage of the volume containing
// path and the GPU temperature from sysfs. Either figure degrades to 0 when
// its source is unavailable rather than failing the heartbeat.
func DefaultTelemetry(path string) TelemetryFunc {
	return func() (float64, float64) {
		return freeDiskPercent(path), gpuTempCelsius(gpuThermalZone)
	}
}

func freeDiskPercent(path string) float64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	free := stat.Bavail * uint64(stat.Bsize)
	return float64(free) / float64(total) * 100
}

func gpuTempCelsius(zonePath string) float64 {
	raw, err := os.ReadFile(zonePath)
	if err != nil {
		return 0
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return float64(milli) / 1000
}
