// Package retry implements the exponential-backoff-with-jitter formula shared
// by the Uploader and the Sync worker.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes min(base*2^(attempt-1) + uniform(0, base), cap) seconds,
// expressed as a time.Duration. attempt is 1-indexed: the first retry after a
// failure passes attempt=1.
func Backoff(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	exp := math.Pow(2, float64(attempt-1))
	delay := float64(base) * exp
	delay += rand.Float64() * float64(base)
	if cap > 0 && time.Duration(delay) > cap {
		return cap
	}
	return time.Duration(delay)
}

// RestartBackoff computes min(2^restartCount, capSeconds) + uniform(0, jitter)
// seconds, the formula the Ingest supervisor uses to space out segmenter
// restarts.
func RestartBackoff(restartCount int, capSeconds time.Duration, jitter time.Duration) time.Duration {
	if restartCount < 0 {
		restartCount = 0
	}
	seconds := math.Pow(2, float64(restartCount))
	if capSeconds > 0 && seconds > capSeconds.Seconds() {
		seconds = capSeconds.Seconds()
	}
	delay := time.Duration(seconds * float64(time.Second))
	if jitter > 0 {
		delay += time.Duration(rand.Float64() * float64(jitter))
	}
	return delay
}
