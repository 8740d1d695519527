package store

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	if cfg.busyTimeout != 5*time.Second {
		t.Errorf("busyTimeout = %v", cfg.busyTimeout)
	}
	if cfg.recoveryThreshold != 10*time.Minute {
		t.Errorf("recoveryThreshold = %v", cfg.recoveryThreshold)
	}
	if !cfg.foreignKeysEnabled {
		t.Errorf("foreignKeysEnabled should default true")
	}
}

func TestWithBusyTimeoutAppliesPositiveOnly(t *testing.T) {
	cfg := defaultConfig()
	WithBusyTimeout(2 * time.Second).apply(&cfg)
	if cfg.busyTimeout != 2*time.Second {
		t.Errorf("busyTimeout = %v", cfg.busyTimeout)
	}

	WithBusyTimeout(0).apply(&cfg)
	if cfg.busyTimeout != 2*time.Second {
		t.Errorf("zero duration should be ignored, got %v", cfg.busyTimeout)
	}

	WithBusyTimeout(-time.Second).apply(&cfg)
	if cfg.busyTimeout != 2*time.Second {
		t.Errorf("negative duration should be ignored, got %v", cfg.busyTimeout)
	}
}

func TestWithRecoveryThresholdAppliesPositiveOnly(t *testing.T) {
	cfg := defaultConfig()
	WithRecoveryThreshold(30 * time.Minute).apply(&cfg)
	if cfg.recoveryThreshold != 30*time.Minute {
		t.Errorf("recoveryThreshold = %v", cfg.recoveryThreshold)
	}

	WithRecoveryThreshold(0).apply(&cfg)
	if cfg.recoveryThreshold != 30*time.Minute {
		t.Errorf("zero duration should be ignored, got %v", cfg.recoveryThreshold)
	}
}
