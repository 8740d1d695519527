package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSegment(t *testing.T, dir, name string, modTime time.Time) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("segment"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDiskBudget_EvictOldest_SkipsNewestAndRecentFiles(t *testing.T) {
	base := t.TempDir()
	cameraDir := filepath.Join(base, "cam1")
	dateDir := filepath.Join(cameraDir, "20260101")

	now := time.Now().UTC()
	old := writeSegment(t, dateDir, "20260101_000000.mp4", now.AddDate(0, 0, -10))
	middle := writeSegment(t, dateDir, "20260101_010000.mp4", now.AddDate(0, 0, -3))
	newest := writeSegment(t, dateDir, "20260101_020000.mp4", now)

	d := newDiskBudget(Config{KeepLocalDays: 7}, discardLogger())
	evicted := d.evictOldest(map[string]string{"cam1": cameraDir})

	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected oldest file to be evicted")
	}
	if _, err := os.Stat(middle); err != nil {
		t.Error("middle file within keep window should survive")
	}
	if _, err := os.Stat(newest); err != nil {
		t.Error("newest file should never be evicted")
	}
}

func TestDiskBudget_Tick_PausesOverBudgetNoEvictionNeeded(t *testing.T) {
	base := t.TempDir()
	d := newDiskBudget(Config{ClipBase: base, MaxDiskUsagePercent: 0, KeepLocalDays: 7}, discardLogger())

	d.tick(map[string]string{})

	if !d.paused() {
		t.Fatal("expected disk budget to report paused when usage exceeds a 0% threshold")
	}
}
