package ingest

import (
	"context"
	"log/slog"
	"os/exec"
	"testing"
	"time"
)

// fakeFactory returns a CommandFactory that runs a short-lived shell command
// instead of ffmpeg, so the restart state machine can be exercised without a
// real segmenter binary.
func fakeFactory(script string) CommandFactory {
	return func(camera CameraSpec, chunkSeconds int, outputPattern string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSegmenter_StartStop(t *testing.T) {
	cfg := Config{ClipBase: t.TempDir(), ChunkSeconds: 2}.withDefaults()
	cam := CameraSpec{ID: "cam1", TenantID: "t1", DeviceID: "d1", RTSPURL: "rtsp://example/cam1"}
	seg := newSegmenter(cam, cfg, fakeFactory("sleep 5"), discardLogger())

	if err := seg.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !seg.running() {
		t.Fatal("expected segmenter to be running after start")
	}

	seg.stop()
	if seg.running() {
		t.Fatal("expected segmenter to be stopped")
	}
}

func TestSegmenter_CheckAndRestart_RestartsOnExit(t *testing.T) {
	cfg := Config{ClipBase: t.TempDir(), ChunkSeconds: 2, RestartBackoffCap: time.Second, RestartJitter: 0}.withDefaults()
	cfg.RestartBackoffCap = 0 // 0 leaves RestartBackoff uncapped; the test's 2s context bounds the wait
	cam := CameraSpec{ID: "cam1", TenantID: "t1", DeviceID: "d1", RTSPURL: "rtsp://example/cam1"}
	seg := newSegmenter(cam, cfg, fakeFactory("exit 1"), discardLogger())

	if err := seg.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the fast-exiting child time to die.
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seg.checkAndRestart(ctx, func() bool { return false })

	if seg.restartCount != 1 {
		t.Fatalf("restartCount = %d, want 1", seg.restartCount)
	}
	seg.stop()
}

func TestSegmenter_CheckAndRestart_DeferredWhenDiskPaused(t *testing.T) {
	cfg := Config{ClipBase: t.TempDir(), ChunkSeconds: 2, RestartBackoffCap: 0, RestartJitter: 0}.withDefaults()
	cam := CameraSpec{ID: "cam1", TenantID: "t1", DeviceID: "d1", RTSPURL: "rtsp://example/cam1"}
	seg := newSegmenter(cam, cfg, fakeFactory("exit 1"), discardLogger())

	if err := seg.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seg.checkAndRestart(ctx, func() bool { return true })

	if seg.running() {
		t.Fatal("expected restart to be withheld while disk budget is paused")
	}
}

func TestSegmenter_OutputPattern_DatePartitioned(t *testing.T) {
	cfg := Config{ClipBase: "/clips"}.withDefaults()
	cam := CameraSpec{ID: "cam1", TenantID: "t1", DeviceID: "d1"}
	seg := newSegmenter(cam, cfg, fakeFactory("true"), discardLogger())

	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	got := seg.outputPattern(now)
	want := "/clips/t1/d1/cam1/20260729/%Y%m%d_%H%M%S.mp4"
	if got != want {
		t.Fatalf("outputPattern = %q, want %q", got, want)
	}
}
