package ingest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestParseSegmentTime(t *testing.T) {
	got, err := parseSegmentTime("20260729_103000.mp4")
	if err != nil {
		t.Fatalf("parseSegmentTime: %v", err)
	}
	want := time.Date(2026, 7, 29, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSegmentsInRange_SelectsOverlappingFiles(t *testing.T) {
	base := t.TempDir()
	dateDir := filepath.Join(base, "20260729")
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	names := []string{"20260729_095500.mp4", "20260729_100000.mp4", "20260729_110000.mp4", "20260729_120500.mp4"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dateDir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	from := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 29, 11, 30, 0, 0, time.UTC)

	got, err := segmentsInRange(base, from, to)
	if err != nil {
		t.Fatalf("segmentsInRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d files, want 3: %v", len(got), got)
	}
	wantLast := filepath.Join(dateDir, "20260729_110000.mp4")
	if got[len(got)-1] != wantLast {
		t.Fatalf("last match = %q, want %q", got[len(got)-1], wantLast)
	}
}

func TestSupervisor_ExtractClip_UnknownCamera(t *testing.T) {
	sup := New(nil, Config{ClipBase: t.TempDir()}, discardLogger(), nil)
	sup.segmenters = map[string]*segmenter{}

	_, err := sup.ExtractClip(context.Background(), "missing", time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error for unknown camera")
	}
}

func TestSupervisor_ExtractClip_StitchesSegments(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell to fake ffmpeg")
	}

	base := t.TempDir()
	cfg := Config{ClipBase: base}.withDefaults()
	cam := CameraSpec{ID: "cam1", TenantID: "t1", DeviceID: "d1"}
	sup := New([]CameraSpec{cam}, cfg, discardLogger(), fakeFactory("true"))
	sup.segmenters = map[string]*segmenter{
		"cam1": newSegmenter(cam, cfg, fakeFactory("true"), discardLogger()),
	}

	cameraDir := sup.segmenters["cam1"].cameraDir()
	dateDir := filepath.Join(cameraDir, "20260729")
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dateDir, "20260729_100000.mp4"), []byte("seg"), 0o644); err != nil {
		t.Fatal(err)
	}

	fakeFFmpegDir := installFakeFFmpeg(t)
	t.Setenv("PATH", fakeFFmpegDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	from := time.Date(2026, 7, 29, 9, 30, 0, 0, time.UTC)
	to := time.Date(2026, 7, 29, 10, 30, 0, 0, time.UTC)
	path, err := sup.ExtractClip(context.Background(), "cam1", from, to)
	if err != nil {
		t.Fatalf("ExtractClip: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected output file at %q: %v", path, err)
	}
}

// installFakeFFmpeg writes a script named ffmpeg that, when invoked with
// "-f concat ... -i <list> ... <output>", writes a placeholder file at the
// final argument, standing in for a real stitch during tests.
func installFakeFFmpeg(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
eval last=\${$#}
echo stitched > "$last"
`
	path := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}
