package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ExtractClip builds a single clip file covering [from, to] for cameraID by
// walking the date-partitioned segment tree, selecting every segment file
// whose name overlaps the window, and stitching them with ffmpeg's concat
// demuxer.
func (s *Supervisor) ExtractClip(ctx context.Context, cameraID string, from, to time.Time) (string, error) {
	s.mu.RLock()
	seg, ok := s.segmenters[cameraID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown camera %q", cameraID)
	}

	files, err := segmentsInRange(seg.cameraDir(), from, to)
	if err != nil {
		return "", fmt.Errorf("list segments for camera %q: %w", cameraID, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no local segments for camera %q covering %s to %s", cameraID, from, to)
	}

	outDir := s.cfg.ExtractedDir
	if outDir == "" {
		outDir = filepath.Join(s.cfg.ClipBase, "extracted")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create extracted dir: %w", err)
	}

	stamp := func(t time.Time) string { return t.UTC().Format("20060102T150405Z") }
	outputPath := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s.mp4", cameraID, stamp(from), stamp(to)))

	listPath, err := writeConcatList(outDir, cameraID, files)
	if err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg concat failed: %w: %s", err, out)
	}

	return outputPath, nil
}

// segmentsInRange returns, in chronological order, every segment file under
// cameraDir whose start timestamp (parsed from its strftime-formatted name)
// is no more than one hour before from and not after to. A segment that
// starts before from but could still contain data overlapping the window is
// included by that one-hour margin; date directories are scanned from the day
// before from's date so the margin also works across midnight.
func segmentsInRange(cameraDir string, from, to time.Time) ([]string, error) {
	var matches []struct {
		path string
		t    time.Time
	}

	start := from.UTC().AddDate(0, 0, -1)
	for d := start; !d.After(to.UTC()); d = d.AddDate(0, 0, 1) {
		dateDir := filepath.Join(cameraDir, d.Format("20060102"))
		entries, err := os.ReadDir(dateDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".mp4" {
				continue
			}
			t, err := parseSegmentTime(e.Name())
			if err != nil {
				continue
			}
			if t.Before(from.UTC().Add(-time.Hour)) || t.After(to.UTC()) {
				continue
			}
			matches = append(matches, struct {
				path string
				t    time.Time
			}{filepath.Join(dateDir, e.Name()), t})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].t.Before(matches[j].t) })

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.path)
	}
	return out, nil
}

// parseSegmentTime recovers the timestamp encoded in a segment file name
// written with the "%Y%m%d_%H%M%S.mp4" strftime pattern used by the
// segmenter's output.
func parseSegmentTime(name string) (time.Time, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return time.Parse("20060102_150405", base)
}

// writeConcatList writes an ffmpeg concat-demuxer list file naming each
// segment in order, required because ffmpeg's concat demuxer refuses to take
// its input list on stdin combined with -safe 0 path handling.
func writeConcatList(dir, cameraID string, files []string) (string, error) {
	f, err := os.CreateTemp(dir, cameraID+"-concat-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, path := range files {
		if _, err := fmt.Fprintf(f, "file '%s'\n", path); err != nil {
			return "", err
		}
	}
	return f.Name(), nil
}
