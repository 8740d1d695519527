package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// diskBudget is the shared goroutine that pauses new segment starts once the
// clip volume crosses max_disk_usage_percent, evicts the oldest complete
// segment files older than keep_local_days first, and never kills a running
// segmenter purely for disk pressure.
type diskBudget struct {
	cfg        Config
	logger     *slog.Logger
	pausedFlag atomic.Bool
}

func newDiskBudget(cfg Config, logger *slog.Logger) *diskBudget {
	return &diskBudget{cfg: cfg, logger: logger}
}

// paused reports whether the base volume is currently over budget. Checked
// by segmenter.checkAndRestart before restarting a stopped segmenter.
func (d *diskBudget) paused() bool {
	return d.pausedFlag.Load()
}

// run ticks at cfg.DiskCheckInterval, sampling free space and evicting
// eligible files when over budget. cameraDirs maps camera_id to its
// {base}/{tenant}/{device}/{camera_id} directory.
func (d *diskBudget) run(ctx context.Context, cameraDirs map[string]string) {
	if d.cfg.ClipBase == "" {
		return
	}
	ticker := time.NewTicker(d.cfg.DiskCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(cameraDirs)
		}
	}
}

func (d *diskBudget) tick(cameraDirs map[string]string) {
	usage, err := diskUsagePercent(d.cfg.ClipBase)
	if err != nil {
		d.logger.Error("failed to sample disk usage", "path", d.cfg.ClipBase, "error", err)
		return
	}

	overBudget := usage > float64(d.cfg.MaxDiskUsagePercent)
	d.pausedFlag.Store(overBudget)

	if !overBudget {
		return
	}

	d.logger.Warn("disk usage over budget, pausing new segment starts and evicting oldest files",
		"usage_percent", usage, "max_percent", d.cfg.MaxDiskUsagePercent)
	evicted := d.evictOldest(cameraDirs)
	if evicted > 0 {
		d.logger.Info("evicted aged segment files", "count", evicted)
	}
}

// evictOldest deletes complete segment files older than keep_local_days,
// oldest first, skipping the single most-recently-modified file in each
// camera directory (assumed to be the segment currently being written).
func (d *diskBudget) evictOldest(cameraDirs map[string]string) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.KeepLocalDays)
	evicted := 0

	for _, dir := range cameraDirs {
		files, newest := listSegmentFiles(dir)
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		for _, f := range files {
			if f.path == newest {
				continue
			}
			if f.modTime.After(cutoff) {
				continue
			}
			if err := os.Remove(f.path); err != nil {
				d.logger.Error("failed to evict aged segment file", "path", f.path, "error", err)
				continue
			}
			evicted++
		}
	}
	return evicted
}

type segmentFile struct {
	path    string
	modTime time.Time
}

// listSegmentFiles walks a camera directory's date-partitioned subtrees and
// returns every .mp4 file along with the path of the most recently modified
// one (the in-progress segment to never evict).
func listSegmentFiles(cameraDir string) (files []segmentFile, newest string) {
	var newestTime time.Time
	_ = filepath.WalkDir(cameraDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".mp4" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, segmentFile{path: path, modTime: info.ModTime()})
		if info.ModTime().After(newestTime) {
			newestTime = info.ModTime()
			newest = path
		}
		return nil
	})
	return files, newest
}

// diskUsagePercent reports the percentage of the filesystem containing path
// currently in use, via unix.Statfs.
func diskUsagePercent(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := total - free
	return float64(used) / float64(total) * 100, nil
}
