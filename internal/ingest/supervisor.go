package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Controller is the ingest supervisor surface the control-plane client and
// the watchdog depend on. *Supervisor satisfies it; NoopController is the
// default used by components that run without a wired ingest supervisor
// (e.g. in tests or on a node with no configured cameras).
type Controller interface {
	ExtractClip(ctx context.Context, cameraID string, from, to time.Time) (string, error)
	Status() []CameraStatus
}

// CameraStatus reports the live state of one camera's segmenter.
type CameraStatus struct {
	CameraID     string `json:"camera_id"`
	Running      bool   `json:"running"`
	RestartCount int    `json:"restart_count"`
	RTSPURL      string `json:"rtsp_url"`
}

// NoopController implements Controller with clip extraction and status
// methods that report "no cameras configured" rather than nil-panicking,
// the same default-stub shape used elsewhere when an optional
// collaborator isn't wired.
type NoopController struct{}

func (NoopController) ExtractClip(ctx context.Context, cameraID string, from, to time.Time) (string, error) {
	return "", fmt.Errorf("no ingest supervisor configured")
}

func (NoopController) Status() []CameraStatus { return nil }

// Supervisor owns one segmenter per configured camera plus the shared
// disk-budget goroutine.
type Supervisor struct {
	cfg     Config
	cameras []CameraSpec
	logger  *slog.Logger
	newCmd  CommandFactory

	mu         sync.RWMutex
	segmenters map[string]*segmenter
	disk       *diskBudget

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Supervisor for the given cameras. factory may be nil to
// use DefaultCommandFactory.
func New(cameras []CameraSpec, cfg Config, logger *slog.Logger, factory CommandFactory) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:        cfg,
		cameras:    cameras,
		logger:     logger,
		newCmd:     factory,
		segmenters: make(map[string]*segmenter, len(cameras)),
	}
}

// Start launches every camera's segmenter plus the monitor and disk-budget
// goroutines. Start returns once all segmenters have been launched (or
// failed to launch); monitoring continues until ctx is cancelled or Stop is
// called.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	s.disk = newDiskBudget(s.cfg, s.logger)

	s.mu.Lock()
	for _, cam := range s.cameras {
		seg := newSegmenter(cam, s.cfg, s.newCmd, s.logger.With("camera_id", cam.ID))
		s.segmenters[cam.ID] = seg
		if err := seg.start(); err != nil {
			s.logger.Error("failed to start segmenter", "camera_id", cam.ID, "error", err)
		}
	}
	s.mu.Unlock()

	for _, cam := range s.cameras {
		seg := s.segmenters[cam.ID]
		group.Go(func() error {
			s.monitorLoop(groupCtx, seg)
			return nil
		})
	}

	group.Go(func() error {
		s.disk.run(groupCtx, s.cameraDirs())
		return nil
	})

	return nil
}

// Stop signals every goroutine to exit and stops each segmenter in turn,
// waiting up to the group's lifetime for monitors to observe shutdown.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.RLock()
	segs := make([]*segmenter, 0, len(s.segmenters))
	for _, seg := range s.segmenters {
		segs = append(segs, seg)
	}
	s.mu.RUnlock()

	for _, seg := range segs {
		seg.stop()
	}

	if s.group != nil {
		done := make(chan struct{})
		go func() {
			s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) monitorLoop(ctx context.Context, seg *segmenter) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seg.checkAndRestart(ctx, s.disk.paused)
		}
	}
}

func (s *Supervisor) cameraDirs() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dirs := make(map[string]string, len(s.segmenters))
	for id, seg := range s.segmenters {
		dirs[id] = seg.cameraDir()
	}
	return dirs
}

// Status reports the live state of every camera's segmenter.
func (s *Supervisor) Status() []CameraStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CameraStatus, 0, len(s.segmenters))
	for _, cam := range s.cameras {
		seg := s.segmenters[cam.ID]
		if seg == nil {
			continue
		}
		seg.mu.Lock()
		out = append(out, CameraStatus{
			CameraID:     cam.ID,
			Running:      seg.cmd != nil,
			RestartCount: seg.restartCount,
			RTSPURL:      cam.RTSPURL,
		})
		seg.mu.Unlock()
	}
	return out
}
