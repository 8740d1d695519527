// Command ingest runs one segmenter per configured camera, restarts them
// with backoff, enforces the disk budget, and serves on-demand clip
// extraction over a small local HTTP surface the control-plane process
// calls into.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-node-agent/internal/cliutil"
	"edge-node-agent/internal/config"
	"edge-node-agent/internal/ingest"
	"edge-node-agent/internal/observability/logging"
	"edge-node-agent/internal/observability/metrics"
	"edge-node-agent/internal/rtsp"
	"edge-node-agent/internal/serverutil"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", cliutil.EnvOrDefault("EDGE_AGENT_CONFIG", "config.yaml"), "path to the device configuration YAML file")
	addr := flag.String("addr", "", "listen address override for the local clip-extraction API (default :8082, or EDGE_INGEST_ADDR)")
	clipBase := flag.String("clip-base", "", "root directory for segmented clips override (default EDGE_CLIP_BASE or /var/lib/edge-agent/clips)")
	logFormat := flag.String("log-format", "", "log format: json or text")
	logLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  cliutil.FirstNonEmpty(*logLevel, os.Getenv("EDGE_LOG_LEVEL"), "info"),
		Format: cliutil.FirstNonEmpty(*logFormat, os.Getenv("EDGE_LOG_FORMAT"), "json"),
	})
	logger = logging.WithComponent(logger, "ingest")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	rtspURLs, err := rtsp.Resolve(cfg)
	if err != nil {
		logger.Error("failed to resolve camera RTSP URLs", "error", err)
		return 1
	}

	var cameras []ingest.CameraSpec
	for _, nvr := range cfg.NVRList {
		for _, cam := range nvr.Cameras {
			cameras = append(cameras, ingest.CameraSpec{
				ID:       cam.ID,
				RTSPURL:  rtspURLs[cam.ID],
				TenantID: cfg.Device.TenantID,
				DeviceID: cfg.Device.DeviceID,
			})
		}
	}

	recorder := metrics.New()
	base := cliutil.FirstNonEmpty(*clipBase, os.Getenv("EDGE_CLIP_BASE"), "/var/lib/edge-agent/clips")
	sup := ingest.New(cameras, ingest.Config{
		ClipBase:            base,
		ChunkSeconds:        cfg.Ingest.ChunkSeconds,
		MaxDiskUsagePercent: cfg.Device.MaxDiskUsagePercent,
		KeepLocalDays:       cfg.Device.KeepLocalDays,
		Recorder:            recorder,
	}, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start ingest supervisor", "error", err)
		return 1
	}
	logger.Info("ingest supervisor started", "cameras", len(cameras))

	mux := http.NewServeMux()
	mux.HandleFunc("/clips/extract", extractHandler(sup, logger))
	mux.HandleFunc("/status", statusHandler(sup))
	mux.HandleFunc("/health", healthHandler(sup))
	mux.Handle("/metrics", recorder.Handler())

	var h http.Handler = mux
	h = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(h)
	h = metrics.HTTPMiddleware(recorder, h)

	srv := &http.Server{
		Addr:              cliutil.FirstNonEmpty(*addr, os.Getenv("EDGE_INGEST_ADDR"), ":8082"),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("ingest API listening", "addr", srv.Addr)
		if err := serverutil.Run(ctx, serverutil.Config{Server: srv}); err != nil {
			errs <- err
		}
		close(errs)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errs:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}
	<-errs

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		logger.Warn("ingest supervisor did not stop cleanly", "error", err)
	}

	logger.Info("ingest stopped")
	return 0
}

type extractRequest struct {
	CameraID string    `json:"camera_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

type extractResponse struct {
	ClipPath string `json:"clip_path"`
}

func extractHandler(ctrl ingest.Controller, logger interface {
	Error(msg string, args ...any)
}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req extractRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		path, err := ctrl.ExtractClip(r.Context(), req.CameraID, req.From, req.To)
		if err != nil {
			logger.Error("clip extraction failed", "camera_id", req.CameraID, "error", err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(extractResponse{ClipPath: path})
	}
}

func statusHandler(ctrl ingest.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ctrl.Status())
	}
}

func healthHandler(ctrl ingest.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := ctrl.Status()
		allRunning := true
		for _, s := range statuses {
			if !s.Running {
				allRunning = false
				break
			}
		}
		status := "ok"
		code := http.StatusOK
		if !allRunning {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "cameras": statuses})
	}
}
