// Command uploader drains the pending-upload queue: presign, PUT, complete,
// metadata, retried with backoff against the central API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-node-agent/internal/cliutil"
	"edge-node-agent/internal/config"
	"edge-node-agent/internal/observability/logging"
	"edge-node-agent/internal/store"
	"edge-node-agent/internal/tlsutil"
	"edge-node-agent/internal/uploader"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", cliutil.EnvOrDefault("EDGE_AGENT_CONFIG", "config.yaml"), "path to the device configuration YAML file")
	dbPath := flag.String("db", "", "path to the SQLite store file override (default EDGE_STORE_PATH or state.db)")
	workers := flag.Int("workers", 0, "upload worker pool size override")
	logFormat := flag.String("log-format", "", "log format: json or text")
	logLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  cliutil.FirstNonEmpty(*logLevel, os.Getenv("EDGE_LOG_LEVEL"), "info"),
		Format: cliutil.FirstNonEmpty(*logFormat, os.Getenv("EDGE_LOG_FORMAT"), "json"),
	})
	logger = logging.WithComponent(logger, "uploader")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	storePath := cliutil.FirstNonEmpty(os.Getenv("EDGE_STORE_PATH"), *dbPath, "state.db")
	st, err := store.New(storePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Initialize(ctx); err != nil {
		logger.Error("failed to initialize store", "error", err)
		return 1
	}

	processor, err := uploader.New(st, uploader.Config{
		ClientConfig: uploader.ClientConfig{
			APIBase:                cfg.Network.APIBase,
			PresignedEndpoint:      cfg.Upload.PresignedEndpoint,
			UploadCompleteEndpoint: cfg.Upload.UploadCompleteEndpoint,
			MetadataEndpoint:       cfg.Upload.MetadataEndpoint,
			Timeout:                time.Duration(cfg.Network.APITimeoutSecs) * time.Second,
			UseMTLS:                cfg.Network.UseMTLS,
			CertPaths: tlsutil.CertPaths{
				ClientCert: cfg.Network.CertPaths.ClientCert,
				ClientKey:  cfg.Network.CertPaths.ClientKey,
				CACert:     cfg.Network.CertPaths.CACert,
			},
			TenantID: cfg.Device.TenantID,
			DeviceID: cfg.Device.DeviceID,
		},
		MaxRetries:          cfg.Upload.MaxRetries,
		RetryBackoffSeconds: time.Duration(cfg.Upload.RetryBackoffSeconds) * time.Second,
		Workers:             cliutil.ResolveInt(os.Getenv("EDGE_UPLOADER_WORKERS"), *workers),
		RecoveryThreshold:   st.RecoveryThreshold(),
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to construct upload processor", "error", err)
		return 1
	}

	processor.Start()
	logger.Info("uploader started")

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("upload processor shutdown did not complete cleanly", "error", err)
	}

	logger.Info("uploader stopped")
	return 0
}
