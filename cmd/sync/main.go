// Command sync periodically polls the central API for new model packages
// and knowledge-base deltas, verifying and installing each atomically.
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
	"edge-node-agent/internal/sync"
	"edge-node-agent/internal/tlsutil"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", cliutil.EnvOrDefault("EDGE_AGENT_CONFIG", "config.yaml"), "path to the device configuration YAML file")
	dbPath := flag.String("db", "", "path to the SQLite store file override (default EDGE_STORE_PATH or state.db)")
	logFormat := flag.String("log-format", "", "log format: json or text")
	logLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  cliutil.FirstNonEmpty(*logLevel, os.Getenv("EDGE_LOG_LEVEL"), "info"),
		Format: cliutil.FirstNonEmpty(*logFormat, os.Getenv("EDGE_LOG_FORMAT"), "json"),
	})
	logger = logging.WithComponent(logger, "sync")

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

	worker, err := sync.New(st, cfg.Device.DeviceID, sync.Config{
		ClientConfig: sync.ClientConfig{
			APIBase:            cfg.Network.APIBase,
			PackagesEndpoint:   cfg.Sync.PackagesEndpoint,
			KBManifestEndpoint: cfg.Sync.KBManifestEndpoint,
			Timeout:            time.Duration(cfg.Network.APITimeoutSecs) * time.Second,
			UseMTLS:            cfg.Network.UseMTLS,
			CertPaths: tlsutil.CertPaths{
				ClientCert: cfg.Network.CertPaths.ClientCert,
				ClientKey:  cfg.Network.CertPaths.ClientKey,
				CACert:     cfg.Network.CertPaths.CACert,
			},
		},
		ModelStoragePath: cfg.Sync.ModelStoragePath,
		PublicKeyPath:    cfg.Sync.PublicKeyPath,
		ReloadURL:        cfg.Sync.ReloadURL,
		PollInterval:     time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second,
	}, logger)
	if err != nil {
		logger.Error("failed to construct sync worker", "error", err)
		return 1
	}

	worker.Start(ctx)
	logger.Info("sync worker started", "poll_interval_seconds", cfg.Sync.PollIntervalSeconds)

	<-ctx.Done()
	logger.Info("received shutdown signal")
	worker.Stop()

	logger.Info("sync stopped")
	return 0
}
