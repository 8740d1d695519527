// Command aggregator serves the device-local event/upload CRUD HTTP surface
// the Uploader and control-plane client talk to.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-node-agent/internal/cliutil"
	"edge-node-agent/internal/config"
	"edge-node-agent/internal/models"
	"edge-node-agent/internal/observability/logging"
	"edge-node-agent/internal/observability/metrics"
	"edge-node-agent/internal/serverutil"
	"edge-node-agent/internal/store"

	"edge-node-agent/internal/aggregator"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", cliutil.EnvOrDefault("EDGE_AGENT_CONFIG", "config.yaml"), "path to the device configuration YAML file")
	addr := flag.String("addr", "", "listen address override (default :8080, or EDGE_AGGREGATOR_ADDR)")
	dbPath := flag.String("db", "", "path to the SQLite store file override (default EDGE_STORE_PATH or state.db)")
	logFormat := flag.String("log-format", "", "log format: json or text (default EDGE_LOG_FORMAT or json)")
	logLevel := flag.String("log-level", "", "log level (default EDGE_LOG_LEVEL or info)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  cliutil.FirstNonEmpty(*logLevel, os.Getenv("EDGE_LOG_LEVEL"), "info"),
		Format: cliutil.FirstNonEmpty(*logFormat, os.Getenv("EDGE_LOG_FORMAT"), "json"),
	})
	logger = logging.WithComponent(logger, "aggregator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	listenAddr := cliutil.FirstNonEmpty(*addr, os.Getenv("EDGE_AGGREGATOR_ADDR"), ":8080")
	storePath := cliutil.FirstNonEmpty(*dbPath, os.Getenv("EDGE_STORE_PATH"), "state.db")

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

	recorder := metrics.New()
	handler := aggregator.New(st, cfg.Device.TenantID, cfg.Device.DeviceID, logger)

	mux := handler.Mux()
	mux.Handle("/metrics", recorder.Handler())

	var h http.Handler = mux
	h = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(h)
	h = aggregator.RequestIDMiddleware(logger)(h)
	h = metrics.HTTPMiddleware(recorder, h)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("aggregator listening", "addr", listenAddr)
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
			var fatal *models.FatalError
			if errors.As(err, &fatal) {
				return 2
			}
			return 1
		}
	}

	<-errs
	logger.Info("aggregator stopped")
	return 0
}
