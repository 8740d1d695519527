// Command watchdog aggregates the health of the agent's local HTTP services
// and restarts any that fail enough consecutive probes in a row.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"edge-node-agent/internal/cliutil"
	"edge-node-agent/internal/observability/logging"
	"edge-node-agent/internal/observability/metrics"
	"edge-node-agent/internal/serverutil"
	"edge-node-agent/internal/watchdog"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "listen address for the aggregated /health endpoint (default :8090, or EDGE_WATCHDOG_ADDR)")
	interval := flag.Duration("check-interval", 0, "probe cadence override (default EDGE_WATCHDOG_INTERVAL or 10s)")
	threshold := flag.Int("failure-threshold", 0, "consecutive failures before a service is marked CRITICAL (default EDGE_WATCHDOG_THRESHOLD or 3)")
	restartCmdTemplate := flag.String("restart-cmd", "", "shell command template run on CRITICAL, with %s substituted for the service name (default EDGE_WATCHDOG_RESTART_CMD, empty disables restarts)")
	logFormat := flag.String("log-format", "", "log format: json or text")
	logLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  cliutil.FirstNonEmpty(*logLevel, os.Getenv("EDGE_LOG_LEVEL"), "info"),
		Format: cliutil.FirstNonEmpty(*logFormat, os.Getenv("EDGE_LOG_FORMAT"), "json"),
	})
	logger = logging.WithComponent(logger, "watchdog")

	cfg := watchdog.Config{
		Services: []watchdog.ServiceConfig{
			{Name: "aggregator", HealthURL: cliutil.FirstNonEmpty(os.Getenv("EDGE_AGGREGATOR_URL"), "http://localhost:8080") + "/health"},
			{Name: "ingest", HealthURL: cliutil.FirstNonEmpty(os.Getenv("EDGE_INGEST_URL"), "http://localhost:8082") + "/health"},
		},
		CheckInterval:    cliutil.ResolveDuration(os.Getenv("EDGE_WATCHDOG_INTERVAL"), *interval),
		FailureThreshold: cliutil.ResolveInt(os.Getenv("EDGE_WATCHDOG_THRESHOLD"), *threshold),
	}

	restartTemplate := cliutil.FirstNonEmpty(*restartCmdTemplate, os.Getenv("EDGE_WATCHDOG_RESTART_CMD"))
	var hook watchdog.RestartHook
	if restartTemplate != "" {
		hook = shellRestartHook(restartTemplate, logger)
	}

	recorder := metrics.New()
	w := watchdog.New(cfg, nil, hook, logger, recorder)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Start(ctx)
	logger.Info("watchdog started", "services", len(cfg.Services))

	mux := http.NewServeMux()
	mux.Handle("/health", w.Handler())
	mux.Handle("/metrics", recorder.Handler())

	srv := &http.Server{
		Addr:              cliutil.FirstNonEmpty(*addr, os.Getenv("EDGE_WATCHDOG_ADDR"), ":8090"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("watchdog API listening", "addr", srv.Addr)
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

	w.Stop()
	logger.Info("watchdog stopped")
	return 0
}

// shellRestartHook runs restartCmdTemplate through /bin/sh -c, substituting
// the service name for the first %s. Process-manager integration proper
// (systemd/Docker) is out of scope; this is the pluggable seam it would hang
// off of.
func shellRestartHook(template string, logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) watchdog.RestartHook {
	return func(service string) error {
		cmdStr := fmt.Sprintf(template, service)
		cmd := exec.Command("/bin/sh", "-c", cmdStr)
		out, err := cmd.CombinedOutput()
		if err != nil {
			logger.Error("restart command failed", "service", service, "error", err, "output", string(out))
			return err
		}
		logger.Info("restart command succeeded", "service", service, "output", string(out))
		return nil
	}
}
