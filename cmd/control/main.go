// Command control runs the mTLS MQTT client: publishes heartbeats, and
// dispatches on-demand clip-extraction requests to the ingest service's
// local HTTP API, re-entering the pipeline through the aggregator once a
// clip has been stitched.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-node-agent/internal/cliutil"
	"edge-node-agent/internal/config"
	"edge-node-agent/internal/control"
	"edge-node-agent/internal/ingest"
	"edge-node-agent/internal/observability/logging"
	"edge-node-agent/internal/store"
	"edge-node-agent/internal/tlsutil"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", cliutil.EnvOrDefault("EDGE_AGENT_CONFIG", "config.yaml"), "path to the device configuration YAML file")
	dbPath := flag.String("db", "", "path to the SQLite store file override (default EDGE_STORE_PATH or state.db)")
	ingestAddr := flag.String("ingest-addr", "", "base URL of the local ingest clip-extraction API (default EDGE_INGEST_URL or http://localhost:8082)")
	aggregatorAddr := flag.String("aggregator-addr", "", "base URL of the local aggregator API (default EDGE_AGGREGATOR_URL or http://localhost:8080)")
	logFormat := flag.String("log-format", "", "log format: json or text")
	logLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  cliutil.FirstNonEmpty(*logLevel, os.Getenv("EDGE_LOG_LEVEL"), "info"),
		Format: cliutil.FirstNonEmpty(*logFormat, os.Getenv("EDGE_LOG_FORMAT"), "json"),
	})
	logger = logging.WithComponent(logger, "control")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	ingestBase := cliutil.FirstNonEmpty(*ingestAddr, os.Getenv("EDGE_INGEST_URL"), "http://localhost:8082")
	aggregatorBase := cliutil.FirstNonEmpty(*aggregatorAddr, os.Getenv("EDGE_AGGREGATOR_URL"), "http://localhost:8080")

	storePath := cliutil.FirstNonEmpty(os.Getenv("EDGE_STORE_PATH"), *dbPath, "state.db")
	st, err := store.New(storePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	ingestCtrl := newIngestClient(ingestBase, time.Duration(cfg.Network.APITimeoutSecs)*time.Second)

	client, err := control.NewClient(control.Config{
		Broker:         cfg.Network.MQTTBroker,
		Port:           cfg.Network.MQTTPort,
		UseTLS:         cfg.Network.MQTTTLS,
		UseMTLS:        cfg.Network.UseMTLS,
		CertPaths: tlsutil.CertPaths{
			ClientCert: cfg.Network.CertPaths.ClientCert,
			ClientKey:  cfg.Network.CertPaths.ClientKey,
			CACert:     cfg.Network.CertPaths.CACert,
		},
		TopicPrefix:    cfg.Network.MQTTTopicPrefix,
		DeviceID:       cfg.Device.DeviceID,
		TenantID:       cfg.Device.TenantID,
		AggregatorBase: aggregatorBase,
		DiskPath:       cliutil.FirstNonEmpty(os.Getenv("EDGE_CLIP_BASE"), "/var/lib/edge-agent/clips"),
		Heartbeats:     st,
	}, ingestCtrl, logger)
	if err != nil {
		logger.Error("failed to construct control-plane client", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Initialize(ctx); err != nil {
		logger.Error("failed to initialize store", "error", err)
		return 1
	}

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect to control-plane broker", "error", err)
		return 1
	}
	logger.Info("control-plane client connected", "broker", cfg.Network.MQTTBroker)

	<-ctx.Done()
	logger.Info("received shutdown signal")
	client.Stop()

	logger.Info("control stopped")
	return 0
}

// ingestClient adapts the ingest service's local HTTP API to the
// ingest.Controller surface the control-plane client depends on, since
// each component runs as an independent process and cannot share an
// in-process Supervisor.
type ingestClient struct {
	base   string
	client *http.Client
}

func newIngestClient(base string, timeout time.Duration) *ingestClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ingestClient{base: base, client: &http.Client{Timeout: timeout}}
}

type extractRequest struct {
	CameraID string    `json:"camera_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

type extractResponse struct {
	ClipPath string `json:"clip_path"`
}

func (c *ingestClient) ExtractClip(ctx context.Context, cameraID string, from, to time.Time) (string, error) {
	body, err := json.Marshal(extractRequest{CameraID: cameraID, From: from, To: to})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/clips/extract", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request clip extraction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ingest service returned status %d", resp.StatusCode)
	}
	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode clip extraction response: %w", err)
	}
	return out.ClipPath, nil
}

func (c *ingestClient) Status() []ingest.CameraStatus {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var out []ingest.CameraStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}
