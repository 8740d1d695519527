package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"edge-node-agent/internal/ingest"
	"edge-node-agent/internal/tlsutil"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// controlMessage is the JSON body published on the per-device control topic.
type controlMessage struct {
	Action    string `json:"action"`
	CameraID  string `json:"camera_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	RequestID string `json:"request_id"`
}

// Client owns the MQTT connection, the heartbeat ticker, and control-message
// dispatch.
type Client struct {
	cfg       Config
	ingest    ingest.Controller
	logger    *slog.Logger
	http      *http.Client
	startFn   func() time.Time
	telemetry TelemetryFunc

	mqttClient mqtt.Client

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
	once            sync.Once
}

// NewClient builds a Client. ingestCtrl may be ingest.NoopController{} on a
// node with no configured cameras.
func NewClient(cfg Config, ingestCtrl ingest.Controller, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if ingestCtrl == nil {
		ingestCtrl = ingest.NoopController{}
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.UseMTLS {
		tlsCfg, err := tlsutil.ClientConfig(cfg.CertPaths)
		if err != nil {
			return nil, fmt.Errorf("configure mTLS: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		httpClient.Transport = transport
	}

	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = DefaultTelemetry(cfg.DiskPath)
	}

	c := &Client{
		cfg:       cfg,
		ingest:    ingestCtrl,
		logger:    logger,
		http:      httpClient,
		startFn:   time.Now,
		telemetry: telemetry,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS || cfg.UseMTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.DeviceID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	if cfg.UseMTLS {
		tlsCfg, err := tlsutil.ClientConfig(cfg.CertPaths)
		if err != nil {
			return nil, fmt.Errorf("configure mTLS: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("mqtt connection lost", "error", err)
	})

	c.mqttClient = mqtt.NewClient(opts)
	return c, nil
}

// Connect blocks until the initial connection succeeds or ConnectTimeout
// elapses, then starts the heartbeat ticker, which runs until ctx is done or
// Stop is called. ctx is not consulted while the connection is pending.
func (c *Client) Connect(ctx context.Context) error {
	token := c.mqttClient.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to mqtt broker %s:%d timed out", c.cfg.Broker, c.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}

	heartbeatCtx, cancel := context.WithCancel(ctx)
	c.heartbeatCancel = cancel
	c.heartbeatDone = make(chan struct{})
	go c.heartbeatLoop(heartbeatCtx)

	return nil
}

// Stop disconnects the client and stops the heartbeat loop. Idempotent.
func (c *Client) Stop() {
	c.once.Do(func() {
		if c.heartbeatCancel != nil {
			c.heartbeatCancel()
			<-c.heartbeatDone
		}
		c.mqttClient.Disconnect(250)
	})
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("connected to mqtt broker")
	topic := c.cfg.controlTopic()
	token := client.Subscribe(topic, 1, c.onControlMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("failed to subscribe to control topic", "topic", topic, "error", err)
		return
	}
	c.logger.Info("subscribed to control topic", "topic", topic)
}

func (c *Client) onControlMessage(_ mqtt.Client, msg mqtt.Message) {
	var m controlMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.logger.Error("received non-JSON control message", "error", err)
		return
	}
	c.logger.Info("received control message", "action", m.Action)

	switch m.Action {
	case "request_clip":
		c.handleRequestClip(context.Background(), m)
	default:
		c.logger.Warn("unknown control action", "action", m.Action)
	}
}

// handleRequestClip extracts the requested clip and re-enters the event
// pipeline by POSTing to the aggregator's /events/new endpoint, so the
// extracted clip is queued and uploaded like any other event.
func (c *Client) handleRequestClip(ctx context.Context, m controlMessage) {
	log := c.logger.With("camera_id", m.CameraID, "request_id", m.RequestID)

	if m.CameraID == "" || m.From == "" || m.To == "" || m.RequestID == "" {
		log.Error("invalid request_clip message: missing required fields")
		return
	}

	from, err := time.Parse(time.RFC3339, m.From)
	if err != nil {
		log.Error("invalid 'from' timestamp", "value", m.From, "error", err)
		return
	}
	to, err := time.Parse(time.RFC3339, m.To)
	if err != nil {
		log.Error("invalid 'to' timestamp", "value", m.To, "error", err)
		return
	}

	clipPath, err := c.ingest.ExtractClip(ctx, m.CameraID, from, to)
	if err != nil {
		log.Error("clip extraction failed", "error", err)
		return
	}
	log.Info("clip extracted", "path", clipPath)

	if err := c.submitExtractedClip(ctx, m, clipPath); err != nil {
		log.Error("failed to submit extracted clip to aggregator", "error", err)
		return
	}
	log.Info("clip submitted for upload")
}

type newEventRequest struct {
	CameraID      string  `json:"camera_id"`
	Timestamp     string  `json:"timestamp"`
	EventType     string  `json:"event_type"`
	LocalClipPath string  `json:"local_clip_path"`
	Confidence    float64 `json:"confidence"`
}

func (c *Client) submitExtractedClip(ctx context.Context, m controlMessage, clipPath string) error {
	body, err := json.Marshal(newEventRequest{
		CameraID:      m.CameraID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EventType:     "requested_clip",
		LocalClipPath: clipPath,
		Confidence:    1.0,
	})
	if err != nil {
		return fmt.Errorf("encode new event request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AggregatorBase+"/events/new", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("aggregator returned status %d", resp.StatusCode)
	}
	return nil
}

// PublishEvent publishes event_data to the camera-specific topic under
// topic_prefix/tenant_id/camera_id.
func (c *Client) PublishEvent(cameraID string, eventData interface{}) error {
	payload, err := json.Marshal(eventData)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	topic := c.cfg.eventTopic(cameraID)
	token := c.mqttClient.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	startTime := c.startFn()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishHeartbeat(startTime)
		}
	}
}

type heartbeatPayload struct {
	DeviceID        string  `json:"device_id"`
	DeviceVersion   string  `json:"device_version"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	FreeDiskPercent float64 `json:"free_disk_percent"`
	GPUTempC        float64 `json:"gpu_temp_c"`
}

func (c *Client) publishHeartbeat(startTime time.Time) {
	freeDisk, gpuTemp := c.telemetry()
	payload := heartbeatPayload{
		DeviceID:        c.cfg.DeviceID,
		DeviceVersion:   c.cfg.DeviceVersion,
		UptimeSeconds:   time.Since(startTime).Seconds(),
		FreeDiskPercent: freeDisk,
		GPUTempC:        gpuTemp,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode heartbeat payload", "error", err)
		return
	}
	token := c.mqttClient.Publish(c.cfg.heartbeatTopic(), 1, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("failed to publish heartbeat", "error", err)
		return
	}
	if c.cfg.Heartbeats != nil {
		if err := c.cfg.Heartbeats.TouchHeartbeat(context.Background(), c.cfg.DeviceID); err != nil {
			c.logger.Error("failed to record heartbeat in device state", "error", err)
		}
	}
}
