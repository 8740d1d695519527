package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"edge-node-agent/internal/models"
	"edge-node-agent/internal/tlsutil"
)

// ClientConfig configures the HTTP client the upload protocol runs over.
// Field names mirror config.Network and config.Upload directly so callers
// can build one from a loaded DeviceConfig without translation.
type ClientConfig struct {
	APIBase                string
	PresignedEndpoint      string
	UploadCompleteEndpoint string
	MetadataEndpoint       string
	Timeout                time.Duration
	UseMTLS                bool
	CertPaths              tlsutil.CertPaths
	TenantID               string
	DeviceID               string
}

// apiClient issues the four upload-protocol HTTP steps against the central
// API: presign, PUT, complete, metadata.
type apiClient struct {
	httpClient *http.Client
	cfg        ClientConfig
}

func newAPIClient(cfg ClientConfig) (*apiClient, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseMTLS {
		tlsCfg, err := tlsutil.ClientConfig(cfg.CertPaths)
		if err != nil {
			return nil, fmt.Errorf("configure mTLS: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}
	return &apiClient{
		httpClient: &http.Client{Transport: transport},
		cfg:        cfg,
	}, nil
}

type presignRequest struct {
	TenantID    string `json:"tenant_id"`
	DeviceID    string `json:"device_id"`
	EventID     string `json:"event_id"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

type presignResponse struct {
	UploadURL string `json:"upload_url"`
	FinalURL  string `json:"final_url"`
	UploadID  string `json:"upload_id"`
}

type completeRequest struct {
	UploadID string `json:"upload_id"`
	EventID  string `json:"event_id"`
	FinalURL string `json:"final_url"`
	Checksum string `json:"checksum"`
}

// contentTypeFor returns "video/mp4" for .mp4 clips, else a generic binary
// content type.
func contentTypeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".mp4") {
		return "video/mp4"
	}
	return "application/octet-stream"
}

func (c *apiClient) endpoint(path string) (string, error) {
	base, err := url.Parse(c.cfg.APIBase)
	if err != nil {
		return "", fmt.Errorf("parse api_base: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *apiClient) timeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// presign executes step 3: POST presigned_endpoint.
func (c *apiClient) presign(ctx context.Context, eventID, filename string, size int64) (presignResponse, error) {
	reqBody := presignRequest{
		TenantID:    c.cfg.TenantID,
		DeviceID:    c.cfg.DeviceID,
		EventID:     eventID,
		Filename:    filepath.Base(filename),
		SizeBytes:   size,
		ContentType: contentTypeFor(filename),
	}
	var out presignResponse
	if err := c.postJSON(ctx, c.cfg.PresignedEndpoint, "presign", eventID, reqBody, &out); err != nil {
		return presignResponse{}, err
	}
	if out.UploadURL == "" || out.FinalURL == "" {
		return presignResponse{}, &models.PermanentServerError{Op: "presign", Err: fmt.Errorf("response missing upload_url or final_url")}
	}
	return out, nil
}

// putFile executes step 4: PUT upload_url streaming the file, unbounded
// timeout: the clip PUT itself runs with no deadline.
func (c *apiClient) putFile(ctx context.Context, uploadURL, path, checksum string) error {
	f, err := os.Open(path)
	if err != nil {
		return &models.LocalIOError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &models.LocalIOError{Path: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return fmt.Errorf("build PUT request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentTypeFor(path))
	req.Header.Set("x-amz-checksum-sha256", checksum)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransientNetworkError{Op: "put", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus("put", resp.StatusCode)
}

// complete executes step 5: POST upload_complete_endpoint.
func (c *apiClient) complete(ctx context.Context, req completeRequest) error {
	return c.postJSON(ctx, c.cfg.UploadCompleteEndpoint, "complete", req.EventID, req, nil)
}

// postMetadata executes step 6: POST metadata_endpoint with the full event
// document augmented by clip_url and upload_id.
func (c *apiClient) postMetadata(ctx context.Context, eventID string, doc json.RawMessage, finalURL, uploadID string) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(doc, &payload); err != nil {
		return &models.PermanentServerError{Op: "metadata", Err: fmt.Errorf("decode stored event document: %w", err)}
	}
	payload["clip_url"] = finalURL
	payload["upload_id"] = uploadID
	return c.postJSON(ctx, c.cfg.MetadataEndpoint, "metadata", eventID, payload, nil)
}

func (c *apiClient) postJSON(ctx context.Context, endpoint, op, eventID string, body interface{}, out interface{}) error {
	fullURL, err := c.endpoint(endpoint)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	ctx, cancel := c.timeoutCtx(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Event-ID", eventID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &models.PermanentServerError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// classifyStatus maps an HTTP status code to the Transient/Permanent error
// taxonomy. 2xx yields nil.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500 && status <= 599:
		return &models.TransientNetworkError{Op: op, StatusCode: status, Err: fmt.Errorf("server returned %s", strconv.Itoa(status))}
	default:
		return &models.PermanentServerError{Op: op, StatusCode: status, Err: fmt.Errorf("server returned %s", strconv.Itoa(status))}
	}
}
