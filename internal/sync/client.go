package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"edge-node-agent/internal/models"
	"edge-node-agent/internal/tlsutil"
)

// ClientConfig configures the HTTP client the sync protocol runs over.
type ClientConfig struct {
	APIBase            string
	PackagesEndpoint   string
	KBManifestEndpoint string
	Timeout            time.Duration
	UseMTLS            bool
	CertPaths          tlsutil.CertPaths
}

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
	return &apiClient{httpClient: &http.Client{Transport: transport}, cfg: cfg}, nil
}

func (c *apiClient) endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.cfg.APIBase)
	if err != nil {
		return "", fmt.Errorf("parse api_base: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", path, err)
	}
	full := base.ResolveReference(ref)
	if len(query) > 0 {
		full.RawQuery = query.Encode()
	}
	return full.String(), nil
}

func (c *apiClient) timeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// listPackages polls the packages endpoint for everything published since
// currentVersion.
func (c *apiClient) listPackages(ctx context.Context, currentVersion string) ([]models.Package, error) {
	fullURL, err := c.endpoint(c.cfg.PackagesEndpoint, url.Values{"since": {currentVersion}})
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.timeoutCtx(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build packages request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransientNetworkError{Op: "poll_packages", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("poll_packages", resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}
	var packages []models.Package
	if err := json.NewDecoder(resp.Body).Decode(&packages); err != nil {
		return nil, &models.PermanentServerError{Op: "poll_packages", Err: fmt.Errorf("decode response: %w", err)}
	}
	return packages, nil
}

// kbManifest polls the knowledge-base manifest endpoint.
func (c *apiClient) kbManifest(ctx context.Context) (models.KBManifest, error) {
	fullURL, err := c.endpoint(c.cfg.KBManifestEndpoint, nil)
	if err != nil {
		return models.KBManifest{}, err
	}
	ctx, cancel := c.timeoutCtx(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return models.KBManifest{}, fmt.Errorf("build kb manifest request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.KBManifest{}, &models.TransientNetworkError{Op: "poll_kb_manifest", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("poll_kb_manifest", resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return models.KBManifest{}, err
	}
	var manifest models.KBManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return models.KBManifest{}, &models.PermanentServerError{Op: "poll_kb_manifest", Err: fmt.Errorf("decode response: %w", err)}
	}
	return manifest, nil
}

// downloadTo streams downloadURL's body into destPath, unbounded timeout,
// matching the Uploader's clip PUT treatment of large-transfer steps.
func (c *apiClient) downloadTo(ctx context.Context, downloadURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransientNetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("download", resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return &models.LocalIOError{Path: destPath, Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return &models.LocalIOError{Path: destPath, Err: fmt.Errorf("write download: %w", err)}
	}
	return nil
}

// triggerReload calls the local model-serving component's reload endpoint.
func (c *apiClient) triggerReload(ctx context.Context, reloadURL, version string) error {
	fullURL := reloadURL + "?" + url.Values{"new_version": {version}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, nil)
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransientNetworkError{Op: "reload", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return classifyStatus("reload", resp.StatusCode)
}

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
