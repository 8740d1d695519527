package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for the
// aggregator's HTTP surface plus the agent's background workers: upload
// attempts, camera supervisor restarts, sync-worker package installs, and
// watchdog probe outcomes. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for active uploads and cameras.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	uploadAttempts map[string]uint64 // keyed by terminal status: uploaded, failed
	activeUploads  atomic.Int64

	ingestRestarts map[string]uint64 // keyed by camera id
	activeCameras  atomic.Int64

	syncInstalls map[string]uint64 // keyed by outcome: applied, rejected

	watchdogChecks   map[string]uint64 // keyed by service:status
	watchdogCritical atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadAttempts:  make(map[string]uint64),
		ingestRestarts:  make(map[string]uint64),
		syncInstalls:    make(map[string]uint64),
		watchdogChecks:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// UploadStarted marks an upload as actively being processed.
func (r *Recorder) UploadStarted() {
	r.activeUploads.Add(1)
}

// UploadFinished records the terminal outcome of an upload attempt ("uploaded"
// or "failed") and decrements the active upload gauge.
func (r *Recorder) UploadFinished(outcome string) {
	op := normalizeName(outcome)
	r.mu.Lock()
	r.uploadAttempts[op]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeUploads)
}

// ActiveUploads exposes the current gauge of in-flight uploads.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// CameraStarted marks a camera segmenter as running.
func (r *Recorder) CameraStarted() {
	r.activeCameras.Add(1)
}

// CameraStopped marks a camera segmenter as stopped.
func (r *Recorder) CameraStopped() {
	r.decrementGauge(&r.activeCameras)
}

// ActiveCameras exposes the current gauge of running camera segmenters.
func (r *Recorder) ActiveCameras() int64 {
	return r.activeCameras.Load()
}

// ObserveIngestRestart records a camera segmenter restart.
func (r *Recorder) ObserveIngestRestart(cameraID string) {
	id := normalizeName(cameraID)
	r.mu.Lock()
	r.ingestRestarts[id]++
	r.mu.Unlock()
}

// ObserveSyncInstall records the outcome of a model/KB package install
// ("applied" or "rejected").
func (r *Recorder) ObserveSyncInstall(outcome string) {
	op := normalizeName(outcome)
	r.mu.Lock()
	r.syncInstalls[op]++
	r.mu.Unlock()
}

// ObserveWatchdogCheck records a health probe outcome for a service.
func (r *Recorder) ObserveWatchdogCheck(service, status string) {
	key := normalizeName(service) + ":" + normalizeName(status)
	r.mu.Lock()
	r.watchdogChecks[key]++
	r.mu.Unlock()
}

// SetWatchdogCritical updates the gauge tracking how many services are
// currently in the CRITICAL state.
func (r *Recorder) SetWatchdogCritical(count int64) {
	r.watchdogCritical.Store(count)
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadAttempts = make(map[string]uint64)
	r.ingestRestarts = make(map[string]uint64)
	r.syncInstalls = make(map[string]uint64)
	r.watchdogChecks = make(map[string]uint64)
	r.activeUploads.Store(0)
	r.activeCameras.Store(0)
	r.watchdogCritical.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadOutcomes := r.sortedKeys(r.uploadAttempts)
	ingestCameras := r.sortedKeys(r.ingestRestarts)
	syncOutcomes := r.sortedKeys(r.syncInstalls)
	watchdogKeys := r.sortedKeys(r.watchdogChecks)

	fmt.Fprintln(w, "# HELP edge_http_requests_total Total number of HTTP requests processed by the aggregator")
	fmt.Fprintln(w, "# TYPE edge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "edge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP edge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE edge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "edge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP edge_upload_attempts_total Upload attempts by terminal outcome")
	fmt.Fprintln(w, "# TYPE edge_upload_attempts_total counter")
	for _, outcome := range uploadOutcomes {
		fmt.Fprintf(w, "edge_upload_attempts_total{outcome=\"%s\"} %d\n", outcome, r.uploadAttempts[outcome])
	}

	fmt.Fprintln(w, "# HELP edge_active_uploads Current number of uploads being processed")
	fmt.Fprintln(w, "# TYPE edge_active_uploads gauge")
	fmt.Fprintf(w, "edge_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP edge_active_cameras Current number of running camera segmenters")
	fmt.Fprintln(w, "# TYPE edge_active_cameras gauge")
	fmt.Fprintf(w, "edge_active_cameras %d\n", r.activeCameras.Load())

	fmt.Fprintln(w, "# HELP edge_ingest_restarts_total Camera segmenter restarts by camera")
	fmt.Fprintln(w, "# TYPE edge_ingest_restarts_total counter")
	for _, camera := range ingestCameras {
		fmt.Fprintf(w, "edge_ingest_restarts_total{camera_id=\"%s\"} %d\n", camera, r.ingestRestarts[camera])
	}

	fmt.Fprintln(w, "# HELP edge_sync_installs_total Model/KB package installs by outcome")
	fmt.Fprintln(w, "# TYPE edge_sync_installs_total counter")
	for _, outcome := range syncOutcomes {
		fmt.Fprintf(w, "edge_sync_installs_total{outcome=\"%s\"} %d\n", outcome, r.syncInstalls[outcome])
	}

	fmt.Fprintln(w, "# HELP edge_watchdog_checks_total Health probes by service and status")
	fmt.Fprintln(w, "# TYPE edge_watchdog_checks_total counter")
	for _, key := range watchdogKeys {
		parts := strings.SplitN(key, ":", 2)
		service, status := parts[0], ""
		if len(parts) == 2 {
			status = parts[1]
		}
		fmt.Fprintf(w, "edge_watchdog_checks_total{service=\"%s\",status=\"%s\"} %d\n", service, status, r.watchdogChecks[key])
	}

	fmt.Fprintln(w, "# HELP edge_watchdog_critical_services Current number of services in the CRITICAL state")
	fmt.Fprintln(w, "# TYPE edge_watchdog_critical_services gauge")
	fmt.Fprintf(w, "edge_watchdog_critical_services %d\n", r.watchdogCritical.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
