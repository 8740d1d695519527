package aggregator

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"edge-node-agent/internal/observability/logging"
)

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID, ok := logging.RequestIDFromContext(r.Context())
			if !ok || requestID != "incoming" {
				t.Fatalf("expected request id %q to be preserved, got %q", "incoming", requestID)
			}
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "incoming")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", got)
	}
}

func TestRequestIDMiddlewareGeneratesWhenMissing(t *testing.T) {
	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated-id" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("expected generated request id on response, got %q", got)
	}
}

func TestRequestIDMiddlewareChainedWithRequestLoggerEmitsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := requestIDMiddlewareWithGenerator(logger, func() string { return "chained-id" })(
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}),
		),
	)

	req := httptest.NewRequest(http.MethodPost, "/events/new", nil)
	chain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["request_id"] != "chained-id" {
		t.Fatalf("expected request_id to be propagated to the log line, got %v", payload["request_id"])
	}
}

func TestNewRequestIDProducesHex(t *testing.T) {
	id := newRequestID()
	if len(id) != 32 {
		t.Fatalf("expected a 32-char hex id, got %q (len %d)", id, len(id))
	}
}
