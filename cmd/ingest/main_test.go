package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"edge-node-agent/internal/ingest"
)

type fakeController struct {
	clipPath string
	err      error
	statuses []ingest.CameraStatus
}

func (f *fakeController) ExtractClip(ctx context.Context, cameraID string, from, to time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.clipPath, nil
}

func (f *fakeController) Status() []ingest.CameraStatus { return f.statuses }

func TestExtractHandlerReturnsClipPath(t *testing.T) {
	ctrl := &fakeController{clipPath: "/clips/cam1/clip.mp4"}
	handler := extractHandler(ctrl, discardLogger{})

	body := `{"camera_id":"cam1","from":"2024-01-01T00:00:00Z","to":"2024-01-01T00:05:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/clips/extract", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExtractHandlerRejectsWrongMethod(t *testing.T) {
	ctrl := &fakeController{}
	handler := extractHandler(ctrl, discardLogger{})

	req := httptest.NewRequest(http.MethodGet, "/clips/extract", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthHandlerReportsDegradedWhenCameraDown(t *testing.T) {
	ctrl := &fakeController{statuses: []ingest.CameraStatus{{CameraID: "cam1", Running: false}}}
	handler := healthHandler(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type discardLogger struct{}

func (discardLogger) Error(msg string, args ...any) {}
