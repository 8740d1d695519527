// Package aggregator implements the device-local event/upload CRUD HTTP
// surface. It accepts new events, lists pending uploads, and records status
// transitions the uploader reports; it is not the state-machine owner for
// uploads, which lives in internal/uploader.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edge-node-agent/internal/models"
	"edge-node-agent/internal/observability/logging"

	"github.com/google/uuid"
)

// Repository is the narrow persistence surface the aggregator depends on.
// *store.Store satisfies it.
type Repository interface {
	InsertEvent(ctx context.Context, eventID string, document json.RawMessage, clipPath string) (string, error)
	ListPendingUploads(ctx context.Context, limit int) ([]models.PendingUpload, error)
	UpdateUpload(ctx context.Context, uploadID string, update models.UploadUpdate, incrementAttempt bool) error
	Ping(ctx context.Context) error
}

// Handler serves the aggregator's HTTP surface.
type Handler struct {
	Store    Repository
	TenantID string
	DeviceID string
	Logger   *slog.Logger

	now func() time.Time
}

// New constructs a Handler. Logger defaults to slog.Default() when nil.
func New(store Repository, tenantID, deviceID string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, TenantID: tenantID, DeviceID: deviceID, Logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// loggerFor returns the per-request logger RequestIDMiddleware attached to
// r's context (carrying request_id), falling back to the Handler's base
// logger when the middleware wasn't installed (e.g. in tests).
func (h *Handler) loggerFor(r *http.Request) *slog.Logger {
	if l := logging.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return h.Logger
}

// Mux builds an http.ServeMux wired to the aggregator's routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events/new", h.handleEventsNew)
	mux.HandleFunc("/events/pending", h.handleEventsPending)
	mux.HandleFunc("/events/mark_status", h.handleMarkStatus)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

type newEventRequest struct {
	TenantID      string   `json:"tenant_id"`
	DeviceID      string   `json:"device_id"`
	CameraID      string   `json:"camera_id"`
	Timestamp     string   `json:"timestamp"`
	EventType     string   `json:"event_type"`
	Objects       []string `json:"detected_objects"`
	DenseCaption  *string  `json:"dense_caption"`
	AudioText     *string  `json:"audio_text"`
	LocalClipPath string   `json:"local_clip_path"`
	Confidence    float64  `json:"confidence"`
}

type eventResponse struct {
	EventID   string    `json:"event_id"`
	UploadID  string    `json:"upload_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleEventsNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req newEventRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CameraID) == "" {
		WriteError(w, http.StatusBadRequest, ValidationError("camera_id is required"))
		return
	}
	if strings.TrimSpace(req.LocalClipPath) == "" {
		WriteError(w, http.StatusBadRequest, ValidationError("local_clip_path is required"))
		return
	}

	eventID := newEventID(h.now())

	doc := models.EventDocument{
		TenantID:      h.TenantID,
		DeviceID:      h.DeviceID,
		CameraID:      req.CameraID,
		Timestamp:     req.Timestamp,
		EventType:     req.EventType,
		Objects:       req.Objects,
		DenseCaption:  req.DenseCaption,
		AudioText:     req.AudioText,
		LocalClipPath: req.LocalClipPath,
		Confidence:    req.Confidence,
	}
	document, err := json.Marshal(doc)
	if err != nil {
		WriteRequestError(w, fmt.Errorf("encode event document: %w", err))
		return
	}

	uploadID, err := h.Store.InsertEvent(r.Context(), eventID, document, req.LocalClipPath)
	if err != nil {
		h.loggerFor(r).Error("insert event failed", "event_id", eventID, "error", err)
		WriteError(w, http.StatusConflict, RequestError{Status: http.StatusConflict, CodeVal: "conflict", Message: "event could not be inserted", Err: err})
		return
	}

	WriteJSON(w, http.StatusCreated, eventResponse{
		EventID:   eventID,
		UploadID:  uploadID,
		Status:    models.EventStatusPendingUpload,
		CreatedAt: h.now(),
	})
}

func (h *Handler) handleEventsPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, ValidationError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	uploads, err := h.Store.ListPendingUploads(r.Context(), limit)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, uploads)
}

var allowedMarkStatuses = map[string]bool{
	models.UploadStatusProcessing: true,
	models.UploadStatusFailed:     true,
	models.UploadStatusUploaded:   true,
}

type markStatusRequest struct {
	UploadID string  `json:"upload_id"`
	Status   string  `json:"status"`
	FinalURL *string `json:"final_url"`
	Checksum *string `json:"checksum"`
	Attempts *int    `json:"attempts"`
}

func (h *Handler) handleMarkStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req markStatusRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UploadID) == "" {
		WriteError(w, http.StatusBadRequest, ValidationError("upload_id is required"))
		return
	}
	if !allowedMarkStatuses[req.Status] {
		WriteError(w, http.StatusBadRequest, ValidationError(fmt.Sprintf("status %q is not one of PROCESSING, FAILED, UPLOADED", req.Status)))
		return
	}

	update := models.UploadUpdate{
		Status:   req.Status,
		FinalURL: req.FinalURL,
		Checksum: req.Checksum,
		Attempts: req.Attempts,
	}
	if err := h.Store.UpdateUpload(r.Context(), req.UploadID, update, false); err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"upload_id": req.UploadID, "status": req.Status})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	status := "ok"
	code := http.StatusOK
	errMsg := ""
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		errMsg = err.Error()
	}
	WriteJSON(w, code, map[string]interface{}{
		"status":        status,
		"config_loaded": true,
		"error":         errMsg,
	})
}

// newEventID mints "evt-YYYYMMDD-HHMMSS-<4 hex>".
func newEventID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:4]
	return fmt.Sprintf("evt-%s-%s", t.Format("20060102-150405"), suffix)
}
