package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"edge-node-agent/internal/models"
	"edge-node-agent/internal/observability/metrics"
	"edge-node-agent/internal/retry"
)

// Repository is the persistence surface the upload state machine depends on.
// *store.Store satisfies it.
type Repository interface {
	ListPendingUploads(ctx context.Context, limit int) ([]models.PendingUpload, error)
	LeaseUpload(ctx context.Context, uploadID string) (models.PendingUpload, bool, error)
	UpdateUpload(ctx context.Context, uploadID string, update models.UploadUpdate, incrementAttempt bool) error
	GetEventDocument(ctx context.Context, eventID string) (json.RawMessage, error)
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

// transaction executes the multi-step upload protocol for one
// leased PendingUpload row and applies the resulting state transition.
type transaction struct {
	client      *apiClient
	store       Repository
	logger      *slog.Logger
	recorder    *metrics.Recorder
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func (t *transaction) metrics() *metrics.Recorder {
	if t.recorder != nil {
		return t.recorder
	}
	return metrics.Default()
}

// run drives one row from PROCESSING to a terminal or PENDING_UPLOAD state.
// The caller is responsible for having already leased the row.
func (t *transaction) run(ctx context.Context, upload models.PendingUpload) {
	log := t.logger.With("upload_id", upload.UploadID, "event_id", upload.EventID)

	t.metrics().UploadStarted()
	outcome := "failed"
	defer func() { t.metrics().UploadFinished(outcome) }()

	if _, err := os.Stat(upload.Filepath); err != nil {
		log.Error("clip file missing, marking FAILED", "filepath", upload.Filepath, "error", err)
		if uerr := t.store.UpdateUpload(ctx, upload.UploadID, models.UploadUpdate{Status: models.UploadStatusFailed}, false); uerr != nil {
			log.Error("failed to record FAILED status", "error", uerr)
		}
		return
	}

	checksum, err := sha256File(upload.Filepath)
	if err != nil {
		log.Error("checksum computation failed, marking FAILED", "error", err)
		if uerr := t.store.UpdateUpload(ctx, upload.UploadID, models.UploadUpdate{Status: models.UploadStatusFailed}, false); uerr != nil {
			log.Error("failed to record FAILED status", "error", uerr)
		}
		return
	}

	if err := t.store.UpdateUpload(ctx, upload.UploadID, models.UploadUpdate{Status: models.UploadStatusProcessing, Checksum: &checksum}, false); err != nil {
		log.Error("failed to persist checksum", "error", err)
		return
	}
	log.Info("checksum computed", "attempt", upload.Attempts+1, "step", "checksum", "outcome", "ok", "checksum", checksum)

	uploadID := upload.UploadID

	presign, err := t.client.presign(ctx, upload.EventID, upload.Filepath, fileSize(upload.Filepath))
	if err != nil {
		log.Warn("presign step failed", "attempt", upload.Attempts+1, "step", "presign", "outcome", "error", "error", err)
		outcome = t.handleFailure(ctx, log, uploadID, upload.Attempts, err)
		return
	}
	log.Info("presign step complete", "attempt", upload.Attempts+1, "step", "presign", "outcome", "ok")

	if presign.UploadID != "" && presign.UploadID != uploadID {
		if err := t.store.UpdateUpload(ctx, uploadID, models.UploadUpdate{Status: models.UploadStatusProcessing, UploadID: &presign.UploadID}, false); err != nil {
			log.Error("failed to persist server-assigned upload_id", "error", err)
			return
		}
		uploadID = presign.UploadID
	}

	if err := t.client.putFile(ctx, presign.UploadURL, upload.Filepath, checksum); err != nil {
		log.Warn("put step failed", "attempt", upload.Attempts+1, "step", "put", "outcome", "error", "error", err)
		outcome = t.handleFailure(ctx, log, uploadID, upload.Attempts, err)
		return
	}
	log.Info("put step complete", "attempt", upload.Attempts+1, "step", "put", "outcome", "ok")

	if err := t.client.complete(ctx, completeRequest{
		UploadID: uploadID,
		EventID:  upload.EventID,
		FinalURL: presign.FinalURL,
		Checksum: checksum,
	}); err != nil {
		log.Warn("complete step failed", "attempt", upload.Attempts+1, "step", "complete", "outcome", "error", "error", err)
		outcome = t.handleFailure(ctx, log, uploadID, upload.Attempts, err)
		return
	}
	log.Info("complete step done", "attempt", upload.Attempts+1, "step", "complete", "outcome", "ok")

	doc, err := t.store.GetEventDocument(ctx, upload.EventID)
	if err != nil {
		log.Error("failed to load event document for metadata step", "error", err)
		outcome = t.handleFailure(ctx, log, uploadID, upload.Attempts, &models.PermanentServerError{Op: "metadata", Err: err})
		return
	}

	if err := t.client.postMetadata(ctx, upload.EventID, doc, presign.FinalURL, uploadID); err != nil {
		log.Warn("metadata step failed", "attempt", upload.Attempts+1, "step", "metadata", "outcome", "error", "error", err)
		outcome = t.handleFailure(ctx, log, uploadID, upload.Attempts, err)
		return
	}
	log.Info("metadata step complete", "attempt", upload.Attempts+1, "step", "metadata", "outcome", "ok")

	finalURL := presign.FinalURL
	if err := t.store.UpdateUpload(ctx, uploadID, models.UploadUpdate{Status: models.UploadStatusUploaded, FinalURL: &finalURL}, false); err != nil {
		log.Error("failed to record UPLOADED status", "error", err)
		return
	}
	outcome = "uploaded"
	log.Info("upload transaction succeeded", "final_url", finalURL)
}

// handleFailure classifies the failing step's error, increments attempts,
// and either schedules a retry (sleep then PENDING_UPLOAD) or marks the row
// FAILED, per the failure-classification rules below. The returned string is
// the transaction's metric outcome ("failed" or "retried").
func (t *transaction) handleFailure(ctx context.Context, log *slog.Logger, uploadID string, priorAttempts int, cause error) string {
	newAttempts := priorAttempts + 1

	retryable := isRetryable(cause)
	permanent := !retryable || newAttempts >= t.maxRetries

	if permanent {
		log.Error("upload transaction failed permanently", "attempts", newAttempts, "error", cause)
		if err := t.store.UpdateUpload(ctx, uploadID, models.UploadUpdate{Status: models.UploadStatusFailed, Attempts: &newAttempts}, false); err != nil {
			log.Error("failed to record FAILED status", "error", err)
		}
		return "failed"
	}

	delay := retry.Backoff(t.backoffBase, newAttempts, t.backoffCap)
	log.Warn("upload transaction failed, retrying after backoff", "attempts", newAttempts, "max_retries", t.maxRetries, "delay", delay, "error", cause)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "retried"
	}

	if err := t.store.UpdateUpload(ctx, uploadID, models.UploadUpdate{Status: models.UploadStatusPendingUpload, Attempts: &newAttempts}, false); err != nil {
		log.Error("failed to record PENDING_UPLOAD status after backoff", "error", err)
	}
	return "retried"
}

// isRetryable reports whether cause is a TransientNetworkError (5xx or
// transport failure). Any other error, including PermanentServerError, is
// treated as permanent.
func isRetryable(cause error) bool {
	var transient *models.TransientNetworkError
	return errors.As(cause, &transient)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.LocalIOError{Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &models.LocalIOError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
