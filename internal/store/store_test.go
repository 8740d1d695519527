package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"edge-node-agent/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertEventCreatesBothRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uploadID, err := s.InsertEvent(ctx, "evt-20251116-0001", []byte(`{"camera_id":"cam-01"}`), "/clips/a.mp4")
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if uploadID != "upload-evt-20251116-0001" {
		t.Fatalf("unexpected upload id: %s", uploadID)
	}

	pending, err := s.ListPendingUploads(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].UploadID != uploadID {
		t.Fatalf("expected one pending upload, got %+v", pending)
	}
	if pending[0].Status != models.UploadStatusPendingUpload {
		t.Fatalf("expected PENDING_UPLOAD status, got %s", pending[0].Status)
	}
}

func TestInsertEventDuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertEvent(ctx, "evt-dup", []byte(`{}`), "/clips/a.mp4"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.InsertEvent(ctx, "evt-dup", []byte(`{}`), "/clips/a.mp4"); err == nil {
		t.Fatal("expected duplicate event_id to be rejected")
	}
}

func TestLeaseUploadIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uploadID, err := s.InsertEvent(ctx, "evt-lease", []byte(`{}`), "/clips/a.mp4")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	results := make(chan bool, 2)
	race := func() {
		_, ok, err := s.LeaseUpload(ctx, uploadID)
		if err != nil {
			t.Errorf("lease: %v", err)
		}
		results <- ok
	}
	go race()
	go race()

	first := <-results
	second := <-results
	if first == second {
		t.Fatalf("expected exactly one winner, got %v and %v", first, second)
	}
}

func TestUpdateUploadMirrorsTerminalStatusToEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uploadID, err := s.InsertEvent(ctx, "evt-term", []byte(`{}`), "/clips/a.mp4")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.LeaseUpload(ctx, uploadID); err != nil {
		t.Fatalf("lease: %v", err)
	}

	finalURL := "https://cdn/evt-term"
	checksum := "deadbeef"
	if err := s.UpdateUpload(ctx, uploadID, models.UploadUpdate{
		Status:   models.UploadStatusUploaded,
		FinalURL: &finalURL,
		Checksum: &checksum,
	}, true); err != nil {
		t.Fatalf("update: %v", err)
	}

	upload, err := s.GetUpload(ctx, uploadID)
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if upload.Status != models.UploadStatusUploaded || upload.FinalURL != finalURL || upload.Checksum != checksum {
		t.Fatalf("unexpected upload state: %+v", upload)
	}
	if upload.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", upload.Attempts)
	}
}

func TestRecoverAbandonedResetsOldProcessingRows(t *testing.T) {
	s := newTestStore(t)
	s.nowFn = func() time.Time { return time.Now().UTC().Add(-time.Hour) }
	ctx := context.Background()

	uploadID, err := s.InsertEvent(ctx, "evt-abandoned", []byte(`{}`), "/clips/a.mp4")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.LeaseUpload(ctx, uploadID); err != nil {
		t.Fatalf("lease: %v", err)
	}

	s.nowFn = func() time.Time { return time.Now().UTC() }
	n, err := s.RecoverAbandoned(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row recovered, got %d", n)
	}

	upload, err := s.GetUpload(ctx, uploadID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if upload.Status != models.UploadStatusPendingUpload {
		t.Fatalf("expected row reset to PENDING_UPLOAD, got %s", upload.Status)
	}
	if upload.Attempts != 0 {
		t.Fatalf("expected attempts unchanged at 0, got %d", upload.Attempts)
	}
}

func TestKBVersionDefaultsAndRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.CurrentKBVersion(ctx)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if v != "0.0.0" {
		t.Fatalf("expected default 0.0.0, got %s", v)
	}

	if err := s.RecordKBVersion(ctx, "1.2.3"); err != nil {
		t.Fatalf("record: %v", err)
	}
	v, err = s.CurrentKBVersion(ctx)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if v != "1.2.3" {
		t.Fatalf("expected 1.2.3, got %s", v)
	}
}
