// Package store implements the durable persistence layer for events, pending
// uploads, KB versions, and device state. It is backed by modernc.org/sqlite
// (a pure-Go, cgo-free SQLite driver) rather than a JSON-file
// dataset, because the row-lease compare-and-set and crash-safe PROCESSING
// recovery this component requires need real transactional guarantees.
package store

import (
	_ "embed"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"edge-node-agent/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable SQLite-backed repository for the agent's four
// persistent entities. Writers are partitioned by entity per the design's
// single-writer-per-table contract; the mutex here only serializes the
// lease compare-and-set, which SQLite's own locking cannot express as a
// single statement against the pure-Go driver.
type Store struct {
	db    *sql.DB
	cfg   config
	mu    sync.Mutex
	nowFn func() time.Time
}

// New opens (creating if absent) the SQLite database at path and applies the
// provided options. Callers must call Initialize before using the store.
func New(path string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, cfg.busyTimeout.Milliseconds())
	if cfg.foreignKeysEnabled {
		dsn += "&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // the pure-Go driver serializes writers; avoid pool contention on a single file

	return &Store{db: db, cfg: cfg, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// Initialize creates the schema and indexes if absent. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return &models.FatalError{Reason: "initialize schema", Err: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is usable, for health aggregation.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvent atomically inserts the Event and its companion PendingUpload
// row, both starting in PENDING_UPLOAD. eventID must already be assigned by
// the caller (the aggregator mints it using the timestamped format); the
// upload_id is derived as "upload-<event_id>" and may later be replaced by
// a server-assigned id at presign time.
func (s *Store) InsertEvent(ctx context.Context, eventID string, document json.RawMessage, clipPath string) (uploadID string, err error) {
	if eventID == "" {
		return "", fmt.Errorf("event_id is required")
	}
	uploadID = "upload-" + eventID
	now := s.nowFn()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, document, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		eventID, string(document), models.EventStatusPendingUpload, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("event_id %q already exists: %w", eventID, err)
		}
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_uploads (upload_id, event_id, filepath, attempts, status) VALUES (?, ?, ?, 0, ?)`,
		uploadID, eventID, clipPath, models.UploadStatusPendingUpload,
	); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return uploadID, nil
}

// ListPendingUploads returns up to limit rows in PENDING_UPLOAD state,
// ordered oldest-first by rowid (insertion order).
func (s *Store) ListPendingUploads(ctx context.Context, limit int) ([]models.PendingUpload, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, event_id, filepath, attempts, last_attempt_ts, status, checksum, final_url
		 FROM pending_uploads WHERE status = ? ORDER BY rowid ASC LIMIT ?`,
		models.UploadStatusPendingUpload, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUploads(rows)
}

// LeaseUpload atomically transitions upload_id from PENDING_UPLOAD to
// PROCESSING, stamping last_attempt_ts. It returns ok=false if another worker
// already won the lease (or the row does not exist / is not leasable).
func (s *Store) LeaseUpload(ctx context.Context, uploadID string) (models.PendingUpload, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET status = ?, last_attempt_ts = ? WHERE upload_id = ? AND status = ?`,
		models.UploadStatusProcessing, now.Format(time.RFC3339Nano), uploadID, models.UploadStatusPendingUpload,
	)
	if err != nil {
		return models.PendingUpload{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.PendingUpload{}, false, err
	}
	if affected == 0 {
		return models.PendingUpload{}, false, nil
	}

	upload, err := s.getUpload(ctx, uploadID)
	if err != nil {
		return models.PendingUpload{}, false, err
	}
	return upload, true, nil
}

// UpdateUpload applies a partial mutation, sets last_attempt_ts = now, and
// when the new status is terminal (UPLOADED or FAILED) mirrors that status
// into the companion Event. attempts is incremented by one when
// incrementAttempt is true; a non-nil update.Attempts sets it explicitly
// (the uploader's failure handling and the mark_status endpoint use this).
func (s *Store) UpdateUpload(ctx context.Context, uploadID string, update models.UploadUpdate, incrementAttempt bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	now := s.nowFn().Format(time.RFC3339Nano)
	setClauses := []string{"status = ?", "last_attempt_ts = ?"}
	args := []interface{}{update.Status, now}

	if incrementAttempt {
		setClauses = append(setClauses, "attempts = attempts + 1")
	}
	if update.Attempts != nil {
		setClauses = append(setClauses, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.Checksum != nil {
		setClauses = append(setClauses, "checksum = ?")
		args = append(args, *update.Checksum)
	}
	if update.FinalURL != nil {
		setClauses = append(setClauses, "final_url = ?")
		args = append(args, *update.FinalURL)
	}
	if update.UploadID != nil && *update.UploadID != uploadID {
		setClauses = append(setClauses, "upload_id = ?")
		args = append(args, *update.UploadID)
	}

	query := "UPDATE pending_uploads SET "
	for i, clause := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE upload_id = ?"
	args = append(args, uploadID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	finalUploadID := uploadID
	if update.UploadID != nil {
		finalUploadID = *update.UploadID
	}

	var eventID string
	if err := tx.QueryRowContext(ctx, `SELECT event_id FROM pending_uploads WHERE upload_id = ?`, finalUploadID).Scan(&eventID); err != nil {
		return err
	}

	if update.Status == models.UploadStatusUploaded || update.Status == models.UploadStatusFailed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ?, updated_at = ? WHERE event_id = ?`,
			update.Status, now, eventID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecoverAbandoned resets PROCESSING rows whose last_attempt_ts predates
// olderThan back to PENDING_UPLOAD, leaving attempts untouched. Returns the
// number of rows reset.
func (s *Store) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	threshold := s.nowFn().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET status = ? WHERE status = ? AND (last_attempt_ts IS NULL OR last_attempt_ts < ?)`,
		models.UploadStatusPendingUpload, models.UploadStatusProcessing, threshold,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RecoveryThreshold exposes the configured abandoned-row threshold.
func (s *Store) RecoveryThreshold() time.Duration {
	return s.cfg.recoveryThreshold
}

func (s *Store) getUpload(ctx context.Context, uploadID string) (models.PendingUpload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT upload_id, event_id, filepath, attempts, last_attempt_ts, status, checksum, final_url
		 FROM pending_uploads WHERE upload_id = ?`, uploadID)
	return scanUpload(row)
}

// GetUpload returns a single PendingUpload row by id.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (models.PendingUpload, error) {
	return s.getUpload(ctx, uploadID)
}

// GetEventDocument returns the verbatim stored document bytes for eventID,
// used by the Uploader to build the metadata POST body.
func (s *Store) GetEventDocument(ctx context.Context, eventID string) (json.RawMessage, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM events WHERE event_id = ?`, eventID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %q not found", eventID)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc), nil
}

// CurrentKBVersion returns the kb_version with the latest applied_at, or
// "0.0.0" if no KBMeta rows exist.
func (s *Store) CurrentKBVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT kb_version FROM kb_meta ORDER BY applied_at DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "0.0.0", nil
	}
	if err != nil {
		return "", err
	}
	return version, nil
}

// RecordKBVersion appends a new KBMeta row stamped with the current time.
func (s *Store) RecordKBVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kb_meta (kb_version, applied_at) VALUES (?, ?)`,
		version, s.nowFn().Format(time.RFC3339Nano),
	)
	return err
}

// ApplyKBDelta runs every statement in one transaction, so a delta that fails
// partway never leaves the knowledge base in a state between versions. The
// caller records the new version only after this returns successfully.
func (s *Store) ApplyKBDelta(ctx context.Context, statements []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply kb delta statement: %w", err)
		}
	}
	return tx.Commit()
}

// GetDeviceState returns the singleton DeviceState row for deviceID, or a
// zero-value state (with no row inserted) if absent.
func (s *Store) GetDeviceState(ctx context.Context, deviceID string) (models.DeviceState, error) {
	var lastHeartbeat sql.NullString
	var versionsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_heartbeat, versions FROM device_state WHERE device_id = ?`, deviceID,
	).Scan(&lastHeartbeat, &versionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeviceState{DeviceID: deviceID, Versions: map[string]string{}}, nil
	}
	if err != nil {
		return models.DeviceState{}, err
	}
	state := models.DeviceState{DeviceID: deviceID, Versions: map[string]string{}}
	if lastHeartbeat.Valid && lastHeartbeat.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String); err == nil {
			state.LastHeartbeat = t
		}
	}
	if versionsJSON != "" {
		_ = json.Unmarshal([]byte(versionsJSON), &state.Versions)
	}
	return state, nil
}

// TouchHeartbeat upserts the device_state row's last_heartbeat to now.
func (s *Store) TouchHeartbeat(ctx context.Context, deviceID string) error {
	now := s.nowFn().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_state (device_id, last_heartbeat, versions) VALUES (?, ?, '{}')
		 ON CONFLICT(device_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat`,
		deviceID, now,
	)
	return err
}

// RecordServiceVersion upserts one entry in the device_state versions map,
// invoked by the sync worker after a successful package install.
func (s *Store) RecordServiceVersion(ctx context.Context, deviceID, service, version string) error {
	state, err := s.GetDeviceState(ctx, deviceID)
	if err != nil {
		return err
	}
	if state.Versions == nil {
		state.Versions = map[string]string{}
	}
	state.Versions[service] = version
	payload, err := json.Marshal(state.Versions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_state (device_id, last_heartbeat, versions) VALUES (?, '', ?)
		 ON CONFLICT(device_id) DO UPDATE SET versions = excluded.versions`,
		deviceID, string(payload),
	)
	return err
}

func scanUploads(rows *sql.Rows) ([]models.PendingUpload, error) {
	var out []models.PendingUpload
	for rows.Next() {
		upload, err := scanUploadRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, upload)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUpload(row rowScanner) (models.PendingUpload, error) {
	return scanUploadRow(row)
}

func scanUploadRow(row rowScanner) (models.PendingUpload, error) {
	var u models.PendingUpload
	var lastAttempt, checksum, finalURL sql.NullString
	if err := row.Scan(&u.UploadID, &u.EventID, &u.Filepath, &u.Attempts, &lastAttempt, &u.Status, &checksum, &finalURL); err != nil {
		return models.PendingUpload{}, err
	}
	if lastAttempt.Valid && lastAttempt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastAttempt.String); err == nil {
			u.LastAttemptTS = &t
		}
	}
	if checksum.Valid {
		u.Checksum = checksum.String
	}
	if finalURL.Valid {
		u.FinalURL = finalURL.String
	}
	return u, nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}
