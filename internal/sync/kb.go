package sync

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"edge-node-agent/internal/models"
)

// applyKBManifest downloads and applies a knowledge-base delta package when
// manifest advertises a version different from what the store currently has.
// Download, extraction, and the checksum and signature checks (each run only
// when the manifest carries that field) happen before a single
// transaction applies the delta's SQL statements; RecordKBVersion only runs
// after that transaction commits, so a partial delta is never observable as
// current.
func (in *installer) applyKBManifest(ctx context.Context, manifest models.KBManifest) error {
	log := in.logger.With("kb_version", manifest.KBVersion)

	if manifest.KBVersion == "" || manifest.DeltaPackageURL == "" {
		log.Debug("kb manifest has no delta to apply")
		return nil
	}

	current, err := in.store.CurrentKBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read current kb version: %w", err)
	}
	if manifest.KBVersion == current {
		log.Debug("kb is up to date")
		return nil
	}
	log.Info("new kb version available", "current", current)

	archivePath := filepath.Join(in.cfg.ModelStoragePath, "kb-"+manifest.KBVersion+".tar.gz")
	defer os.Remove(archivePath)

	if err := in.client.downloadTo(ctx, manifest.DeltaPackageURL, archivePath); err != nil {
		log.Error("kb delta download failed", "error", err)
		return err
	}

	if manifest.SHA256 != "" {
		sum, err := sha256File(archivePath)
		if err != nil {
			return &models.LocalIOError{Path: archivePath, Err: err}
		}
		if sum != manifest.SHA256 {
			log.Error("kb delta checksum mismatch", "expected", manifest.SHA256, "got", sum)
			return &models.IntegrityError{Artifact: "kb-" + manifest.KBVersion, Err: fmt.Errorf("sha256 mismatch: expected %s, got %s", manifest.SHA256, sum)}
		}
	}

	if manifest.Signature != "" {
		payload, err := os.ReadFile(archivePath)
		if err != nil {
			return &models.LocalIOError{Path: archivePath, Err: err}
		}
		if err := verifySignature("kb-"+manifest.KBVersion, in.pubKey, payload, manifest.Signature); err != nil {
			log.Error("kb delta signature verification failed", "error", err)
			return err
		}
	}

	statements, err := readDeltaStatements(archivePath)
	if err != nil {
		return &models.IntegrityError{Artifact: "kb-" + manifest.KBVersion, Err: fmt.Errorf("read delta statements: %w", err)}
	}

	if err := in.store.ApplyKBDelta(ctx, statements); err != nil {
		log.Error("kb delta application failed", "error", err)
		return fmt.Errorf("apply kb delta: %w", err)
	}

	if err := in.store.RecordKBVersion(ctx, manifest.KBVersion); err != nil {
		return fmt.Errorf("record kb version: %w", err)
	}

	log.Info("kb version updated")
	return nil
}

// readDeltaStatements extracts the single "delta.sql" entry from a kb delta
// tar.gz archive and splits it on statement-terminating semicolons.
func readDeltaStatements(archivePath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive has no delta.sql entry")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != "delta.sql" {
			continue
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		var statements []string
		for _, stmt := range strings.Split(string(raw), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt != "" {
				statements = append(statements, stmt)
			}
		}
		return statements, nil
	}
}
