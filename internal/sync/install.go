package sync

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"edge-node-agent/internal/models"
)

// Repository is the persistence surface the sync worker depends on.
type Repository interface {
	CurrentKBVersion(ctx context.Context) (string, error)
	RecordKBVersion(ctx context.Context, version string) error
	ApplyKBDelta(ctx context.Context, statements []string) error
	RecordServiceVersion(ctx context.Context, deviceID, service, version string) error
	GetDeviceState(ctx context.Context, deviceID string) (models.DeviceState, error)
}

// packagesVersionKey is the device_state.versions entry tracking the latest
// package catalog version this device has successfully installed, used as
// the "since" cursor on the next poll.
const packagesVersionKey = "packages"

// installer runs the download-verify-extract-reload transaction for one
// model package. Every failure path removes whatever it staged so a failed
// install never leaves a half-written version behind.
type installer struct {
	client   *apiClient
	store    Repository
	cfg      Config
	pubKey   ed25519.PublicKey
	deviceID string
	logger   *slog.Logger
}

// installPackage downloads, verifies, and installs pkg, swapping the stable
// "{id}" symlink onto the new version directory only after every prior step
// (including the reload call) has succeeded.
func (in *installer) installPackage(ctx context.Context, pkg models.Package) error {
	log := in.logger.With("package_id", pkg.ID, "version", pkg.Version)

	if pkg.ID == "" || pkg.Version == "" || pkg.DownloadURL == "" || pkg.SHA256 == "" || pkg.Signature == "" {
		return &models.PermanentServerError{Op: "install_package", Err: fmt.Errorf("incomplete package manifest for %q", pkg.ID)}
	}

	if err := os.MkdirAll(in.cfg.ModelStoragePath, 0o755); err != nil {
		return &models.LocalIOError{Path: in.cfg.ModelStoragePath, Err: err}
	}

	archivePath := filepath.Join(in.cfg.ModelStoragePath, fmt.Sprintf("%s-%s.tar.gz", pkg.ID, pkg.Version))
	defer os.Remove(archivePath)

	log.Info("downloading package", "url", pkg.DownloadURL)
	if err := in.client.downloadTo(ctx, pkg.DownloadURL, archivePath); err != nil {
		log.Error("package download failed", "error", err)
		return err
	}

	sum, err := sha256File(archivePath)
	if err != nil {
		return &models.LocalIOError{Path: archivePath, Err: err}
	}
	if sum != pkg.SHA256 {
		log.Error("checksum mismatch", "expected", pkg.SHA256, "got", sum)
		return &models.IntegrityError{Artifact: pkg.ID, Err: fmt.Errorf("sha256 mismatch: expected %s, got %s", pkg.SHA256, sum)}
	}
	log.Info("checksum verified")

	payload, err := os.ReadFile(archivePath)
	if err != nil {
		return &models.LocalIOError{Path: archivePath, Err: err}
	}
	if err := verifySignature(pkg.ID, in.pubKey, payload, pkg.Signature); err != nil {
		log.Error("signature verification failed", "error", err)
		return err
	}
	log.Info("signature verified")

	versionDir := filepath.Join(in.cfg.ModelStoragePath, pkg.ID+"-"+pkg.Version)
	if err := os.RemoveAll(versionDir); err != nil {
		return &models.LocalIOError{Path: versionDir, Err: err}
	}
	if err := extractTarGz(archivePath, versionDir); err != nil {
		os.RemoveAll(versionDir)
		return &models.IntegrityError{Artifact: pkg.ID, Err: fmt.Errorf("extract package: %w", err)}
	}
	log.Info("package extracted", "path", versionDir)

	if err := in.client.triggerReload(ctx, in.cfg.ReloadURL, pkg.Version); err != nil {
		log.Error("model reload failed, rolling back install", "error", err)
		os.RemoveAll(versionDir)
		return err
	}
	log.Info("model reload triggered")

	linkPath := filepath.Join(in.cfg.ModelStoragePath, pkg.ID)
	if err := swapSymlink(linkPath, versionDir); err != nil {
		os.RemoveAll(versionDir)
		return &models.LocalIOError{Path: linkPath, Err: err}
	}

	if err := in.store.RecordServiceVersion(ctx, in.deviceID, pkg.ID, pkg.Version); err != nil {
		return fmt.Errorf("record installed version: %w", err)
	}
	if err := in.store.RecordServiceVersion(ctx, in.deviceID, packagesVersionKey, pkg.Version); err != nil {
		return fmt.Errorf("record package catalog version: %w", err)
	}
	log.Info("package installed")
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// extractTarGz extracts src (a .tar.gz archive) into destDir, which must not
// already exist.
func extractTarGz(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(destDir, hdr.Name)
		if !isWithinDir(destDir, target) {
			return fmt.Errorf("tar entry %q escapes destination directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasPrefix(rel, "..")
}

func filepathHasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

// swapSymlink atomically repoints linkPath at target: a new symlink is
// created alongside linkPath then renamed over it, so readers never observe
// a missing or half-updated link.
func swapSymlink(linkPath, target string) error {
	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, linkPath)
}
