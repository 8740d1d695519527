package sync

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"edge-node-agent/internal/models"
)

func TestApplyKBManifest_HappyPath(t *testing.T) {
	pub, priv, _ := newTestKeypair(t)
	archive := buildTarGz(t, map[string]string{"delta.sql": "INSERT INTO kb_entries(id) VALUES (1); INSERT INTO kb_entries(id) VALUES (2);"})
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, archive))

	mux := http.NewServeMux()
	mux.HandleFunc("/delta", func(w http.ResponseWriter, r *http.Request) { w.Write(archive) })
	server := httptest.NewServer(mux)
	defer server.Close()

	in, store := newTestInstaller(t, server, pub, server.URL+"/reload")
	manifest := models.KBManifest{
		KBVersion:       "1.2.0",
		DeltaPackageURL: server.URL + "/delta",
		SHA256:          sha256Hex(archive),
		Signature:       sig,
	}

	if err := in.applyKBManifest(context.Background(), manifest); err != nil {
		t.Fatalf("applyKBManifest: %v", err)
	}
	if store.kbVersion != "1.2.0" {
		t.Errorf("kbVersion = %q, want 1.2.0", store.kbVersion)
	}
	if len(store.appliedDeltas) != 1 || len(store.appliedDeltas[0]) != 2 {
		t.Fatalf("expected one delta with 2 statements, got %v", store.appliedDeltas)
	}
}

func TestApplyKBManifest_SkipsWhenUpToDate(t *testing.T) {
	pub, _, _ := newTestKeypair(t)
	server := httptest.NewServer(http.NewServeMux())
	defer server.Close()

	in, store := newTestInstaller(t, server, pub, server.URL+"/reload")
	store.kbVersion = "2.0.0"

	manifest := models.KBManifest{KBVersion: "2.0.0", DeltaPackageURL: server.URL + "/delta"}
	if err := in.applyKBManifest(context.Background(), manifest); err != nil {
		t.Fatalf("applyKBManifest: %v", err)
	}
	if len(store.appliedDeltas) != 0 {
		t.Error("expected no delta applied when already current")
	}
}

func TestApplyKBManifest_ChecksumMismatchNoApply(t *testing.T) {
	pub, priv, _ := newTestKeypair(t)
	archive := buildTarGz(t, map[string]string{"delta.sql": "INSERT INTO kb_entries(id) VALUES (1);"})
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, archive))

	mux := http.NewServeMux()
	mux.HandleFunc("/delta", func(w http.ResponseWriter, r *http.Request) { w.Write(archive) })
	server := httptest.NewServer(mux)
	defer server.Close()

	in, store := newTestInstaller(t, server, pub, server.URL+"/reload")
	manifest := models.KBManifest{
		KBVersion:       "1.2.0",
		DeltaPackageURL: server.URL + "/delta",
		SHA256:          "deadbeef",
		Signature:       sig,
	}

	if err := in.applyKBManifest(context.Background(), manifest); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if store.kbVersion != "0.0.0" || len(store.appliedDeltas) != 0 {
		t.Error("expected no delta applied and no version recorded on checksum failure")
	}
}
