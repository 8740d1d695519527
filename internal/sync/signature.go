package sync

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"edge-node-agent/internal/models"
)

// loadPublicKey reads a base64-encoded Ed25519 public key from path.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %q: %w", path, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(trimNewline(raw))
	if err != nil {
		return nil, fmt.Errorf("decode public key %q: %w", path, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key %q has %d bytes, want %d", path, len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// verifySignature checks sigB64 (base64-encoded raw Ed25519 signature) over
// payload using pub, returning an IntegrityError on any mismatch.
func verifySignature(artifact string, pub ed25519.PublicKey, payload []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return &models.IntegrityError{Artifact: artifact, Err: fmt.Errorf("decode signature: %w", err)}
	}
	if !ed25519.Verify(pub, payload, sig) {
		return &models.IntegrityError{Artifact: artifact, Err: fmt.Errorf("signature verification failed")}
	}
	return nil
}
