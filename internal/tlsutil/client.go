// Package tlsutil builds client-side mTLS configuration shared by the
// uploader, the sync worker, and the control-plane MQTT client. All three
// need the same certificate-pair-plus-CA-pool shape; this hoists it once,
// the way serverutil.Run builds the server-side tls.Config for a listener.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// CertPaths names the three PEM files an mTLS client identity needs.
type CertPaths struct {
	ClientCert string
	ClientKey  string
	CACert     string
}

// ClientConfig loads the client certificate/key pair and CA bundle named by
// paths and returns a tls.Config suitable for an outbound mTLS connection.
func ClientConfig(paths CertPaths) (*tls.Config, error) {
	if paths.ClientCert == "" || paths.ClientKey == "" {
		return nil, fmt.Errorf("client cert and key paths are required for mTLS")
	}
	cert, err := tls.LoadX509KeyPair(paths.ClientCert, paths.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	if paths.CACert != "" {
		caPEM, err := os.ReadFile(paths.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from CA bundle %s", paths.CACert)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
