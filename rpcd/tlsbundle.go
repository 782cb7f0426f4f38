// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcd

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/docker/go-connections/tlsconfig"
)

// TLSBundle names the mutual-TLS material every peer is provisioned
// with: a CA bundle plus this peer's certificate and key. The
// certificate Common Name is the peer's identity for authorization.
type TLSBundle struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Verify checks that every file in the bundle is readable.
func (b TLSBundle) Verify() error {
	for _, path := range []string{b.CAFile, b.CertFile, b.KeyFile} {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("TLS material unreadable: %w", err)
		}
		f.Close()
	}
	return nil
}

// ServerConfig builds the daemon-side TLS config. Client certificates
// are required and verified against the CA on every inbound connection.
func (b TLSBundle) ServerConfig() (*tls.Config, error) {
	return tlsconfig.Server(tlsconfig.Options{
		CAFile:     b.CAFile,
		CertFile:   b.CertFile,
		KeyFile:    b.KeyFile,
		ClientAuth: tls.RequireAndVerifyClientCert,
	})
}

// ClientConfig builds the outbound-proxy TLS config.
func (b TLSBundle) ClientConfig() (*tls.Config, error) {
	return tlsconfig.Client(tlsconfig.Options{
		CAFile:   b.CAFile,
		CertFile: b.CertFile,
		KeyFile:  b.KeyFile,
	})
}
