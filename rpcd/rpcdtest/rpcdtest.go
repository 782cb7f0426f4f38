// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcdtest provisions throwaway mutual-TLS material for tests:
// one CA per Authority plus per-peer certificates whose Common Name is
// the peer identity, valid for loopback.
package rpcdtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaultd/rpcd"
)

// Authority is a test-only certificate authority.
type Authority struct {
	dir    string
	caPath string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	serial int64
}

// NewAuthority creates a fresh CA under a temporary directory.
func NewAuthority(t *testing.T) *Authority {
	t.Helper()
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "vaultd test CA", Organization: []string{"vaultd"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(err)

	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	writePEM(t, caPath, "CERTIFICATE", der)

	return &Authority{
		dir:    dir,
		caPath: caPath,
		cert:   cert,
		key:    key,
		serial: 1,
	}
}

// BundleFor issues a certificate with Common Name [cn], valid for
// loopback as both server and client, and returns the matching bundle.
func (a *Authority) BundleFor(t *testing.T, cn string) rpcd.TLSBundle {
	t.Helper()
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	a.serial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(a.serial),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"vaultd"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	require.NoError(err)

	certPath := filepath.Join(a.dir, cn+"_cert.pem")
	keyPath := filepath.Join(a.dir, cn+"_key.pem")
	writePEM(t, certPath, "CERTIFICATE", der)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(err)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)

	return rpcd.TLSBundle{
		CAFile:   a.caPath,
		CertFile: certPath,
		KeyFile:  keyPath,
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}))
}
