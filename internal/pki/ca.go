// Package pki loads and bootstraps the certificate authorities and keys used
// for TLS interception.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"grimm.is/bastion/internal/brand"
	"grimm.is/bastion/internal/clock"
)

// renewBefore is how close to expiry EnsureCA regenerates a CA.
const renewBefore = 30 * 24 * time.Hour

// CA is a signing certificate with its private key.
type CA struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// LoadCA reads a PEM certificate and key pair and checks that the
// certificate may sign others.
func LoadCA(certFile, keyFile string) (*CA, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA %s: %w", certFile, err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA %s: %w", certFile, err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", certFile)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key %s cannot sign", keyFile)
	}
	return &CA{Cert: cert, Key: signer}, nil
}

// GenerateCA creates a self-signed P-256 CA valid for the given duration.
func GenerateCA(commonName string, validity time.Duration, clk clock.Clock) (*CA, error) {
	clk = clock.OrReal(clk)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := NewSerial()
	if err != nil {
		return nil, err
	}

	now := clk.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{brand.Name},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, Key: key}, nil
}

// Write stores the CA as PEM files. The key file is created 0600.
func (ca *CA) Write(certFile, keyFile string) error {
	if err := os.MkdirAll(filepath.Dir(certFile), 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(certFile, EncodeCertificate(ca.Cert.Raw), 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	keyPEM, err := EncodeKey(ca.Key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// EnsureCA loads the CA at the given paths, generating and writing a new one
// when the files are missing or the certificate is about to expire.
func EnsureCA(certFile, keyFile, commonName string, validity time.Duration, clk clock.Clock) (*CA, bool, error) {
	clk = clock.OrReal(clk)

	if _, err := os.Stat(certFile); err == nil {
		ca, err := LoadCA(certFile, keyFile)
		if err == nil && ca.Cert.NotAfter.Sub(clk.Now()) > renewBefore {
			return ca, false, nil
		}
	}

	ca, err := GenerateCA(commonName, validity, clk)
	if err != nil {
		return nil, false, err
	}
	if err := ca.Write(certFile, keyFile); err != nil {
		return nil, false, err
	}
	return ca, true, nil
}

// NewSerial returns a random 128-bit certificate serial number.
func NewSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// EncodeCertificate PEM-encodes a DER certificate.
func EncodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ParseCertificatePEM returns the first certificate in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
