package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadCertDir reads every PEM certificate in dir (files ending in .pem,
// .crt or .cer, and hashed OpenSSL links ending in .0). Unparseable files are
// skipped.
func LoadCertDir(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate directory: %w", err)
	}

	var certs []*x509.Certificate
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !isCertFile(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				continue
			}
			if seen[string(cert.Raw)] {
				continue
			}
			seen[string(cert.Raw)] = true
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

// LoadPool builds a certificate pool from dir.
func LoadPool(dir string) (*x509.CertPool, error) {
	certs, err := LoadCertDir(dir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

func isCertFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pem", ".crt", ".cer":
		return true
	}
	// c_rehash style links: 5d30f3c5.0
	return len(ext) >= 2 && ext[1] >= '0' && ext[1] <= '9'
}
