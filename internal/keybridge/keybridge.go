// Package keybridge mints TLS server certificates that mirror an upstream
// server's certificate, signed by a local CA, for transparent interception.
//
// Upstream certificates that verified against the server-side trust store
// are mirrored under the trusted CA; all others under the untrusted CA, so
// a client that trusts only the former still sees a broken chain when the
// real server's chain was broken. Minted certificates are cached per
// upstream identity and concurrent requests for the same identity share one
// minting operation.
package keybridge

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/pki"
)

// Observer receives cache events. The metrics package implements it.
type Observer interface {
	KeybridgeMint(bridge string, trusted bool)
	KeybridgeCacheHit(bridge string)
}

// DefaultMaxCached bounds the in-memory certificate cache.
const DefaultMaxCached = 4096

// Options tune a Bridge.
type Options struct {
	Clock    clock.Clock
	Logger   *logging.Logger
	Observer Observer

	// MaxCached caps in-memory entries; 0 means DefaultMaxCached.
	MaxCached int
}

// Bridge mints and caches mirrored leaf certificates.
type Bridge struct {
	name      string
	trusted   *pki.CA
	untrusted *pki.CA
	leafKey   crypto.Signer
	cacheDir  string

	clock    clock.Clock
	log      *logging.Logger
	observer Observer

	mu        sync.Mutex
	cache     map[string]*tls.Certificate
	maxCached int
	group     singleflight.Group

	mints atomic.Int64
}

// New builds a bridge. untrusted may be nil, in which case the trusted CA
// signs every certificate. cacheDir may be empty to keep the cache in memory.
func New(name string, trusted, untrusted *pki.CA, leafKey crypto.Signer, cacheDir string, opts Options) (*Bridge, error) {
	if trusted == nil {
		return nil, fmt.Errorf("keybridge %s: trusted CA is required", name)
	}
	if untrusted == nil {
		untrusted = trusted
	}
	if leafKey == nil {
		var err error
		if leafKey, err = pki.GenerateKey(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("keybridge")
	}
	maxCached := opts.MaxCached
	if maxCached <= 0 {
		maxCached = DefaultMaxCached
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("keybridge %s: failed to create cache directory: %w", name, err)
		}
	}

	return &Bridge{
		name:      name,
		trusted:   trusted,
		untrusted: untrusted,
		leafKey:   leafKey,
		cacheDir:  cacheDir,
		clock:     clock.OrReal(opts.Clock),
		log:       log.With("keybridge", name),
		observer:  opts.Observer,
		cache:     make(map[string]*tls.Certificate),
		maxCached: maxCached,
	}, nil
}

// Load builds a bridge from its policy block, reading CA and key files.
func Load(cfg config.KeyBridge, opts Options) (*Bridge, error) {
	trusted, err := pki.LoadCA(cfg.TrustedCACert, cfg.TrustedCAKey)
	if err != nil {
		return nil, fmt.Errorf("keybridge %s: %w", cfg.Name, err)
	}
	var untrusted *pki.CA
	if cfg.UntrustedCACert != "" {
		if untrusted, err = pki.LoadCA(cfg.UntrustedCACert, cfg.UntrustedCAKey); err != nil {
			return nil, fmt.Errorf("keybridge %s: %w", cfg.Name, err)
		}
	}
	leafKey, err := pki.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("keybridge %s: %w", cfg.Name, err)
	}
	return New(cfg.Name, trusted, untrusted, leafKey, cfg.CacheDirectory, opts)
}

// Name returns the bridge's policy name.
func (b *Bridge) Name() string {
	return b.name
}

// Mints returns how many certificates this bridge has signed.
func (b *Bridge) Mints() int64 {
	return b.mints.Load()
}

// CacheKey identifies an upstream certificate and trust class.
func CacheKey(upstream *x509.Certificate, trusted bool) string {
	sum := sha256.Sum256(upstream.Raw)
	class := "untrusted"
	if trusted {
		class = "trusted"
	}
	return hex.EncodeToString(sum[:]) + "-" + class
}

// Certificate returns the mirrored certificate for upstream, minting it if
// no valid cached copy exists. Waiters for the same identity receive the
// same *tls.Certificate.
func (b *Bridge) Certificate(ctx context.Context, upstream *x509.Certificate, trusted bool) (*tls.Certificate, error) {
	if upstream == nil {
		return nil, errors.New("keybridge: no upstream certificate")
	}
	key := CacheKey(upstream, trusted)

	if cert := b.cached(key); cert != nil {
		b.hit()
		return cert, nil
	}

	ch := b.group.DoChan(key, func() (any, error) {
		// a concurrent flight may have finished between cached() and here
		if cert := b.cached(key); cert != nil {
			return cert, nil
		}
		if cert := b.loadDisk(key); cert != nil {
			b.store(key, cert)
			return cert, nil
		}
		cert, err := b.mint(upstream, trusted)
		if err != nil {
			return nil, err
		}
		b.store(key, cert)
		b.saveDisk(key, cert)
		return cert, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tls.Certificate), nil
	}
}

func (b *Bridge) hit() {
	if b.observer != nil {
		b.observer.KeybridgeCacheHit(b.name)
	}
}

func (b *Bridge) cached(key string) *tls.Certificate {
	b.mu.Lock()
	defer b.mu.Unlock()

	cert, ok := b.cache[key]
	if !ok {
		return nil
	}
	if !b.clock.Now().Before(cert.Leaf.NotAfter) {
		delete(b.cache, key)
		return nil
	}
	return cert
}

// store adds cert to the memory cache. When the cache is full, expired
// entries are swept first and then the entries closest to expiry evicted.
func (b *Bridge) store(key string, cert *tls.Certificate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cache[key]; !ok && len(b.cache) >= b.maxCached {
		now := b.clock.Now()
		for k, c := range b.cache {
			if !now.Before(c.Leaf.NotAfter) {
				delete(b.cache, k)
			}
		}
		for len(b.cache) >= b.maxCached {
			var victim string
			var soonest time.Time
			for k, c := range b.cache {
				if victim == "" || c.Leaf.NotAfter.Before(soonest) {
					victim, soonest = k, c.Leaf.NotAfter
				}
			}
			delete(b.cache, victim)
		}
	}
	b.cache[key] = cert
}

func (b *Bridge) signer(trusted bool) *pki.CA {
	if trusted {
		return b.trusted
	}
	return b.untrusted
}

// mint signs a leaf that copies the upstream identity. Validity is clamped to
// the signing CA's own window.
func (b *Bridge) mint(upstream *x509.Certificate, trusted bool) (*tls.Certificate, error) {
	ca := b.signer(trusted)

	serial, err := pki.NewSerial()
	if err != nil {
		return nil, err
	}

	notBefore := upstream.NotBefore
	if notBefore.Before(ca.Cert.NotBefore) {
		notBefore = ca.Cert.NotBefore
	}
	notAfter := upstream.NotAfter
	if notAfter.After(ca.Cert.NotAfter) {
		notAfter = ca.Cert.NotAfter
	}
	if !notAfter.After(notBefore) {
		// expired upstream or CA: still mirror, for one day from now
		notBefore = b.clock.Now().Add(-time.Hour)
		notAfter = b.clock.Now().Add(24 * time.Hour)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               upstream.Subject,
		DNSNames:              upstream.DNSNames,
		IPAddresses:           upstream.IPAddresses,
		EmailAddresses:        upstream.EmailAddresses,
		URIs:                  upstream.URIs,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, b.leafKey.Public(), ca.Key)
	if err != nil {
		return nil, fmt.Errorf("keybridge %s: failed to sign certificate: %w", b.name, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	b.mints.Add(1)
	if b.observer != nil {
		b.observer.KeybridgeMint(b.name, trusted)
	}
	b.log.Debug("minted certificate", "subject", upstream.Subject.String(), "trusted", trusted)

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.Cert.Raw},
		PrivateKey:  b.leafKey,
		Leaf:        leaf,
	}, nil
}

func (b *Bridge) cachePath(key string) string {
	return filepath.Join(b.cacheDir, key+".pem")
}

// loadDisk returns a cached certificate from disk if it is still valid,
// signed by the current CA and bound to the current leaf key.
func (b *Bridge) loadDisk(key string) *tls.Certificate {
	if b.cacheDir == "" {
		return nil
	}
	data, err := os.ReadFile(b.cachePath(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.log.Warn("failed to read cached certificate", "error", err)
		}
		return nil
	}
	leaf, err := pki.ParseCertificatePEM(data)
	if err != nil {
		return nil
	}

	trusted := strings.HasSuffix(key, "-trusted")
	ca := b.signer(trusted)
	now := b.clock.Now()
	if now.Before(leaf.NotBefore) || !now.Before(leaf.NotAfter) {
		return nil
	}
	if leaf.CheckSignatureFrom(ca.Cert) != nil {
		return nil
	}
	if pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool }); !ok || !pub.Equal(b.leafKey.Public()) {
		return nil
	}

	return &tls.Certificate{
		Certificate: [][]byte{leaf.Raw, ca.Cert.Raw},
		PrivateKey:  b.leafKey,
		Leaf:        leaf,
	}
}

func (b *Bridge) saveDisk(key string, cert *tls.Certificate) {
	if b.cacheDir == "" {
		return
	}
	tmp := b.cachePath(key) + ".tmp"
	if err := os.WriteFile(tmp, pki.EncodeCertificate(cert.Leaf.Raw), 0o600); err != nil {
		b.log.Warn("failed to write cached certificate", "error", err)
		return
	}
	if err := os.Rename(tmp, b.cachePath(key)); err != nil {
		b.log.Warn("failed to store cached certificate", "error", err)
		os.Remove(tmp)
	}
}
