package pipeline

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/keybridge"
	"grimm.is/bastion/internal/pki"
)

// DefaultHandshakeTimeout bounds a TLS handshake when the policy sets none.
const DefaultHandshakeTimeout = 10 * time.Second

// TLSPosture is the compiled ssl block of a service. The client leg faces
// the connecting client (we are the TLS server), the server leg faces the
// upstream (we are the TLS client).
type TLSPosture struct {
	ClientSecurity string
	ClientVerify   string
	ServerSecurity string
	ServerVerify   string
	HandshakeSeq   string
	Timeout        time.Duration

	clientCert   *tls.Certificate
	bridge       *keybridge.Bridge
	clientCAs    *x509.CertPool
	serverRoots  *x509.CertPool
	trustedCerts map[[sha256.Size]byte]bool
}

func compileTLS(cfg *config.SSLConfig, bridges map[string]*keybridge.Bridge, timeout time.Duration) (*TLSPosture, error) {
	t := &TLSPosture{
		ClientSecurity: orDefault(cfg.ClientConnectionSecurity, config.SecurityNone),
		ClientVerify:   orDefault(cfg.ClientVerify, config.VerifyNone),
		ServerSecurity: orDefault(cfg.ServerConnectionSecurity, config.SecurityNone),
		ServerVerify:   orDefault(cfg.ServerVerify, config.VerifyRequiredTrusted),
		HandshakeSeq:   orDefault(cfg.HandshakeSeq, config.HandshakeClientServer),
		Timeout:        timeout,
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultHandshakeTimeout
	}

	if len(cfg.ClientKeypairFiles) == 2 {
		pair, err := tls.LoadX509KeyPair(cfg.ClientKeypairFiles[0], cfg.ClientKeypairFiles[1])
		if err != nil {
			return nil, fmt.Errorf("failed to load client keypair: %w", err)
		}
		t.clientCert = &pair
	}
	if cfg.ClientKeypairGenerate {
		b, ok := bridges[cfg.KeyBridge]
		if !ok {
			return nil, fmt.Errorf("unknown keybridge %q", cfg.KeyBridge)
		}
		t.bridge = b
	}
	if cfg.ClientCADirectory != "" {
		pool, err := pki.LoadPool(cfg.ClientCADirectory)
		if err != nil {
			return nil, err
		}
		t.clientCAs = pool
	}
	if cfg.ServerCADirectory != "" {
		pool, err := pki.LoadPool(cfg.ServerCADirectory)
		if err != nil {
			return nil, err
		}
		t.serverRoots = pool
	}
	if cfg.ServerTrustedCertsDirectory != "" {
		certs, err := pki.LoadCertDir(cfg.ServerTrustedCertsDirectory)
		if err != nil {
			return nil, err
		}
		t.trustedCerts = make(map[[sha256.Size]byte]bool, len(certs))
		for _, c := range certs {
			t.trustedCerts[sha256.Sum256(c.Raw)] = true
		}
	}
	return t, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ClientTLS reports whether the client leg starts with TLS.
func (t *TLSPosture) ClientTLS() bool {
	return t != nil && t.ClientSecurity == config.SecurityForceSSL
}

// ServerTLS reports whether the server leg starts with TLS.
func (t *TLSPosture) ServerTLS() bool {
	return t != nil && t.ServerSecurity == config.SecurityForceSSL
}

// AcceptsStartTLS reports whether the client may upgrade in-protocol.
func (t *TLSPosture) AcceptsStartTLS() bool {
	return t != nil && t.ClientSecurity == config.SecurityAcceptStartTLS
}

func (t *TLSPosture) String() string {
	return fmt.Sprintf("client=%s/%s server=%s/%s seq=%s", t.ClientSecurity, t.ClientVerify, t.ServerSecurity, t.ServerVerify, t.HandshakeSeq)
}

// trusted reports whether the upstream chain verifies against the server CA
// directory (or the system roots) or the leaf is explicitly trusted.
func (t *TLSPosture) trusted(cs tls.ConnectionState, serverName string) bool {
	if len(cs.PeerCertificates) == 0 {
		return false
	}
	leaf := cs.PeerCertificates[0]
	if t.trustedCerts[sha256.Sum256(leaf.Raw)] {
		return true
	}
	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         t.serverRoots,
		Intermediates: inter,
		DNSName:       serverName,
	})
	return err == nil
}

// upstreamResult is filled by the server leg's verification callback.
type upstreamResult struct {
	trusted bool
}

func (t *TLSPosture) serverConfig(serverName string, res *upstreamResult) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // verified below according to server_verify
		VerifyConnection: func(cs tls.ConnectionState) error {
			if t.ServerVerify == config.VerifyNone {
				return nil
			}
			res.trusted = t.trusted(cs, serverName)
			switch t.ServerVerify {
			case config.VerifyRequiredTrusted, config.VerifyOptionalTrusted:
				if !res.trusted {
					return errors.New("upstream certificate is not trusted")
				}
			case config.VerifyRequiredUntrusted:
				if len(cs.PeerCertificates) == 0 {
					return errors.New("upstream presented no certificate")
				}
			}
			return nil
		},
	}
}

func (t *TLSPosture) clientConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ClientCAs: t.clientCAs}
	switch t.ClientVerify {
	case config.VerifyOptionalUntrusted:
		cfg.ClientAuth = tls.RequestClientCert
	case config.VerifyOptionalTrusted:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case config.VerifyRequiredUntrusted:
		cfg.ClientAuth = tls.RequireAnyClientCert
	case config.VerifyRequiredTrusted:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	if t.clientCert != nil {
		cfg.Certificates = []tls.Certificate{*t.clientCert}
	}
	return cfg
}

// Negotiate performs the TLS handshakes the posture calls for at connection
// start and returns the (possibly wrapped) client and server legs.
// serverName is the SNI for the upstream when the client sends none.
//
// With handshake_seq = server_client and TLS on both legs, the upstream
// handshake runs as soon as the client hello arrives, so the client's SNI
// is forwarded and the upstream certificate is known before the client leg
// completes. Minted certificates come from the keybridge in that order.
func (p *Pipeline) Negotiate(ctx context.Context, client, server net.Conn, serverName string) (net.Conn, net.Conn, error) {
	t := p.hooks.tls
	if !t.ClientTLS() && !t.ServerTLS() {
		return client, server, nil
	}
	if err := p.Transition(StateNegotiating); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var (
		clientConn net.Conn = client
		serverConn net.Conn = server
		upstream   *tls.Conn
		res        upstreamResult
		upErr      error
	)
	dialUpstream := func(sni string) error {
		if sni == "" {
			sni = serverName
		}
		c := tls.Client(server, t.serverConfig(sni, &res))
		if err := c.HandshakeContext(ctx); err != nil {
			upErr = err
			return err
		}
		upstream = c
		serverConn = c
		return nil
	}
	fail := func(op string, err error) (net.Conn, net.Conn, error) {
		return nil, nil, p.Close(&Error{Kind: KindTLS, Op: op, Err: err})
	}

	if t.ClientTLS() && t.ServerTLS() && t.HandshakeSeq == config.HandshakeServerClient {
		cfg := t.clientConfig()
		cfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if err := dialUpstream(hello.ServerName); err != nil {
				return nil, err
			}
			return t.leafFor(ctx, upstream, res.trusted)
		}
		c := tls.Server(client, cfg)
		if err := c.HandshakeContext(ctx); err != nil {
			if upErr != nil {
				return fail("server handshake", upErr)
			}
			return fail("client handshake", err)
		}
		return c, serverConn, nil
	}

	sni := ""
	handshakeClient := func() error {
		c := tls.Server(client, t.clientConfig())
		if err := c.HandshakeContext(ctx); err != nil {
			return err
		}
		sni = c.ConnectionState().ServerName
		clientConn = c
		return nil
	}

	if t.HandshakeSeq == config.HandshakeServerClient {
		if t.ServerTLS() {
			if err := dialUpstream(""); err != nil {
				return fail("server handshake", err)
			}
		}
		if t.ClientTLS() {
			if err := handshakeClient(); err != nil {
				return fail("client handshake", err)
			}
		}
		return clientConn, serverConn, nil
	}

	if t.ClientTLS() {
		if err := handshakeClient(); err != nil {
			return fail("client handshake", err)
		}
	}
	if t.ServerTLS() {
		if err := dialUpstream(sni); err != nil {
			return fail("server handshake", err)
		}
	}
	return clientConn, serverConn, nil
}

// leafFor returns the certificate shown to the client: minted from the
// upstream leaf when a keybridge is configured, otherwise the static pair.
func (t *TLSPosture) leafFor(ctx context.Context, upstream *tls.Conn, trusted bool) (*tls.Certificate, error) {
	if t.bridge == nil {
		if t.clientCert == nil {
			return nil, errors.New("no client-side certificate configured")
		}
		return t.clientCert, nil
	}
	peers := upstream.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, errors.New("upstream presented no certificate to mirror")
	}
	return t.bridge.Certificate(ctx, peers[0], trusted)
}

// UpgradeClient runs an in-protocol TLS upgrade of the client leg (SMTP
// STARTTLS) and returns to HEADER_EXCHANGE.
func (p *Pipeline) UpgradeClient(ctx context.Context, client net.Conn) (net.Conn, error) {
	t := p.hooks.tls
	if !t.AcceptsStartTLS() {
		return nil, p.Close(&Error{Kind: KindTLS, Op: "starttls", Reason: "STARTTLS not enabled"})
	}
	if err := p.Transition(StateNegotiating); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	c := tls.Server(client, t.clientConfig())
	if err := c.HandshakeContext(ctx); err != nil {
		return nil, p.Close(&Error{Kind: KindTLS, Op: "starttls", Err: err})
	}
	if err := p.Transition(StateHeaderExchange); err != nil {
		return nil, err
	}
	return c, nil
}
