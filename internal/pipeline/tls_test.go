package pipeline

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/keybridge"
	"grimm.is/bastion/internal/pki"
)

// tcpPipe returns both ends of a loopback TCP connection. TLS handshakes
// need the kernel's buffering; net.Pipe can deadlock on session tickets.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	other := <-accepted
	require.NotNil(t, other)
	t.Cleanup(func() {
		dialed.Close()
		other.Close()
	})
	return dialed, other
}

type tlsLab struct {
	upstreamRoot *pki.CA
	upstreamCert tls.Certificate
	bridge       *keybridge.Bridge
	trustedCA    *pki.CA
	rootsDir     string
}

func newTLSLab(t *testing.T) *tlsLab {
	t.Helper()
	root, err := pki.GenerateCA("Upstream Root", 24*time.Hour, nil)
	require.NoError(t, err)

	key, err := pki.GenerateKey()
	require.NoError(t, err)
	serial, err := pki.NewSerial()
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "secure.test"},
		DNSNames:     []string{"secure.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, root.Cert, key.Public(), root.Key)
	require.NoError(t, err)

	trusted, err := pki.GenerateCA("Trusted Interception CA", 24*time.Hour, nil)
	require.NoError(t, err)
	untrusted, err := pki.GenerateCA("Untrusted Interception CA", 24*time.Hour, nil)
	require.NoError(t, err)
	bridge, err := keybridge.New("lab", trusted, untrusted, nil, "", keybridge.Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upstream-root.pem"), pki.EncodeCertificate(root.Cert.Raw), 0o644))

	return &tlsLab{
		upstreamRoot: root,
		upstreamCert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		bridge:       bridge,
		trustedCA:    trusted,
		rootsDir:     dir,
	}
}

// serveUpstream runs a TLS server on one end of a pipe that echoes one line.
func (l *tlsLab) serveUpstream(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		s := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{l.upstreamCert}})
		defer s.Close()
		if err := s.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		s.Write(buf)
	}()
}

func (l *tlsLab) keybridgePipeline(t *testing.T, serverVerify string, rootsDir string) *Pipeline {
	t.Helper()
	svc := &config.Service{
		Name:  "https",
		Proxy: config.ProxyHTTP,
		SSL: &config.SSLConfig{
			HandshakeSeq:             config.HandshakeServerClient,
			KeyBridge:                "lab",
			ClientKeypairGenerate:    true,
			ClientConnectionSecurity: config.SecurityForceSSL,
			ClientVerify:             config.VerifyNone,
			ServerConnectionSecurity: config.SecurityForceSSL,
			ServerVerify:             serverVerify,
			ServerCADirectory:        rootsDir,
		},
	}
	h, err := Compile(svc, CompileOptions{
		Bridges:          map[string]*keybridge.Bridge{"lab": l.bridge},
		HandshakeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return New(h, nil)
}

func TestNegotiate_KeybridgeTrusted(t *testing.T) {
	lab := newTLSLab(t)
	p := lab.keybridgePipeline(t, config.VerifyRequiredTrusted, lab.rootsDir)

	upstreamSide, serverLeg := tcpPipe(t)
	clientLeg, clientSide := tcpPipe(t)
	lab.serveUpstream(t, upstreamSide)

	roots := x509.NewCertPool()
	roots.AddCert(lab.trustedCA.Cert)
	clientErr := make(chan error, 1)
	go func() {
		c := tls.Client(clientSide, &tls.Config{RootCAs: roots, ServerName: "secure.test"})
		err := c.Handshake()
		clientErr <- err
		if err == nil {
			c.Write([]byte("hello"))
		}
	}()

	cl, sv, err := p.Negotiate(context.Background(), clientLeg, serverLeg, "")
	require.NoError(t, err)
	require.NoError(t, <-clientErr)
	assert.Equal(t, StateNegotiating, p.State())

	// bytes flow through both wrapped legs
	buf := make([]byte, 5)
	_, err = io.ReadFull(cl, buf)
	require.NoError(t, err)
	_, err = sv.Write(buf)
	require.NoError(t, err)
	_, err = io.ReadFull(sv, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	state := cl.(*tls.Conn).ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	assert.Equal(t, "secure.test", state.ServerName)
	assert.Equal(t, int64(1), lab.bridge.Mints())
}

func TestNegotiate_UntrustedUpstreamGetsUntrustedCA(t *testing.T) {
	lab := newTLSLab(t)
	// no CA directory: the upstream root is unknown to the system roots
	p := lab.keybridgePipeline(t, config.VerifyOptionalUntrusted, "")

	upstreamSide, serverLeg := tcpPipe(t)
	clientLeg, clientSide := tcpPipe(t)
	lab.serveUpstream(t, upstreamSide)

	leafCh := make(chan *x509.Certificate, 1)
	go func() {
		c := tls.Client(clientSide, &tls.Config{InsecureSkipVerify: true, ServerName: "secure.test"})
		if err := c.Handshake(); err != nil {
			leafCh <- nil
			return
		}
		leafCh <- c.ConnectionState().PeerCertificates[0]
	}()

	_, _, err := p.Negotiate(context.Background(), clientLeg, serverLeg, "")
	require.NoError(t, err)
	leaf := <-leafCh
	require.NotNil(t, leaf)
	assert.Equal(t, "Untrusted Interception CA", leaf.Issuer.CommonName)
	assert.Error(t, leaf.CheckSignatureFrom(lab.trustedCA.Cert))
}

func TestNegotiate_RequiredTrustedFails(t *testing.T) {
	lab := newTLSLab(t)
	p := lab.keybridgePipeline(t, config.VerifyRequiredTrusted, "")

	upstreamSide, serverLeg := tcpPipe(t)
	clientLeg, clientSide := tcpPipe(t)
	lab.serveUpstream(t, upstreamSide)
	go func() {
		c := tls.Client(clientSide, &tls.Config{InsecureSkipVerify: true, ServerName: "secure.test"})
		c.Handshake()
		c.Close()
	}()

	_, _, err := p.Negotiate(context.Background(), clientLeg, serverLeg, "")
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTLS, perr.Kind)
	assert.Equal(t, "server handshake", perr.Op)
	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, int64(0), lab.bridge.Mints())
}

func TestNegotiate_Plaintext(t *testing.T) {
	p := New(nil, nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cl, sv, err := p.Negotiate(context.Background(), a, b, "")
	require.NoError(t, err)
	assert.Same(t, a, cl)
	assert.Same(t, b, sv)
	assert.Equal(t, StateConnecting, p.State())
}

func TestNegotiate_ServerOnly(t *testing.T) {
	lab := newTLSLab(t)
	h, err := Compile(&config.Service{
		Name:  "smtps",
		Proxy: config.ProxySMTP,
		SSL: &config.SSLConfig{
			ServerConnectionSecurity: config.SecurityForceSSL,
			ServerVerify:             config.VerifyOptionalUntrusted,
		},
	}, CompileOptions{})
	require.NoError(t, err)
	p := New(h, nil)

	upstreamSide, serverLeg := tcpPipe(t)
	lab.serveUpstream(t, upstreamSide)
	clientLeg, _ := tcpPipe(t)

	cl, sv, err := p.Negotiate(context.Background(), clientLeg, serverLeg, "secure.test")
	require.NoError(t, err)
	assert.Same(t, clientLeg, cl)
	_, isTLS := sv.(*tls.Conn)
	assert.True(t, isTLS)
}

func TestUpgradeClient_NotEnabled(t *testing.T) {
	p := New(nil, nil)
	a, _ := net.Pipe()
	_, err := p.UpgradeClient(context.Background(), a)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTLS, perr.Kind)
}
