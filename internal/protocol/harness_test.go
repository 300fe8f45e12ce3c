package protocol

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/router"
	"grimm.is/bastion/internal/testutil"
)

// harness runs a driver between a test client and a test server.
type harness struct {
	client net.Conn
	server net.Conn
	cr     *bufio.Reader
	sr     *bufio.Reader

	session  *Session
	observer *recordingObserver
	done     chan error
}

type recordingObserver struct {
	mu       sync.Mutex
	failures []string
}

func (o *recordingObserver) StackFailed(service string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, service)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failures)
}

func startDriver(t *testing.T, svc config.Service, target *router.Target, mods ...func(*Session)) *harness {
	t.Helper()

	service, err := policy.NewService(&svc,
		pipeline.CompileOptions{StackTimeout: 5 * time.Second, StackGrace: time.Second, HandshakeTimeout: 5 * time.Second},
		router.Options{})
	require.NoError(t, err)
	drv, err := For(svc.Proxy)
	require.NoError(t, err)

	client, proxyClient := testutil.TCPPipe(t)
	proxyServer, server := testutil.TCPPipe(t)

	var clientLeg net.Conn = proxyClient
	if target != nil {
		clientLeg = WithReplay(proxyClient, target.Replay)
	}

	h := &harness{
		client:   client,
		server:   server,
		cr:       bufio.NewReader(client),
		sr:       bufio.NewReader(server),
		observer: &recordingObserver{},
		done:     make(chan error, 1),
	}
	h.session = &Session{
		ID:       "test",
		Client:   clientLeg,
		Server:   proxyServer,
		Pipeline: pipeline.New(service.Hooks, nil),
		Service:  service,
		Target:   target,
		Observer: h.observer,
	}
	for _, m := range mods {
		m(h.session)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- drv.Serve(ctx, h.session) }()
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not finish")
		return nil
	}
}

func (h *harness) clientSend(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(h.client, s)
	require.NoError(t, err)
}

func (h *harness) serverSend(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(h.server, s)
	require.NoError(t, err)
}

func (h *harness) clientLine(t *testing.T) string {
	t.Helper()
	return readTestLine(t, h.client, h.cr)
}

func (h *harness) serverLine(t *testing.T) string {
	t.Helper()
	return readTestLine(t, h.server, h.sr)
}

func readTestLine(t *testing.T, c net.Conn, r *bufio.Reader) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

// readAll reads until EOF or error with a deadline.
func readAll(t *testing.T, c net.Conn, r io.Reader) ([]byte, error) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	return io.ReadAll(r)
}
