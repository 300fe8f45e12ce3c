package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/audit"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/metrics"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/protocol"
	"grimm.is/bastion/internal/router"
)

type auditLog chan audit.Record

func (a auditLog) Write(rec audit.Record) error {
	a <- rec
	return nil
}

func (a auditLog) next(t *testing.T) audit.Record {
	t.Helper()
	select {
	case rec := <-a:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("no audit record written")
		return audit.Record{}
	}
}

// echoServer accepts connections and echoes until the peer half-closes.
type echoServer struct {
	ln       net.Listener
	accepted atomic.Int32
}

func startEcho(t *testing.T) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	e := &echoServer{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			e.accepted.Add(1)
			go func() {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return e
}

type fixture struct {
	addr      string
	audit     auditLog
	collector *metrics.Collector
}

// startProxy binds a plain listener, renders the policy with its address
// and port, and serves until the test ends.
func startProxy(t *testing.T, policyFmt string, args ...any) *fixture {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	src := strings.NewReplacer("@LISTEN@", ln.Addr().String(), "@PORT@", fmt.Sprint(port)).
		Replace(fmt.Sprintf(policyFmt, args...))
	cfg, err := config.LoadHCL([]byte(src), "proxy_test.hcl")
	require.NoError(t, err)
	p, err := policy.Build(cfg, policy.Options{})
	require.NoError(t, err)

	f := &fixture{
		addr:      ln.Addr().String(),
		audit:     make(auditLog, 8),
		collector: metrics.NewCollector(metrics.New(), nil, nil, time.Minute),
	}
	s := NewServer(p, Options{Metrics: f.collector, Audit: f.audit})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx, cfg.Listeners[0], ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Wait()
	})
	return f
}

const plugPolicy = `
listener "test" {
  address = "@LISTEN@"
  mode    = "plain"
}

zone "local" {
  addrs = ["127.0.0.0/8"]
}

service "echo" {
  proxy = "plug"
  router "directed" {
    targets = ["%s"]
  }
}

rule {
  id       = "echo"
  service  = "echo"
  src_zone = "local"
  dst_port = %s
}
`

func TestServer_PlugRelay(t *testing.T) {
	echo := startEcho(t)
	f := startProxy(t, plugPolicy, echo.ln.Addr().String(), "@PORT@")

	c, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	rec := f.audit.next(t)
	assert.Equal(t, OutcomeOK, rec.Outcome)
	assert.Equal(t, "echo", rec.Rule)
	assert.Equal(t, "echo", rec.Service)
	assert.Equal(t, "local", rec.SrcZone)
	assert.Equal(t, "test", rec.Listener)
	assert.Equal(t, echo.ln.Addr().String(), rec.Server)
	assert.Equal(t, int64(4), rec.BytesIn)
	assert.Equal(t, int64(4), rec.BytesOut)
	assert.NotEmpty(t, rec.ConnID)

	stats := f.collector.GetServiceStats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Total)
	assert.Equal(t, int64(0), stats[0].Active)
	assert.Equal(t, int64(1), stats[0].Outcomes[OutcomeOK])
}

func TestServer_NoMatchNeverContactsServer(t *testing.T) {
	echo := startEcho(t)
	f := startProxy(t, plugPolicy, echo.ln.Addr().String(), "1")

	c, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)

	rec := f.audit.next(t)
	assert.Equal(t, OutcomeNoMatch, rec.Outcome)
	assert.Empty(t, rec.Service)
	assert.Empty(t, rec.Server)
	assert.Contains(t, rec.Reason, "no rule matches")
	assert.Equal(t, int32(0), echo.accepted.Load())
	assert.Empty(t, f.collector.GetServiceStats())
}

func TestServer_UnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	f := startProxy(t, plugPolicy, dead, "@PORT@")

	c, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)

	rec := f.audit.next(t)
	assert.Equal(t, OutcomeRoute, rec.Outcome)
	assert.Equal(t, "echo", rec.Service)
}

func TestServer_IdleTimeout(t *testing.T) {
	echo := startEcho(t)
	f := startProxy(t, `timeouts {
  idle = "200ms"
}
`+plugPolicy, echo.ln.Addr().String(), "@PORT@")

	c, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	var nerr net.Error
	if errors.As(err, &nerr) {
		assert.False(t, nerr.Timeout(), "proxy should close the idle connection first")
	}

	rec := f.audit.next(t)
	assert.Equal(t, OutcomeIdle, rec.Outcome)
}

const httpPolicy = `
listener "test" {
  address = "@LISTEN@"
  mode    = "plain"
}

zone "local" {
  addrs = ["127.0.0.0/8"]
}

service "web" {
  proxy = "http"
  router "directed" {
    targets = ["%s"]
  }
  request "GET" {
    action     = "policy"
    policy     = "deny_url"
    args       = ["http://blocked.example/"]
    error_info = "Blocked by policy."
  }
}

rule {
  service  = "web"
  dst_port = @PORT@
}
`

func TestServer_HTTPRejection(t *testing.T) {
	echo := startEcho(t)
	f := startProxy(t, httpPolicy, echo.ln.Addr().String())

	c, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("GET / HTTP/1.1\r\nHost: blocked.example\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(c)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(status, "HTTP/1.1 403"), status)

	rec := f.audit.next(t)
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Equal(t, "1", rec.Rule)
	assert.Equal(t, "web", rec.Service)
}

func TestServer_StartBindsListeners(t *testing.T) {
	cfg, err := config.LoadHCL([]byte(`
listener "a" {
  address = "127.0.0.1:0"
  mode    = "plain"
}

service "s" {
  proxy = "plug"
}

rule {
  service = "s"
}
`), "start.hcl")
	require.NoError(t, err)
	p, err := policy.Build(cfg, policy.Options{})
	require.NoError(t, err)

	s := NewServer(p, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	addr := s.Addrs()["a"]
	require.NotNil(t, addr)
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	c.Close()

	cancel()
	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = net.Dial("tcp", addr.String())
	assert.Error(t, err)
}

func TestServer_ListenConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg, err := config.LoadHCL([]byte(fmt.Sprintf(`
listener "free" {
  address = "127.0.0.1:0"
  mode    = "plain"
}

listener "taken" {
  address = %q
  mode    = "plain"
}

service "s" {
  proxy = "plug"
}

rule {
  service = "s"
}
`, ln.Addr().String())), "conflict.hcl")
	require.NoError(t, err)
	p, err := policy.Build(cfg, policy.Options{})
	require.NoError(t, err)

	s := NewServer(p, Options{})
	err = s.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taken")
	assert.Empty(t, s.Addrs())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{&policy.MatchError{}, OutcomeNoMatch},
		{fmt.Errorf("wrapped: %w", &router.RouteError{Router: "dial", Reason: "x"}), OutcomeRoute},
		{pipeline.Rejected("GET", "denied"), OutcomeRejected},
		{&pipeline.Error{Kind: pipeline.KindTLS, Op: "handshake"}, OutcomeTLS},
		{&pipeline.Error{Kind: pipeline.KindPipeline, Op: "stack"}, OutcomePipeline},
		{fmt.Errorf("%w: bad line", protocol.ErrProtocol), OutcomeProtocol},
		{errIdle, OutcomeIdle},
		{errRateLimited, OutcomeLimited},
		{context.Canceled, OutcomeCancelled},
		{io.ErrUnexpectedEOF, OutcomeReset},
		{net.ErrClosed, OutcomeReset},
		{errors.New("other"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTrackedConn(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	act := &activity{}
	tc := track(a, act)

	go func() {
		b.Write([]byte("hello"))
		buf := make([]byte, 3)
		io.ReadFull(b, buf)
	}()

	buf := make([]byte, 5)
	_, err := io.ReadFull(tc, buf)
	require.NoError(t, err)
	_, err = tc.Write([]byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), tc.read.Load())
	assert.Equal(t, int64(3), tc.written.Load())
	assert.Less(t, act.idleFor(time.Now()), time.Second)
	assert.Equal(t, a, tc.NetConn())
	tc.Close()
}

func TestServer_RateLimit(t *testing.T) {
	echo := startEcho(t)
	f := startProxy(t, strings.Replace(plugPolicy, `mode    = "plain"`, `mode    = "plain"
  rate_limit {
    connections = 1
    window      = "1h"
  }`, 1), echo.ln.Addr().String(), "@PORT@")

	first, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	second, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(buf)
	require.Error(t, err)

	require.Eventually(t, func() bool { return echo.accepted.Load() == 1 }, time.Second, 10*time.Millisecond)
	select {
	case rec := <-f.audit:
		t.Fatalf("unexpected audit record %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}
