//go:build linux

package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/testutil"
)

func TestServer_TProxyListener(t *testing.T) {
	testutil.RequireNetAdmin(t)

	echo := startEcho(t)
	cfg, err := config.LoadHCL([]byte(fmt.Sprintf(`
listener "tp" {
  address = "127.0.0.1:0"
  mode    = "tproxy"
}

service "echo" {
  proxy = "plug"
  router "directed" {
    targets = [%q]
  }
}

rule {
  service = "echo"
}
`, echo.ln.Addr().String())), "tproxy.hcl")
	require.NoError(t, err)
	p, err := policy.Build(cfg, policy.Options{})
	require.NoError(t, err)

	s := NewServer(p, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.Wait()
	}()
	require.NoError(t, s.Start(ctx))

	c, err := net.DialTimeout("tcp", s.Addrs()["tp"].String(), 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("tproxy"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "tproxy", string(got))
}

func TestOriginalDst_NotTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := originalDst(a)
	assert.Error(t, err)
}
