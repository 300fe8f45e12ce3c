package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

var (
	errIdle        = errors.New("idle timeout")
	errRateLimited = errors.New("connection rate limit exceeded")
)

// activity is the last time either leg of a connection moved data.
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, a.last.Load()))
}

// trackedConn counts bytes and records activity. It keeps half-close
// available to the drivers.
type trackedConn struct {
	net.Conn
	act     *activity
	read    atomic.Int64
	written atomic.Int64
}

func track(c net.Conn, act *activity) *trackedConn {
	return &trackedConn{Conn: c, act: act}
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.read.Add(int64(n))
		c.act.touch()
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.written.Add(int64(n))
		c.act.touch()
	}
	return n, err
}

// NetConn returns the wrapped connection so drivers can reset the socket.
func (c *trackedConn) NetConn() net.Conn {
	return c.Conn
}

func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// watchIdle cancels the connection once no data moved for idle.
func watchIdle(ctx context.Context, act *activity, idle time.Duration, cancel context.CancelCauseFunc) {
	if idle <= 0 {
		return
	}
	tick := max(idle/4, 10*time.Millisecond)
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if act.idleFor(now) >= idle {
				cancel(errIdle)
				return
			}
		}
	}
}

// resetConn closes c so the peer sees a reset.
func resetConn(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	c.Close()
}

func addrPort(a net.Addr) netip.AddrPort {
	if ta, ok := a.(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
