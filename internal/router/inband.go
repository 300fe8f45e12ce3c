package router

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"grimm.is/bastion/internal/config"
)

const (
	// DefaultMaxBytes is the preamble budget when the policy sets none.
	DefaultMaxBytes = 4096
	// DefaultInbandTimeout bounds the wait for a parseable preamble.
	DefaultInbandTimeout = 15 * time.Second
)

// ErrBudgetExceeded is returned when the client sends more preamble bytes
// than allowed without naming a destination.
var ErrBudgetExceeded = errors.New("preamble byte budget exceeded")

// Destination is what an Addresser extracted from the client.
type Destination struct {
	Host    string
	Port    uint16
	Replay  []byte
	Greeted bool
	Tunnel  bool
}

// Addresser parses a protocol preamble for the requested destination.
// It reads through r, which is bounded by the byte budget, and may answer the
// client through w (FTP needs a greeting before the client speaks). Bytes
// left buffered in r after Address returns are appended to the replay.
type Addresser interface {
	Address(ctx context.Context, w io.Writer, r *bufio.Reader) (*Destination, error)
}

// Inband reads the destination from the client's first bytes.
type Inband struct {
	Addresser Addresser
	MaxBytes  int
	Timeout   time.Duration
	Resolver  Resolver
	ForgePort bool
}

func (r *Inband) Kind() string { return config.RouterInband }

// Route blocks until the addresser finds a destination, the byte budget is
// spent or the deadline passes, whichever comes first.
func (r *Inband) Route(ctx context.Context, req *Request) (*Target, error) {
	if req.Client == nil {
		return nil, &RouteError{Router: r.Kind(), Reason: "no client connection"}
	}
	budget := r.MaxBytes
	if budget <= 0 {
		budget = DefaultMaxBytes
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultInbandTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	if err := req.Client.SetReadDeadline(deadline); err != nil {
		return nil, &RouteError{Router: r.Kind(), Reason: "failed to set deadline", Err: err}
	}
	defer req.Client.SetReadDeadline(time.Time{})

	// unblock the read if the caller's context ends first
	stop := context.AfterFunc(ctx, func() {
		req.Client.SetReadDeadline(time.Now())
	})
	defer stop()

	lr := &budgetReader{r: req.Client, left: budget}
	br := bufio.NewReaderSize(lr, 512)

	dest, err := r.Addresser.Address(ctx, req.Client, br)
	if err != nil {
		reason := "failed to parse destination"
		switch {
		case errors.Is(err, ErrBudgetExceeded):
			reason = fmt.Sprintf("no destination within %d bytes", budget)
		case errors.Is(err, os.ErrDeadlineExceeded) || ctx.Err() != nil:
			reason = fmt.Sprintf("no destination within %s", timeout)
		}
		return nil, &RouteError{Router: r.Kind(), Reason: reason, Err: err}
	}

	// bytes the bufio reader pulled beyond what the addresser consumed
	if n := br.Buffered(); n > 0 {
		extra, _ := br.Peek(n)
		dest.Replay = append(dest.Replay, extra...)
	}

	addrs, err := r.resolve(ctx, dest.Host)
	if err != nil {
		return nil, &RouteError{Router: r.Kind(), Reason: fmt.Sprintf("cannot resolve %q", dest.Host), Err: err}
	}
	targets := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, netip.AddrPortFrom(a, dest.Port))
	}

	return &Target{
		Addrs:   targets,
		Host:    dest.Host,
		SrcPort: forged(r.ForgePort, req.Src),
		Replay:  dest.Replay,
		Greeted: dest.Greeted,
		Tunnel:  dest.Tunnel,
	}, nil
}

func (r *Inband) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	res := r.Resolver
	if res == nil {
		res = SystemResolver{}
	}
	addrs, err := res.LookupNetIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs, nil
}

// budgetReader fails once more than left bytes have been requested.
type budgetReader struct {
	r    io.Reader
	left int
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, ErrBudgetExceeded
	}
	if len(p) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	b.left -= n
	return n, err
}

// readLine reads one CRLF or LF terminated line without the terminator and
// returns the raw bytes consumed as well.
func readLine(r *bufio.Reader) (line string, raw []byte, err error) {
	raw, err = r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		// long lines are still bounded by the byte budget
		var buf bytes.Buffer
		buf.Write(raw)
		for errors.Is(err, bufio.ErrBufferFull) {
			raw, err = r.ReadSlice('\n')
			buf.Write(raw)
		}
		raw = buf.Bytes()
	} else {
		raw = append([]byte(nil), raw...)
	}
	if err != nil {
		return "", raw, err
	}
	return string(bytes.TrimRight(raw, "\r\n")), raw, nil
}

// splitHostPort accepts "host", "host:port", "[v6]" and "[v6]:port".
func splitHostPort(hostport string, defPort uint16) (string, uint16, error) {
	if hostport == "" {
		return "", 0, errors.New("empty host")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port
		host = hostport
		if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
		if host == "" {
			return "", 0, errors.New("empty host")
		}
		return host, defPort, nil
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	pr, err := config.ParsePortRange(portStr)
	if err != nil || pr.Lo != pr.Hi {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, pr.Lo, nil
}
