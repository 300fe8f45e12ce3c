// Package router resolves where a matched connection is actually sent.
//
// Three strategies exist: Transparent keeps the intercepted destination,
// Directed sends to configured addresses in failover order, and Inband reads
// the destination from the client's first protocol bytes.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"grimm.is/bastion/internal/config"
)

// Request is the routing input for one connection.
type Request struct {
	Src netip.AddrPort
	// Dst is the original, pre-interception destination.
	Dst netip.AddrPort
	// Client is read from (and for some protocols written to) by in-band
	// routing.
	Client net.Conn
}

// Target is a routing decision.
type Target struct {
	// Addrs are the candidates, tried in order.
	Addrs []netip.AddrPort
	// Host is the name the client asked for, when addressed in-band.
	Host string
	// SrcPort binds the server leg's local port; zero lets the kernel pick.
	SrcPort uint16
	// Replay holds client bytes consumed while routing that must be
	// processed before reading the client again.
	Replay []byte
	// Greeted is set when the router already sent the protocol greeting.
	Greeted bool
	// Tunnel is set for HTTP CONNECT requests.
	Tunnel bool
}

// Primary returns the first candidate address.
func (t *Target) Primary() netip.AddrPort {
	if t == nil || len(t.Addrs) == 0 {
		return netip.AddrPort{}
	}
	return t.Addrs[0]
}

// Router computes the target of a connection.
type Router interface {
	Route(ctx context.Context, req *Request) (*Target, error)
	Kind() string
}

// RouteError is a per-connection routing failure.
type RouteError struct {
	Router string
	Reason string
	Err    error
}

func (e *RouteError) Error() string {
	msg := fmt.Sprintf("route (%s): %s", e.Router, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// Options supplies timeouts and the resolver used by in-band routing.
type Options struct {
	InbandTimeout time.Duration
	Resolver      Resolver
	// Greeting is the banner in-band FTP addressing sends.
	Greeting string
}

// New builds the router for a service. A service without a router block
// routes transparently.
func New(proxy string, cfg *config.RouterConfig, opts Options) (Router, error) {
	if cfg == nil {
		return &Transparent{}, nil
	}

	switch cfg.Type {
	case config.RouterTransparent:
		return &Transparent{ForgePort: cfg.ForgePort}, nil

	case config.RouterDirected:
		targets := make([]netip.AddrPort, 0, len(cfg.Targets))
		for _, t := range cfg.Targets {
			ap, err := netip.ParseAddrPort(t)
			if err != nil {
				return nil, fmt.Errorf("invalid directed target %q: %w", t, err)
			}
			targets = append(targets, ap)
		}
		return NewDirected(targets, cfg.ForgePort)

	case config.RouterInband:
		addresser, err := AddresserFor(proxy, opts.Greeting)
		if err != nil {
			return nil, err
		}
		res := opts.Resolver
		if cfg.Nameserver != "" {
			res = NewDNSResolver(cfg.Nameserver)
		}
		return &Inband{
			Addresser: addresser,
			MaxBytes:  cfg.MaxBytes,
			Timeout:   opts.InbandTimeout,
			Resolver:  res,
			ForgePort: cfg.ForgePort,
		}, nil
	}
	return nil, fmt.Errorf("unknown router type %q", cfg.Type)
}

// Dial connects to the target's candidates in order and returns the first
// connection established. The dialer's timeout applies per candidate.
func Dial(ctx context.Context, t *Target, base *net.Dialer) (net.Conn, netip.AddrPort, error) {
	if len(t.Addrs) == 0 {
		return nil, netip.AddrPort{}, &RouteError{Router: "dial", Reason: "no destination"}
	}
	var d net.Dialer
	if base != nil {
		d = *base
	}
	if t.SrcPort != 0 {
		d.LocalAddr = &net.TCPAddr{Port: int(t.SrcPort)}
	}

	var errs []error
	for _, addr := range t.Addrs {
		conn, err := d.DialContext(ctx, "tcp", addr.String())
		if err == nil {
			return conn, addr, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, netip.AddrPort{}, &RouteError{
		Router: "dial",
		Reason: fmt.Sprintf("no reachable destination among %d candidate(s)", len(t.Addrs)),
		Err:    errors.Join(errs...),
	}
}

func forged(on bool, src netip.AddrPort) uint16 {
	if !on {
		return 0
	}
	return src.Port()
}

// Transparent sends the connection to its original destination.
type Transparent struct {
	ForgePort bool
}

func (r *Transparent) Kind() string { return config.RouterTransparent }

func (r *Transparent) Route(_ context.Context, req *Request) (*Target, error) {
	if !req.Dst.IsValid() {
		return nil, &RouteError{Router: r.Kind(), Reason: "original destination unknown"}
	}
	return &Target{
		Addrs:   []netip.AddrPort{req.Dst},
		SrcPort: forged(r.ForgePort, req.Src),
	}, nil
}

// Directed sends every connection to fixed destinations regardless of the
// original one. Candidates are tried in declaration order and the first that
// accepts a TCP connection wins (ordered failover).
type Directed struct {
	Targets   []netip.AddrPort
	ForgePort bool
}

// NewDirected builds a directed router.
func NewDirected(targets []netip.AddrPort, forgePort bool) (*Directed, error) {
	if len(targets) == 0 {
		return nil, errors.New("directed router needs at least one target")
	}
	return &Directed{Targets: targets, ForgePort: forgePort}, nil
}

func (r *Directed) Kind() string { return config.RouterDirected }

func (r *Directed) Route(_ context.Context, req *Request) (*Target, error) {
	addrs := make([]netip.AddrPort, len(r.Targets))
	copy(addrs, r.Targets)
	return &Target{Addrs: addrs, SrcPort: forged(r.ForgePort, req.Src)}, nil
}
