// Package protocol holds the built-in protocol drivers. A driver relays one
// intercepted connection between its client and server legs, running every
// message through the connection's pipeline hooks.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/router"
	"grimm.is/bastion/internal/zone"
)

// ErrProtocol marks peer traffic the driver could not parse. The connection
// is closed after a best-effort protocol reply.
var ErrProtocol = errors.New("protocol violation")

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// DefaultDataTimeout bounds the wait for an FTP data connection.
const DefaultDataTimeout = 30 * time.Second

// Observer receives driver events the proxy turns into metrics.
type Observer interface {
	StackFailed(service string, err error)
}

// Session is one connection handed to a driver after dispatch, routing and
// the initial TLS negotiation.
type Session struct {
	ID       string
	Client   net.Conn
	Server   net.Conn
	Pipeline *pipeline.Pipeline
	Service  *policy.Service
	Decision *policy.Decision
	Target   *router.Target
	Log      *logging.Logger
	Observer Observer

	// DataTimeout bounds FTP data channel setup.
	DataTimeout time.Duration
	// DataListen opens client-facing FTP data listeners; net.Listen when
	// nil. Transparent listeners need a socket option set before bind.
	DataListen func(network, address string) (net.Listener, error)
}

func (s *Session) logger() *logging.Logger {
	if s.Log == nil {
		return logging.WithComponent("protocol")
	}
	return s.Log
}

func (s *Session) srcZone() *zone.Zone {
	if s.Decision == nil {
		return nil
	}
	return s.Decision.SrcZone
}

func (s *Session) stackFailed(err error) {
	s.logger().Warn("content stack failed", "error", err)
	if s.Observer != nil && s.Service != nil {
		s.Observer.StackFailed(s.Service.Name, err)
	}
}

func (s *Session) dataTimeout() time.Duration {
	if s.DataTimeout <= 0 {
		return DefaultDataTimeout
	}
	return s.DataTimeout
}

// begin enters HEADER_EXCHANGE from CONNECTING or NEGOTIATING.
func (s *Session) begin() error {
	return s.Pipeline.Transition(pipeline.StateHeaderExchange)
}

// Driver relays one session until either peer ends it. A nil error means an
// orderly end.
type Driver interface {
	Serve(ctx context.Context, s *Session) error
}

// For returns the driver for a proxy kind.
func For(kind string) (Driver, error) {
	switch kind {
	case config.ProxyPlug:
		return Plug{}, nil
	case config.ProxyHTTP:
		return HTTP{}, nil
	case config.ProxyFTP:
		return FTP{}, nil
	case config.ProxySMTP:
		return SMTP{}, nil
	case config.ProxyPOP3:
		return POP3{}, nil
	}
	return nil, fmt.Errorf("no driver for proxy kind %q", kind)
}
