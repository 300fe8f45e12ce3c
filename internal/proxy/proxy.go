// Package proxy accepts intercepted connections and runs each one through
// dispatch, routing, TLS negotiation and its protocol driver.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/bastion/internal/audit"
	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/protocol"
	"grimm.is/bastion/internal/ratelimit"
	"grimm.is/bastion/internal/router"
)

// Recorder receives per-connection metrics. *metrics.Collector implements
// it.
type Recorder interface {
	protocol.Observer
	ConnectionOpened(service string)
	ConnectionClosed(service, outcome string, lifetime time.Duration, bytesIn, bytesOut int64)
	ConnectionRefused(listener, outcome string, took time.Duration)
	RuleMatched(rule, service string, took time.Duration)
}

// Auditor persists finished connections. *audit.Store implements it.
type Auditor interface {
	Write(rec audit.Record) error
}

// Options configure a Server. Every field is optional.
type Options struct {
	Logger  *logging.Logger
	Metrics Recorder
	Audit   Auditor
	Clock   clock.Clock
}

// Server runs the accept loops of a policy's listeners.
type Server struct {
	policy *policy.Policy
	logger *logging.Logger
	rec    Recorder
	audit  Auditor
	clock  clock.Clock
	wg     sync.WaitGroup

	mu    sync.Mutex
	bound []boundListener
}

type boundListener struct {
	cfg config.Listener
	ln  net.Listener
}

// NewServer creates a server for p.
func NewServer(p *policy.Policy, opts Options) *Server {
	s := &Server{
		policy: p,
		logger: opts.Logger,
		rec:    opts.Metrics,
		audit:  opts.Audit,
		clock:  clock.OrReal(opts.Clock),
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("proxy")
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	return s
}

// Listen binds every listener of the policy. On error nothing stays bound.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.policy.Config.Listeners {
		lc := net.ListenConfig{}
		if l.Mode == config.ModeTProxy {
			lc.Control = transparentControl
		}
		ln, err := lc.Listen(ctx, "tcp", l.Address)
		if err != nil {
			for _, b := range s.bound {
				b.ln.Close()
			}
			s.bound = nil
			return fmt.Errorf("failed to bind listener %s: %w", l.Name, err)
		}
		s.bound = append(s.bound, boundListener{cfg: l, ln: ln})
	}
	return nil
}

// Addrs returns the bound address of each listener by name.
func (s *Server) Addrs() map[string]net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]net.Addr, len(s.bound))
	for _, b := range s.bound {
		out[b.cfg.Name] = b.ln.Addr()
	}
	return out
}

// Start runs the accept loops in the background until ctx ends, binding the
// listeners first if Listen was not called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	n := len(s.bound)
	s.mu.Unlock()
	if n == 0 {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bound {
		s.logger.Info("listener started", "listener", b.cfg.Name, "address", b.ln.Addr().String(), "mode", mode(b.cfg))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Serve(ctx, b.cfg, b.ln)
		}()
	}
	return nil
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, l config.Listener, ln net.Listener) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var limiter *ratelimit.Limiter
	if rl := l.RateLimit; rl != nil {
		limiter = ratelimit.New(rl.Connections, rl.WindowDuration(), s.clock)
		go limiter.Run(ctx)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "listener", l.Name, "error", err)
			// back off on resource exhaustion
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handle(ctx, conn, l, limiter)
	}
}

// Wait waits for the accept loops and all connections to finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func mode(l config.Listener) string {
	if l.Mode == "" {
		return config.ModeRedirect
	}
	return l.Mode
}

// connection is the bookkeeping of one accepted connection.
type connection struct {
	id       string
	listener config.Listener
	start    time.Time
	src, dst netip.AddrPort
	log      *logging.Logger

	dispatchTook time.Duration
	decision     *policy.Decision
	server       netip.AddrPort
	client       *trackedConn
}

func (s *Server) handle(ctx context.Context, conn net.Conn, l config.Listener, limiter *ratelimit.Limiter) {
	defer s.wg.Done()

	c := &connection{
		id:       uuid.NewString(),
		listener: l,
		start:    s.clock.Now(),
		src:      addrPort(conn.RemoteAddr()),
	}
	if !limiter.Allow(c.src.Addr()) {
		c.log = s.logger.With("conn_id", c.id, "src", c.src.String())
		resetConn(conn)
		s.finish(c, errRateLimited)
		return
	}

	var err error
	switch mode(l) {
	case config.ModeRedirect:
		c.dst, err = originalDst(conn)
	default:
		c.dst = addrPort(conn.LocalAddr())
	}
	c.log = s.logger.WithConn(c.id, c.src.String(), c.dst.String())

	if err != nil {
		err = fmt.Errorf("recovering original destination: %w", err)
		resetConn(conn)
	} else {
		err = s.serve(ctx, c, conn)
	}
	s.finish(c, err)
}

func (s *Server) serve(ctx context.Context, c *connection, conn net.Conn) error {
	t0 := time.Now()
	dec, err := s.policy.Dispatch(policy.Conn{ID: c.id, Listener: c.listener.Name, Src: c.src, Dst: c.dst})
	c.dispatchTook = time.Since(t0)
	if err != nil {
		resetConn(conn)
		return err
	}
	svc := dec.Service
	c.decision = dec
	c.log = c.log.With("rule", dec.Rule.ID, "service", svc.Name)
	s.rec.RuleMatched(dec.Rule.ID, svc.Name, c.dispatchTook)
	s.rec.ConnectionOpened(svc.Name)
	c.log.Debug("connection dispatched", "src_zone", dec.SrcZone.String(), "dst_zone", dec.DstZone.String())

	act := &activity{}
	act.touch()
	c.client = track(conn, act)
	defer c.client.Close()

	target, err := svc.Router.Route(ctx, &router.Request{Src: c.src, Dst: c.dst, Client: c.client})
	if err != nil {
		return err
	}
	sconn, addr, err := router.Dial(ctx, target, &net.Dialer{Timeout: s.policy.Durations.Connect})
	if err != nil {
		return err
	}
	c.server = addr
	server := track(sconn, act)
	defer server.Close()
	c.log.Debug("server connected", "server", addr.String(), "router", svc.Router.Kind())

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go watchIdle(sctx, act, s.policy.Durations.Idle, cancel)

	pl := pipeline.New(svc.Hooks, c.log)
	client, srv, err := pl.Negotiate(sctx, protocol.WithReplay(c.client, target.Replay), server, target.Host)
	if err != nil {
		return err
	}
	defer client.Close()
	defer srv.Close()

	drv, err := protocol.For(svc.Kind)
	if err != nil {
		return pl.Close(err)
	}
	err = drv.Serve(sctx, &protocol.Session{
		ID:         c.id,
		Client:     client,
		Server:     srv,
		Pipeline:   pl,
		Service:    svc,
		Decision:   dec,
		Target:     target,
		Log:        c.log,
		Observer:   s.rec,
		DataListen: dataListener(c.listener),
	})
	if errors.Is(context.Cause(sctx), errIdle) {
		err = errIdle
	}
	return pl.Close(err)
}

// dataListener returns the FTP data listener for transparent listeners,
// which must bind the intercepted server address.
func dataListener(l config.Listener) func(network, address string) (net.Listener, error) {
	if l.Mode != config.ModeTProxy {
		return nil
	}
	return func(network, address string) (net.Listener, error) {
		lc := net.ListenConfig{Control: transparentControl}
		return lc.Listen(context.Background(), network, address)
	}
}

func (s *Server) finish(c *connection, err error) {
	outcome := Classify(err)
	lifetime := s.clock.Since(c.start)

	var bytesIn, bytesOut int64
	if c.client != nil {
		bytesIn, bytesOut = c.client.read.Load(), c.client.written.Load()
	}

	rec := audit.Record{
		ConnID:   c.id,
		Start:    c.start,
		Duration: lifetime,
		Listener: c.listener.Name,
		Src:      c.src.String(),
		Dst:      c.dst.String(),
		Outcome:  outcome,
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	}
	if c.server.IsValid() {
		rec.Server = c.server.String()
	}
	if err != nil {
		rec.Reason = err.Error()
	}

	log := c.log.With("outcome", outcome, "duration", lifetime.Round(time.Millisecond).String())
	if d := c.decision; d != nil {
		rec.Rule = d.Rule.ID
		rec.Service = d.Service.Name
		rec.SrcZone = d.SrcZone.String()
		rec.DstZone = d.DstZone.String()
		s.rec.ConnectionClosed(d.Service.Name, outcome, lifetime, bytesIn, bytesOut)
	} else {
		s.rec.ConnectionRefused(c.listener.Name, outcome, c.dispatchTook)
	}

	switch outcome {
	case OutcomeLimited:
		// counted, never audited
		log.Debug("connection rate limited")
		return
	case OutcomeOK:
		log.Info("connection closed", "bytes_in", bytesIn, "bytes_out", bytesOut)
	case OutcomeNoMatch, OutcomeRejected:
		log.Warn("connection refused", "kind", outcome, "error", err)
	default:
		log.Warn("connection failed", "kind", outcome, "error", err, "bytes_in", bytesIn, "bytes_out", bytesOut)
	}

	if s.audit != nil {
		if err := s.audit.Write(rec); err != nil {
			log.Error("failed to write audit record", "error", err)
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) StackFailed(string, error)                                    {}
func (nopRecorder) ConnectionOpened(string)                                      {}
func (nopRecorder) ConnectionClosed(string, string, time.Duration, int64, int64) {}
func (nopRecorder) ConnectionRefused(string, string, time.Duration)              {}
func (nopRecorder) RuleMatched(string, string, time.Duration)                    {}
