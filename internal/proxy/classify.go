package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/protocol"
	"grimm.is/bastion/internal/router"
)

// Connection outcomes used in logs, metrics and the audit trail.
const (
	OutcomeOK        = "ok"
	OutcomeNoMatch   = "no_match"
	OutcomeLimited   = "rate_limited"
	OutcomeRoute     = "route"
	OutcomeRejected  = "rejected"
	OutcomePipeline  = "pipeline"
	OutcomeTLS       = "tls"
	OutcomeProtocol  = "protocol"
	OutcomeIdle      = "idle"
	OutcomeReset     = "reset"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Classify maps a per-connection error to its outcome label.
func Classify(err error) string {
	if err == nil {
		return OutcomeOK
	}

	var match *policy.MatchError
	var route *router.RouteError
	var perr *pipeline.Error
	switch {
	case errors.As(err, &match):
		return OutcomeNoMatch
	case errors.As(err, &route):
		return OutcomeRoute
	case errors.As(err, &perr):
		switch perr.Kind {
		case pipeline.KindRejected:
			return OutcomeRejected
		case pipeline.KindTLS:
			return OutcomeTLS
		}
		return OutcomePipeline
	case errors.Is(err, protocol.ErrProtocol):
		return OutcomeProtocol
	case errors.Is(err, errRateLimited):
		return OutcomeLimited
	case errors.Is(err, errIdle):
		return OutcomeIdle
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return OutcomeReset
	}
	return OutcomeError
}
