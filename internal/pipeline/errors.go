package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindRejected is an explicit policy denial; the driver answers the
	// client with a protocol-appropriate rejection before closing.
	KindRejected Kind = iota
	// KindPipeline is a filter program failure or I/O error.
	KindPipeline
	// KindTLS is a handshake or peer verification failure.
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindPipeline:
		return "pipeline"
	case KindTLS:
		return "tls"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a per-connection pipeline failure.
type Error struct {
	Kind Kind
	// Op is the stage that failed: "header", "verb", "stack", "handshake"...
	Op string
	// Reason is shown to the client for rejections.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Kind, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Rejected builds a KindRejected error.
func Rejected(op, reason string) *Error {
	return &Error{Kind: KindRejected, Op: op, Reason: reason}
}

// IsRejection reports whether err is a policy rejection.
func IsRejection(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindRejected
}

// ErrIllegalTransition is returned for state changes the lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal pipeline state transition")
