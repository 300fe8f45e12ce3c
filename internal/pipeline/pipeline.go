// Package pipeline holds the per-connection hook framework every protocol
// driver runs through: header, verb and content-stack hooks, TLS posture
// and the connection lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"grimm.is/bastion/internal/logging"
)

// State is a pipeline lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateNegotiating
	StateHeaderExchange
	StateBodyTransfer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateHeaderExchange:
		return "HEADER_EXCHANGE"
	case StateBodyTransfer:
		return "BODY_TRANSFER"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the legal successors of each state. CLOSED is reachable
// from everywhere and has no successors. HEADER_EXCHANGE may return to
// NEGOTIATING for in-protocol TLS upgrades (STARTTLS).
var transitions = map[State][]State{
	StateConnecting:     {StateNegotiating, StateHeaderExchange},
	StateNegotiating:    {StateHeaderExchange},
	StateHeaderExchange: {StateNegotiating, StateBodyTransfer, StateHeaderExchange},
	StateBodyTransfer:   {StateBodyTransfer, StateHeaderExchange},
}

// Header is one header line in message order.
type Header struct {
	Name  string
	Value string
}

// Pipeline is the live hook framework of one connection. It is used from the
// connection's goroutines only and never shared between connections.
type Pipeline struct {
	hooks *Hooks
	log   *logging.Logger

	mu    sync.Mutex
	state State
	err   error
}

// New instantiates a pipeline in CONNECTING state.
func New(hooks *Hooks, log *logging.Logger) *Pipeline {
	if hooks == nil {
		hooks = &Hooks{}
	}
	if log == nil {
		log = logging.WithComponent("pipeline")
	}
	return &Pipeline{hooks: hooks, log: log}
}

// Hooks returns the service's hook table.
func (p *Pipeline) Hooks() *Hooks {
	return p.hooks
}

// State returns the current stage.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error the pipeline closed with, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Transition moves to the given state. Moving to CLOSED is always allowed
// (except from CLOSED); use Close to record a cause.
func (p *Pipeline) Transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.state, to)
	}
	if to == StateClosed {
		p.state = StateClosed
		return nil
	}
	for _, s := range transitions[p.state] {
		if s == to {
			p.log.Debug("pipeline state", "from", p.state.String(), "to", to.String())
			p.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.state, to)
}

// Close moves to CLOSED, keeping the first non-nil cause. It returns err so
// callers can write `return p.Close(err)`.
func (p *Pipeline) Close(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err == nil && err != nil {
		p.err = err
	}
	p.state = StateClosed
	return err
}

// ApplyHeaders runs the header hooks of one message over its headers in
// order, invoking each hook once per occurrence. It returns the headers to
// forward. A rejecting hook closes the pipeline with a KindRejected error.
func (p *Pipeline) ApplyHeaders(ctx context.Context, dir Direction, in []Header) ([]Header, error) {
	out := make([]Header, 0, len(in))
	for _, h := range in {
		hook, ok := p.hooks.Header(dir, h.Name)
		if !ok {
			out = append(out, h)
			continue
		}

		switch hook.Action {
		case HeaderActionAccept:
			out = append(out, h)
		case HeaderActionDrop:
			p.log.Debug("header dropped", "direction", dir.String(), "header", h.Name)
		case HeaderActionChangeValue:
			out = append(out, Header{Name: h.Name, Value: hook.Value})
		case HeaderActionReject:
			return nil, p.Close(Rejected("header", fmt.Sprintf("%s header %s not allowed", dir, h.Name)))
		case HeaderActionPolicy:
			d := hook.Policy(ctx, h.Name, h.Value, hook.Args)
			switch d.Verdict {
			case HeaderAcceptAsIs:
				out = append(out, h)
			case HeaderAcceptModified:
				out = append(out, Header{Name: h.Name, Value: d.Value})
			default:
				reason := d.Reason
				if reason == "" {
					reason = fmt.Sprintf("%s header %s rejected by %s", dir, h.Name, hook.PolicyName)
				}
				return nil, p.Close(Rejected("header", reason))
			}
		}
	}
	return out, nil
}

// CheckVerb runs the verb hook for a request method or command. Verbs
// without a hook are accepted. Rejections close the pipeline and carry the
// reason to show the client.
func (p *Pipeline) CheckVerb(ctx context.Context, verb, arg string) error {
	hook, ok := p.hooks.Verb(verb)
	if !ok {
		return nil
	}

	switch hook.Action {
	case VerbActionAccept:
		return nil
	case VerbActionReject:
		return p.Close(Rejected("verb", verbReason(verb, hook.ErrorInfo, "")))
	case VerbActionPolicy:
		d := hook.Policy(ctx, verb, arg, hook.Args)
		if !d.Reject {
			return nil
		}
		return p.Close(Rejected("verb", verbReason(verb, hook.ErrorInfo, d.Reason)))
	}
	return nil
}

func verbReason(verb, errorInfo, reason string) string {
	if reason != "" {
		return reason
	}
	if errorInfo != "" {
		return errorInfo
	}
	return verb + " is not permitted by policy"
}

// Stack returns the filter for verb, if any.
func (p *Pipeline) Stack(dir Direction, verb string) *Stack {
	return p.hooks.Stack(dir, verb)
}
