package pipeline

import (
	"context"
	"strings"
)

// HeaderVerdict is a header policy outcome.
type HeaderVerdict int

const (
	HeaderAcceptAsIs HeaderVerdict = iota
	HeaderAcceptModified
	HeaderRejectMessage
)

// HeaderDecision is returned by a HeaderPolicy.
type HeaderDecision struct {
	Verdict HeaderVerdict
	Value   string
	Reason  string
}

// Accept keeps the header unchanged.
func Accept() HeaderDecision { return HeaderDecision{Verdict: HeaderAcceptAsIs} }

// AcceptModified replaces the header value.
func AcceptModified(value string) HeaderDecision {
	return HeaderDecision{Verdict: HeaderAcceptModified, Value: value}
}

// RejectMessage refuses the whole message.
func RejectMessage(reason string) HeaderDecision {
	return HeaderDecision{Verdict: HeaderRejectMessage, Reason: reason}
}

// HeaderPolicy inspects one header occurrence. args come from the hook's
// policy block.
type HeaderPolicy func(ctx context.Context, name, value string, args []string) HeaderDecision

// VerbDecision is returned by a VerbPolicy. An empty Reason on rejection
// falls back to the hook's error_info.
type VerbDecision struct {
	Reject bool
	Reason string
}

// VerbPolicy inspects a request method or command with its argument (the
// URL for HTTP, the parameter for line protocols).
type VerbPolicy func(ctx context.Context, verb, arg string, args []string) VerbDecision

// Callbacks is the named registry policy hooks refer to. It is filled before
// the policy is built and read-only afterwards.
type Callbacks struct {
	headers map[string]HeaderPolicy
	verbs   map[string]VerbPolicy
}

// NewCallbacks returns a registry holding the built-in policies:
//
//   - deny_url (verb): rejects when the argument equals one of args
//   - deny_prefix (verb): rejects when the argument starts with one of args
//   - strip_tokens (header): removes the comma-separated tokens named in args
func NewCallbacks() *Callbacks {
	c := &Callbacks{
		headers: make(map[string]HeaderPolicy),
		verbs:   make(map[string]VerbPolicy),
	}
	c.RegisterVerb("deny_url", denyURL)
	c.RegisterVerb("deny_prefix", denyPrefix)
	c.RegisterHeader("strip_tokens", stripTokens)
	return c
}

// RegisterHeader adds or replaces a header policy.
func (c *Callbacks) RegisterHeader(name string, fn HeaderPolicy) {
	c.headers[name] = fn
}

// RegisterVerb adds or replaces a verb policy.
func (c *Callbacks) RegisterVerb(name string, fn VerbPolicy) {
	c.verbs[name] = fn
}

// Header looks up a header policy.
func (c *Callbacks) Header(name string) (HeaderPolicy, bool) {
	fn, ok := c.headers[name]
	return fn, ok
}

// Verb looks up a verb policy.
func (c *Callbacks) Verb(name string) (VerbPolicy, bool) {
	fn, ok := c.verbs[name]
	return fn, ok
}

func denyURL(_ context.Context, _, arg string, args []string) VerbDecision {
	for _, a := range args {
		if arg == a {
			return VerbDecision{Reject: true}
		}
	}
	return VerbDecision{}
}

func denyPrefix(_ context.Context, _, arg string, args []string) VerbDecision {
	for _, a := range args {
		if strings.HasPrefix(arg, a) {
			return VerbDecision{Reject: true}
		}
	}
	return VerbDecision{}
}

// stripTokens drops list tokens case-insensitively, keeping the order and
// spelling of the rest.
func stripTokens(_ context.Context, _, value string, args []string) HeaderDecision {
	parts := strings.Split(value, ",")
	kept := parts[:0]
	for _, p := range parts {
		tok := strings.TrimSpace(p)
		if i := strings.IndexByte(tok, ';'); i >= 0 {
			tok = strings.TrimSpace(tok[:i])
		}
		drop := false
		for _, a := range args {
			if strings.EqualFold(tok, a) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(parts) {
		return Accept()
	}
	return AcceptModified(strings.TrimSpace(strings.Join(kept, ",")))
}
