package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/keybridge"
)

// Direction selects the request or response side of a message exchange.
type Direction int

const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// HeaderAction is the variant tag of a header hook.
type HeaderAction int

const (
	HeaderActionAccept HeaderAction = iota
	HeaderActionDrop
	HeaderActionChangeValue
	HeaderActionReject
	HeaderActionPolicy
)

// HeaderHook is one entry of a header hook table.
type HeaderHook struct {
	Action     HeaderAction
	Value      string
	Policy     HeaderPolicy
	PolicyName string
	Args       []string
}

// VerbAction is the variant tag of a verb hook.
type VerbAction int

const (
	VerbActionAccept VerbAction = iota
	VerbActionReject
	VerbActionPolicy
)

// VerbHook is one entry of a verb hook table.
type VerbHook struct {
	Action     VerbAction
	Policy     VerbPolicy
	PolicyName string
	Args       []string
	ErrorInfo  string
}

// Hooks is the compiled, immutable hook table of a service. Header keys are
// lower case; verb keys upper case.
type Hooks struct {
	headers [2]map[string]HeaderHook
	verbs   map[string]VerbHook
	stacks  [2]map[string]*Stack
	tls     *TLSPosture
}

// ReadOnlyVerbs are the FTP commands a read_only service refuses.
var ReadOnlyVerbs = []string{"STOR", "STOU", "APPE", "DELE", "RMD", "XRMD", "MKD", "XMKD", "RNFR", "RNTO", "SITE"}

// CompileOptions supplies the runtime pieces hook compilation resolves.
type CompileOptions struct {
	Callbacks        *Callbacks
	Bridges          map[string]*keybridge.Bridge
	StackTimeout     time.Duration
	StackGrace       time.Duration
	HandshakeTimeout time.Duration
}

// Compile turns a service's hook blocks into lookup tables, resolving policy
// callbacks by name and parsing stack programs.
func Compile(svc *config.Service, opts CompileOptions) (*Hooks, error) {
	cbs := opts.Callbacks
	if cbs == nil {
		cbs = NewCallbacks()
	}

	h := &Hooks{
		headers: [2]map[string]HeaderHook{make(map[string]HeaderHook), make(map[string]HeaderHook)},
		verbs:   make(map[string]VerbHook),
		stacks:  [2]map[string]*Stack{make(map[string]*Stack), make(map[string]*Stack)},
	}

	if svc.ReadOnly {
		for _, v := range ReadOnlyVerbs {
			h.verbs[v] = VerbHook{Action: VerbActionReject, ErrorInfo: "Read-only access; " + v + " is not permitted."}
		}
	}

	for dir, hooks := range [2][]config.HeaderHook{svc.RequestHeaders, svc.ResponseHeaders} {
		for _, hh := range hooks {
			compiled, err := compileHeader(hh, cbs)
			if err != nil {
				return nil, fmt.Errorf("service %s: %s header %s: %w", svc.Name, Direction(dir), hh.Name, err)
			}
			h.headers[dir][strings.ToLower(hh.Name)] = compiled
		}
	}

	for _, vh := range svc.Requests {
		compiled, err := compileVerb(vh, cbs)
		if err != nil {
			return nil, fmt.Errorf("service %s: request %s: %w", svc.Name, vh.Verb, err)
		}
		h.verbs[strings.ToUpper(vh.Verb)] = compiled
	}

	for dir, hooks := range [2][]config.StackHook{svc.RequestStacks, svc.ResponseStacks} {
		for _, sh := range hooks {
			st, err := NewStack(sh.Program, sh.StackTimeout(opts.StackTimeout), opts.StackGrace)
			if err != nil {
				return nil, fmt.Errorf("service %s: %s stack %s: %w", svc.Name, Direction(dir), sh.Verb, err)
			}
			h.stacks[dir][strings.ToUpper(sh.Verb)] = st
		}
	}

	if svc.SSL != nil {
		t, err := compileTLS(svc.SSL, opts.Bridges, opts.HandshakeTimeout)
		if err != nil {
			return nil, fmt.Errorf("service %s: ssl: %w", svc.Name, err)
		}
		h.tls = t
	}

	return h, nil
}

func compileHeader(hh config.HeaderHook, cbs *Callbacks) (HeaderHook, error) {
	out := HeaderHook{Value: hh.Value, Args: hh.Args, PolicyName: hh.Policy}
	switch hh.Action {
	case config.HeaderAccept:
		out.Action = HeaderActionAccept
	case config.HeaderDrop:
		out.Action = HeaderActionDrop
	case config.HeaderChangeValue:
		out.Action = HeaderActionChangeValue
	case config.HeaderReject:
		out.Action = HeaderActionReject
	case config.HeaderPolicy:
		fn, ok := cbs.Header(hh.Policy)
		if !ok {
			return out, fmt.Errorf("unknown header policy %q", hh.Policy)
		}
		out.Action = HeaderActionPolicy
		out.Policy = fn
	default:
		return out, fmt.Errorf("unknown action %q", hh.Action)
	}
	return out, nil
}

func compileVerb(vh config.VerbHook, cbs *Callbacks) (VerbHook, error) {
	out := VerbHook{Args: vh.Args, PolicyName: vh.Policy, ErrorInfo: vh.ErrorInfo}
	switch vh.Action {
	case config.VerbAccept:
		out.Action = VerbActionAccept
	case config.VerbReject:
		out.Action = VerbActionReject
	case config.VerbPolicy:
		fn, ok := cbs.Verb(vh.Policy)
		if !ok {
			return out, fmt.Errorf("unknown verb policy %q", vh.Policy)
		}
		out.Action = VerbActionPolicy
		out.Policy = fn
	default:
		return out, fmt.Errorf("unknown action %q", vh.Action)
	}
	return out, nil
}

// Header returns the hook for a header name, if any.
func (h *Hooks) Header(dir Direction, name string) (HeaderHook, bool) {
	hh, ok := h.headers[dir][strings.ToLower(name)]
	return hh, ok
}

// Verb returns the hook for a verb, if any.
func (h *Hooks) Verb(verb string) (VerbHook, bool) {
	vh, ok := h.verbs[strings.ToUpper(verb)]
	return vh, ok
}

// Stack returns the filter attached to verb in the given direction.
func (h *Hooks) Stack(dir Direction, verb string) *Stack {
	return h.stacks[dir][strings.ToUpper(verb)]
}

// HasStacks reports whether any stack is configured.
func (h *Hooks) HasStacks() bool {
	return len(h.stacks[Request])+len(h.stacks[Response]) > 0
}

// TLS returns the service's TLS posture, or nil for plaintext on both legs.
func (h *Hooks) TLS() *TLSPosture {
	return h.tls
}

// Summary lists the configured hooks for diagnostics.
func (h *Hooks) Summary() []string {
	var out []string
	for dir := range h.headers {
		for name := range h.headers[dir] {
			out = append(out, fmt.Sprintf("%s_header %s", Direction(dir), name))
		}
	}
	for verb := range h.verbs {
		out = append(out, "request "+verb)
	}
	for dir := range h.stacks {
		for verb, st := range h.stacks[dir] {
			out = append(out, fmt.Sprintf("%s_stack %s -> %s", Direction(dir), verb, st.Program))
		}
	}
	if h.tls != nil {
		out = append(out, "ssl "+h.tls.String())
	}
	sort.Strings(out)
	return out
}
