package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/net/http/httpguts"

	"grimm.is/bastion/internal/zone"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire policy. It checks everything that can be
// decided from the file alone; callback names are checked when the policy is
// built against a callback registry.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateAmbient()...)
	errs = append(errs, c.validateListeners()...)
	errs = append(errs, c.validateZones()...)
	errs = append(errs, c.validateKeyBridges()...)
	errs = append(errs, c.validateServices()...)
	errs = append(errs, c.validateRules()...)

	return errs
}

func (c *Config) validateAmbient() ValidationErrors {
	var errs ValidationErrors

	if c.Log != nil && c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "debug", "info", "warn", "warning", "error":
		default:
			errs = append(errs, ValidationError{Field: "log.level", Message: fmt.Sprintf("unknown level %q", c.Log.Level)})
		}
	}
	if c.Log != nil && c.Log.Syslog != nil {
		if p := c.Log.Syslog.Protocol; p != "" && p != "udp" && p != "tcp" {
			errs = append(errs, ValidationError{Field: "log.syslog.protocol", Message: fmt.Sprintf("must be udp or tcp, got %q", p)})
		}
	}
	if c.Metrics != nil {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "metrics.listen", Message: err.Error()})
		}
	}
	if c.Audit != nil && c.Audit.RetentionDays < 0 {
		errs = append(errs, ValidationError{Field: "audit.retention_days", Message: "must not be negative"})
	}
	if _, err := c.Durations(); err != nil {
		errs = append(errs, ValidationError{Field: "timeouts", Message: err.Error()})
	}
	return errs
}

func (c *Config) validateListeners() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for _, l := range c.Listeners {
		field := fmt.Sprintf("listeners[%s]", l.Name)
		if seen[l.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate listener name"})
		}
		seen[l.Name] = true

		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
		}
		switch l.Mode {
		case "", ModeRedirect, ModeTProxy, ModePlain:
		default:
			errs = append(errs, ValidationError{Field: field + ".mode", Message: fmt.Sprintf("unknown mode %q", l.Mode)})
		}
		if rl := l.RateLimit; rl != nil {
			if rl.Connections < 1 {
				errs = append(errs, ValidationError{Field: field + ".rate_limit.connections", Message: "must be at least 1"})
			}
			if rl.Window != "" {
				if _, err := parsePositiveDuration(rl.Window); err != nil {
					errs = append(errs, ValidationError{Field: field + ".rate_limit.window", Message: err.Error()})
				}
			}
		}
	}
	return errs
}

func (c *Config) validateZones() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for i, z := range c.Zones {
		field := fmt.Sprintf("zones[%s]", z.Name)
		if z.Name == "" {
			field = fmt.Sprintf("zones[%d]", i)
		}
		if seen[z.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate zone name"})
		}
		seen[z.Name] = true

		for _, a := range z.Addrs {
			if _, err := zone.ParsePrefix(a); err != nil {
				errs = append(errs, ValidationError{Field: field + ".addrs", Message: err.Error()})
			}
		}
	}
	if errs.HasErrors() {
		return errs
	}

	// parent references and cycles
	if _, err := zone.New(c.ZoneSpecs()); err != nil {
		errs = append(errs, ValidationError{Field: "zones", Message: err.Error()})
	}
	return errs
}

// ZoneSpecs converts zone blocks into registry specs.
func (c *Config) ZoneSpecs() []zone.Spec {
	specs := make([]zone.Spec, 0, len(c.Zones))
	for _, z := range c.Zones {
		specs = append(specs, zone.Spec{Name: z.Name, Addrs: z.Addrs, AdminParent: z.AdminParent})
	}
	return specs
}

func (c *Config) validateKeyBridges() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for _, kb := range c.KeyBridges {
		field := fmt.Sprintf("keybridges[%s]", kb.Name)
		if seen[kb.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate keybridge name"})
		}
		seen[kb.Name] = true

		if kb.TrustedCACert == "" || kb.TrustedCAKey == "" {
			errs = append(errs, ValidationError{Field: field, Message: "trusted_ca_cert and trusted_ca_key are required"})
		}
		if (kb.UntrustedCACert == "") != (kb.UntrustedCAKey == "") {
			errs = append(errs, ValidationError{Field: field, Message: "untrusted_ca_cert and untrusted_ca_key must be set together"})
		}
	}
	return errs
}

func (c *Config) validateServices() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	bridges := make(map[string]bool)
	for _, kb := range c.KeyBridges {
		bridges[kb.Name] = true
	}
	zones := make(map[string]bool)
	for _, z := range c.Zones {
		zones[z.Name] = true
	}

	for _, s := range c.Services {
		field := fmt.Sprintf("services[%s]", s.Name)
		if seen[s.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate service name"})
		}
		seen[s.Name] = true

		switch s.Proxy {
		case ProxyHTTP, ProxyFTP, ProxySMTP, ProxyPOP3, ProxyPlug:
		default:
			errs = append(errs, ValidationError{Field: field + ".proxy", Message: fmt.Sprintf("unknown proxy kind %q", s.Proxy)})
		}

		errs = append(errs, validateRouter(field, &s)...)
		errs = append(errs, validateHeaderHooks(field+".request_header", s.RequestHeaders)...)
		errs = append(errs, validateHeaderHooks(field+".response_header", s.ResponseHeaders)...)
		errs = append(errs, validateVerbHooks(field+".request", s.Requests)...)
		errs = append(errs, validateStackHooks(field+".request_stack", s.RequestStacks)...)
		errs = append(errs, validateStackHooks(field+".response_stack", s.ResponseStacks)...)
		errs = append(errs, validateSSL(field+".ssl", &s, bridges)...)

		if s.Proxy != ProxyHTTP && s.Proxy != ProxyFTP && s.Proxy != ProxyPlug {
			if len(s.RequestStacks)+len(s.ResponseStacks) > 0 {
				errs = append(errs, ValidationError{Field: field, Message: "content stacks are supported for http and ftp only"})
			}
		}
		if s.Proxy == ProxyPlug && len(s.RequestHeaders)+len(s.ResponseHeaders)+len(s.Requests)+len(s.RequestStacks)+len(s.ResponseStacks) > 0 {
			errs = append(errs, ValidationError{Field: field, Message: "plug services take no protocol hooks"})
		}
		if s.Proxy != ProxyHTTP && len(s.RequestHeaders)+len(s.ResponseHeaders) > 0 {
			errs = append(errs, ValidationError{Field: field, Message: "header hooks are supported for http only"})
		}
		if s.ReadOnly && s.Proxy != ProxyFTP {
			errs = append(errs, ValidationError{Field: field + ".read_only", Message: "only valid for ftp"})
		}
		if (len(s.RelayZones) > 0 || len(s.RelayDomains) > 0) && s.Proxy != ProxySMTP {
			errs = append(errs, ValidationError{Field: field + ".relay_zones", Message: "only valid for smtp"})
		}
		for _, rz := range s.RelayZones {
			if rz != "*" && !zones[rz] {
				errs = append(errs, ValidationError{Field: field + ".relay_zones", Message: fmt.Sprintf("unknown zone %q", rz)})
			}
		}
		if s.TransparentMode != nil && s.Proxy != ProxyHTTP && s.Proxy != ProxyFTP {
			errs = append(errs, ValidationError{Field: field + ".transparent_mode", Message: "only valid for http and ftp"})
		}
	}
	return errs
}

func validateRouter(field string, s *Service) ValidationErrors {
	var errs ValidationErrors
	r := s.Router
	if r == nil {
		return errs
	}
	field += ".router"

	switch r.Type {
	case RouterTransparent:
	case RouterDirected:
		if len(r.Targets) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "directed router needs at least one target"})
		}
		for _, t := range r.Targets {
			if _, err := netip.ParseAddrPort(t); err != nil {
				errs = append(errs, ValidationError{Field: field + ".targets", Message: fmt.Sprintf("invalid ip:port %q", t)})
			}
		}
	case RouterInband:
		if s.Proxy != ProxyHTTP && s.Proxy != ProxyFTP {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("inband routing is not available for %s", s.Proxy)})
		}
		if s.IsTransparent() {
			errs = append(errs, ValidationError{Field: field, Message: "inband routing requires transparent_mode = false"})
		}
		if r.MaxBytes < 0 {
			errs = append(errs, ValidationError{Field: field + ".max_bytes", Message: "must not be negative"})
		}
		if s.SSL != nil && s.SSL.ClientConnectionSecurity == SecurityForceSSL {
			errs = append(errs, ValidationError{Field: field, Message: "inband routing reads a plaintext preamble; client TLS cannot be forced"})
		}
		if r.Nameserver != "" {
			if _, err := netip.ParseAddrPort(r.Nameserver); err != nil {
				errs = append(errs, ValidationError{Field: field + ".nameserver", Message: fmt.Sprintf("invalid ip:port %q", r.Nameserver)})
			}
		}
	default:
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown router type %q", r.Type)})
	}

	if r.Type != RouterInband && (r.MaxBytes != 0 || r.Nameserver != "") {
		errs = append(errs, ValidationError{Field: field, Message: "max_bytes and nameserver apply to inband routers only"})
	}
	if r.Type != RouterDirected && len(r.Targets) > 0 {
		errs = append(errs, ValidationError{Field: field, Message: "targets apply to directed routers only"})
	}
	if !s.IsTransparent() && r.Type != RouterInband {
		errs = append(errs, ValidationError{Field: field, Message: "transparent_mode = false requires an inband router"})
	}
	return errs
}

func validateHeaderHooks(field string, hooks []HeaderHook) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, h := range hooks {
		f := fmt.Sprintf("%s[%s]", field, h.Name)
		if !httpguts.ValidHeaderFieldName(h.Name) {
			errs = append(errs, ValidationError{Field: f, Message: "invalid header name"})
		}
		key := strings.ToLower(h.Name)
		if seen[key] {
			errs = append(errs, ValidationError{Field: f, Message: "duplicate header hook"})
		}
		seen[key] = true

		switch h.Action {
		case HeaderAccept, HeaderDrop, HeaderReject:
		case HeaderChangeValue:
			if !httpguts.ValidHeaderFieldValue(h.Value) {
				errs = append(errs, ValidationError{Field: f + ".value", Message: "invalid header value"})
			}
		case HeaderPolicy:
			if h.Policy == "" {
				errs = append(errs, ValidationError{Field: f + ".policy", Message: "policy action needs a policy name"})
			}
		default:
			errs = append(errs, ValidationError{Field: f + ".action", Message: fmt.Sprintf("unknown action %q", h.Action)})
		}
	}
	return errs
}

func validateVerbHooks(field string, hooks []VerbHook) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, h := range hooks {
		f := fmt.Sprintf("%s[%s]", field, h.Verb)
		if h.Verb == "" || strings.ContainsAny(h.Verb, " \t\r\n") {
			errs = append(errs, ValidationError{Field: f, Message: "invalid verb"})
		}
		key := strings.ToUpper(h.Verb)
		if seen[key] {
			errs = append(errs, ValidationError{Field: f, Message: "duplicate verb hook"})
		}
		seen[key] = true

		switch h.Action {
		case VerbAccept, VerbReject:
		case VerbPolicy:
			if h.Policy == "" {
				errs = append(errs, ValidationError{Field: f + ".policy", Message: "policy action needs a policy name"})
			}
		default:
			errs = append(errs, ValidationError{Field: f + ".action", Message: fmt.Sprintf("unknown action %q", h.Action)})
		}
	}
	return errs
}

func validateStackHooks(field string, hooks []StackHook) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, h := range hooks {
		f := fmt.Sprintf("%s[%s]", field, h.Verb)
		key := strings.ToUpper(h.Verb)
		if seen[key] {
			errs = append(errs, ValidationError{Field: f, Message: "duplicate stack hook"})
		}
		seen[key] = true
		if strings.TrimSpace(h.Program) == "" {
			errs = append(errs, ValidationError{Field: f + ".program", Message: "program is required"})
		}
		if h.Timeout != "" {
			if _, err := parsePositiveDuration(h.Timeout); err != nil {
				errs = append(errs, ValidationError{Field: f + ".timeout", Message: err.Error()})
			}
		}
	}
	return errs
}

func validateSSL(field string, s *Service, bridges map[string]bool) ValidationErrors {
	var errs ValidationErrors
	ssl := s.SSL
	if ssl == nil {
		return errs
	}

	switch ssl.ClientConnectionSecurity {
	case "", SecurityNone, SecurityForceSSL:
	case SecurityAcceptStartTLS:
		if s.Proxy != ProxySMTP {
			errs = append(errs, ValidationError{Field: field + ".client_connection_security", Message: "accept_starttls is supported for smtp only"})
		}
	default:
		errs = append(errs, ValidationError{Field: field + ".client_connection_security", Message: fmt.Sprintf("unknown value %q", ssl.ClientConnectionSecurity)})
	}
	switch ssl.ServerConnectionSecurity {
	case "", SecurityNone, SecurityForceSSL:
	default:
		errs = append(errs, ValidationError{Field: field + ".server_connection_security", Message: fmt.Sprintf("unknown value %q", ssl.ServerConnectionSecurity)})
	}
	for name, v := range map[string]string{"client_verify": ssl.ClientVerify, "server_verify": ssl.ServerVerify} {
		switch v {
		case "", VerifyNone, VerifyOptionalTrusted, VerifyOptionalUntrusted, VerifyRequiredTrusted, VerifyRequiredUntrusted:
		default:
			errs = append(errs, ValidationError{Field: field + "." + name, Message: fmt.Sprintf("unknown value %q", v)})
		}
	}
	switch ssl.HandshakeSeq {
	case "", HandshakeClientServer, HandshakeServerClient:
	default:
		errs = append(errs, ValidationError{Field: field + ".handshake_seq", Message: fmt.Sprintf("unknown value %q", ssl.HandshakeSeq)})
	}

	clientTLS := ssl.ClientConnectionSecurity == SecurityForceSSL || ssl.ClientConnectionSecurity == SecurityAcceptStartTLS
	if len(ssl.ClientKeypairFiles) != 0 && len(ssl.ClientKeypairFiles) != 2 {
		errs = append(errs, ValidationError{Field: field + ".client_keypair_files", Message: "expected [certificate, key]"})
	}
	if len(ssl.ClientKeypairFiles) > 0 && ssl.ClientKeypairGenerate {
		errs = append(errs, ValidationError{Field: field, Message: "client_keypair_files and client_keypair_generate are exclusive"})
	}
	if clientTLS && len(ssl.ClientKeypairFiles) == 0 && !ssl.ClientKeypairGenerate {
		errs = append(errs, ValidationError{Field: field, Message: "client-side TLS needs client_keypair_files or client_keypair_generate"})
	}
	if ssl.ClientKeypairGenerate {
		if ssl.KeyBridge == "" {
			errs = append(errs, ValidationError{Field: field + ".keybridge", Message: "client_keypair_generate needs a keybridge"})
		} else if !bridges[ssl.KeyBridge] {
			errs = append(errs, ValidationError{Field: field + ".keybridge", Message: fmt.Sprintf("unknown keybridge %q", ssl.KeyBridge)})
		}
		if ssl.ServerConnectionSecurity != SecurityForceSSL {
			errs = append(errs, ValidationError{Field: field, Message: "client_keypair_generate mirrors the server certificate and needs server_connection_security = force_ssl"})
		}
		if ssl.HandshakeSeq != HandshakeServerClient {
			errs = append(errs, ValidationError{Field: field + ".handshake_seq", Message: "client_keypair_generate needs handshake_seq = server_client"})
		}
		if ssl.ClientConnectionSecurity != SecurityForceSSL {
			errs = append(errs, ValidationError{Field: field, Message: "client_keypair_generate needs client_connection_security = force_ssl"})
		}
	}
	if ssl.KeyBridge != "" && !ssl.ClientKeypairGenerate {
		errs = append(errs, ValidationError{Field: field + ".keybridge", Message: "keybridge is only used with client_keypair_generate"})
	}
	return errs
}

func (c *Config) validateRules() ValidationErrors {
	var errs ValidationErrors
	services := make(map[string]bool)
	for _, s := range c.Services {
		services[s.Name] = true
	}
	zones := make(map[string]bool)
	for _, z := range c.Zones {
		zones[z.Name] = true
	}
	ids := make(map[string]bool)

	for _, r := range c.Rules {
		field := fmt.Sprintf("rules[%s]", r.ID)
		if ids[r.ID] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate rule id"})
		}
		ids[r.ID] = true

		if !services[r.Service] {
			errs = append(errs, ValidationError{Field: field + ".service", Message: fmt.Sprintf("unknown service %q", r.Service)})
		}
		for _, z := range r.Match.SrcZones {
			if !zones[z] {
				errs = append(errs, ValidationError{Field: field + ".src_zone", Message: fmt.Sprintf("unknown zone %q", z)})
			}
		}
		for _, z := range r.Match.DstZones {
			if !zones[z] {
				errs = append(errs, ValidationError{Field: field + ".dst_zone", Message: fmt.Sprintf("unknown zone %q", z)})
			}
		}
		for _, s := range r.Match.DstSubnets {
			if _, err := zone.ParsePrefix(s); err != nil {
				errs = append(errs, ValidationError{Field: field + ".dst_subnet", Message: err.Error()})
			}
		}
		for _, s := range r.Match.SrcSubnets {
			if _, err := zone.ParsePrefix(s); err != nil {
				errs = append(errs, ValidationError{Field: field + ".src_subnet", Message: err.Error()})
			}
		}
	}
	return errs
}
