package config

import (
	"github.com/hashicorp/hcl/v2"
)

// Proxy kinds.
const (
	ProxyHTTP = "http"
	ProxyFTP  = "ftp"
	ProxySMTP = "smtp"
	ProxyPOP3 = "pop3"
	ProxyPlug = "plug"
)

// Router types.
const (
	RouterTransparent = "transparent"
	RouterDirected    = "directed"
	RouterInband      = "inband"
)

// Listener modes.
const (
	ModeRedirect = "redirect" // iptables/nft REDIRECT; original dst via SO_ORIGINAL_DST
	ModeTProxy   = "tproxy"   // TPROXY; the local address is the original dst
	ModePlain    = "plain"    // no interception; local address used as-is
)

// Config is the top-level structure of a policy file.
type Config struct {
	// Schema version for backward compatibility; empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional"`

	Log      *LogConfig      `hcl:"log,block"`
	Metrics  *MetricsConfig  `hcl:"metrics,block"`
	Audit    *AuditConfig    `hcl:"audit,block"`
	Timeouts *TimeoutsConfig `hcl:"timeouts,block"`

	Listeners  []Listener  `hcl:"listener,block"`
	Zones      []Zone      `hcl:"zone,block"`
	KeyBridges []KeyBridge `hcl:"keybridge,block"`
	Services   []Service   `hcl:"service,block"`
	Rules      []Rule      `hcl:"rule,block"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string        `hcl:"level,optional"`
	JSON   bool          `hcl:"json,optional"`
	Syslog *SyslogConfig `hcl:"syslog,block"`
}

// SyslogConfig mirrors log output to a remote syslog server.
type SyslogConfig struct {
	Host     string `hcl:"host"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"`
	Tag      string `hcl:"tag,optional"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `hcl:"listen"`
}

// AuditConfig configures the per-connection audit trail.
type AuditConfig struct {
	// Enabled activates connection auditing to SQLite.
	Enabled bool `hcl:"enabled,optional"`

	// RetentionDays is the number of days to retain connection records.
	// Default: 30 days.
	RetentionDays int `hcl:"retention_days,optional"`

	// DatabasePath overrides the default location under the state dir.
	DatabasePath string `hcl:"database_path,optional"`
}

// TimeoutsConfig bounds every blocking stage of a connection. Values are Go
// duration strings.
type TimeoutsConfig struct {
	Connect    string `hcl:"connect,optional"`
	Inband     string `hcl:"inband,optional"`
	Handshake  string `hcl:"handshake,optional"`
	Stack      string `hcl:"stack,optional"`
	StackGrace string `hcl:"stack_grace,optional"`
	Idle       string `hcl:"idle,optional"`
}

// Listener is a socket accepting intercepted connections.
type Listener struct {
	Name    string `hcl:"name,label"`
	Address string `hcl:"address"`
	Mode    string `hcl:"mode,optional"`

	RateLimit *RateLimitConfig `hcl:"rate_limit,block"`
}

// RateLimitConfig bounds how many connections one client address may open
// on a listener per window. Excess connections are reset before dispatch.
type RateLimitConfig struct {
	Connections int    `hcl:"connections"`
	Window      string `hcl:"window,optional"` // default "1s"
}

// Zone is a named set of address ranges with an optional admin parent.
type Zone struct {
	Name        string   `hcl:"name,label"`
	Addrs       []string `hcl:"addrs"`
	AdminParent string   `hcl:"admin_parent,optional"`
	Description string   `hcl:"description,optional"`
}

// KeyBridge configures dynamic certificate minting for TLS interception.
type KeyBridge struct {
	Name string `hcl:"name,label"`

	// KeyFile holds the private key used for every minted leaf. Generated
	// (and persisted when CacheDirectory is set) if empty.
	KeyFile        string `hcl:"key_file,optional"`
	CacheDirectory string `hcl:"cache_directory,optional"`

	// Used when the upstream certificate verified against the server-side
	// trust store.
	TrustedCACert string `hcl:"trusted_ca_cert"`
	TrustedCAKey  string `hcl:"trusted_ca_key"`

	// Used otherwise, so clients still see an untrusted chain. Falls back
	// to the trusted CA when unset.
	UntrustedCACert string `hcl:"untrusted_ca_cert,optional"`
	UntrustedCAKey  string `hcl:"untrusted_ca_key,optional"`
}

// Service combines a proxy behaviour with a router.
type Service struct {
	Name   string        `hcl:"name,label"`
	Proxy  string        `hcl:"proxy"`
	Router *RouterConfig `hcl:"router,block"`

	RequestHeaders  []HeaderHook `hcl:"request_header,block"`
	ResponseHeaders []HeaderHook `hcl:"response_header,block"`
	Requests        []VerbHook   `hcl:"request,block"`
	RequestStacks   []StackHook  `hcl:"request_stack,block"`
	ResponseStacks  []StackHook  `hcl:"response_stack,block"`

	SSL *SSLConfig `hcl:"ssl,block"`

	// http
	KeepPersistent    bool  `hcl:"keep_persistent,optional"`
	RequireHostHeader *bool `hcl:"require_host_header,optional"`

	// http, ftp: false means clients address the proxy explicitly
	TransparentMode *bool `hcl:"transparent_mode,optional"`

	// ftp
	ReadOnly bool `hcl:"read_only,optional"`

	// smtp
	RelayZones   []string `hcl:"relay_zones,optional"`
	RelayDomains []string `hcl:"relay_domains,optional"`
}

// IsTransparent reports the effective transparent_mode (default true).
func (s *Service) IsTransparent() bool {
	return s.TransparentMode == nil || *s.TransparentMode
}

// RequiresHost reports the effective require_host_header (default true).
func (s *Service) RequiresHost() bool {
	return s.RequireHostHeader == nil || *s.RequireHostHeader
}

// RouterConfig selects and parameterizes a router strategy.
type RouterConfig struct {
	Type string `hcl:"type,label"`

	// directed: candidate "ip:port" destinations, tried in order
	Targets []string `hcl:"targets,optional"`

	// bind the server leg to the client's source port
	ForgePort bool `hcl:"forge_port,optional"`

	// inband: preamble byte budget and optional DNS server ("ip:port")
	MaxBytes   int    `hcl:"max_bytes,optional"`
	Nameserver string `hcl:"nameserver,optional"`
}

// Header hook actions.
const (
	HeaderAccept      = "accept"
	HeaderDrop        = "drop"
	HeaderChangeValue = "change_value"
	HeaderReject      = "reject"
	HeaderPolicy      = "policy"
)

// HeaderHook customizes the handling of one header name.
type HeaderHook struct {
	Name   string   `hcl:"name,label"`
	Action string   `hcl:"action"`
	Value  string   `hcl:"value,optional"`
	Policy string   `hcl:"policy,optional"`
	Args   []string `hcl:"args,optional"`
}

// Verb hook actions.
const (
	VerbAccept = "accept"
	VerbReject = "reject"
	VerbPolicy = "policy"
)

// VerbHook customizes the handling of one request method or command.
type VerbHook struct {
	Verb      string   `hcl:"verb,label"`
	Action    string   `hcl:"action"`
	Policy    string   `hcl:"policy,optional"`
	Args      []string `hcl:"args,optional"`
	ErrorInfo string   `hcl:"error_info,optional"`
}

// StackHook pipes a message body through an external program.
type StackHook struct {
	Verb    string `hcl:"verb,label"`
	Program string `hcl:"program"`
	Timeout string `hcl:"timeout,optional"`
}

// TLS connection security values.
const (
	SecurityNone           = "none"
	SecurityForceSSL       = "force_ssl"
	SecurityAcceptStartTLS = "accept_starttls"
)

// Peer verification values.
const (
	VerifyNone              = "none"
	VerifyOptionalTrusted   = "optional_trusted"
	VerifyOptionalUntrusted = "optional_untrusted"
	VerifyRequiredTrusted   = "required_trusted"
	VerifyRequiredUntrusted = "required_untrusted"
)

// Handshake orders.
const (
	HandshakeClientServer = "client_server"
	HandshakeServerClient = "server_client"
)

// SSLConfig describes TLS posture for the client-facing and server-facing
// legs independently.
type SSLConfig struct {
	ClientConnectionSecurity string   `hcl:"client_connection_security,optional"`
	ClientVerify             string   `hcl:"client_verify,optional"`
	ClientKeypairFiles       []string `hcl:"client_keypair_files,optional"`
	ClientKeypairGenerate    bool     `hcl:"client_keypair_generate,optional"`
	ClientCADirectory        string   `hcl:"client_ca_directory,optional"`

	ServerConnectionSecurity    string `hcl:"server_connection_security,optional"`
	ServerVerify                string `hcl:"server_verify,optional"`
	ServerCADirectory           string `hcl:"server_ca_directory,optional"`
	ServerTrustedCertsDirectory string `hcl:"server_trusted_certs_directory,optional"`

	HandshakeSeq string `hcl:"handshake_seq,optional"`
	KeyBridge    string `hcl:"keybridge,optional"`
}

// Rule binds predicates to a service. Predicates are kept as expressions so
// scalar and list forms can both be accepted; Load compiles them into Match.
type Rule struct {
	ID        string         `hcl:"id,optional"`
	Service   string         `hcl:"service"`
	DstPort   hcl.Expression `hcl:"dst_port,optional"`
	DstSubnet hcl.Expression `hcl:"dst_subnet,optional"`
	SrcSubnet hcl.Expression `hcl:"src_subnet,optional"`
	SrcZone   hcl.Expression `hcl:"src_zone,optional"`
	DstZone   hcl.Expression `hcl:"dst_zone,optional"`

	Match RuleMatch
}

// RuleMatch is the compiled predicate set of a rule. A nil slice is a
// wildcard on that dimension.
type RuleMatch struct {
	DstPorts   []PortRange
	DstSubnets []string
	SrcSubnets []string
	SrcZones   []string
	DstZones   []string
}

// PortRange is an inclusive port interval; a single port has Lo == Hi.
type PortRange struct {
	Lo, Hi uint16
}

// Contains reports whether p falls within the range.
func (r PortRange) Contains(p uint16) bool {
	return p >= r.Lo && p <= r.Hi
}
