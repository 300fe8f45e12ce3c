package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// LoadFile reads, decodes and validates a policy file. Any validation error
// is returned as ValidationErrors; the caller must not start on error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	cfg, err := LoadHCL(data, path)
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}

// LoadHCL decodes policy HCL and compiles rule predicates. It does not run
// the semantic checks of Validate.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var versionProbe struct {
		SchemaVersion string   `hcl:"schema_version,optional"`
		Remain        hcl.Body `hcl:",remain"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &versionProbe)

	version, err := ParseVersion(versionProbe.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return nil, fmt.Errorf("unsupported policy schema version %s (supported: %v)",
			version, SupportedVersions)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	if errs := cfg.compileRules(); errs.HasErrors() {
		return nil, errs
	}
	return &cfg, nil
}

func (c *Config) compileRules() ValidationErrors {
	var errs ValidationErrors

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ID == "" {
			r.ID = strconv.Itoa(i + 1)
		}
		field := fmt.Sprintf("rules[%s]", r.ID)

		var m RuleMatch
		var err error

		if m.DstPorts, err = portPredicate(r.DstPort); err != nil {
			errs = append(errs, ValidationError{Field: field + ".dst_port", Message: err.Error()})
		}
		if m.DstSubnets, err = stringPredicate(r.DstSubnet); err != nil {
			errs = append(errs, ValidationError{Field: field + ".dst_subnet", Message: err.Error()})
		}
		if m.SrcSubnets, err = stringPredicate(r.SrcSubnet); err != nil {
			errs = append(errs, ValidationError{Field: field + ".src_subnet", Message: err.Error()})
		}
		if m.SrcZones, err = stringPredicate(r.SrcZone); err != nil {
			errs = append(errs, ValidationError{Field: field + ".src_zone", Message: err.Error()})
		}
		if m.DstZones, err = stringPredicate(r.DstZone); err != nil {
			errs = append(errs, ValidationError{Field: field + ".dst_zone", Message: err.Error()})
		}
		r.Match = m
	}

	return errs
}

// predicateValues evaluates a predicate expression into its element list.
// A missing attribute yields (nil, nil). A scalar yields a one-element list,
// so `src_zone = "clients"` names exactly the zone "clients".
func predicateValues(expr hcl.Expression) ([]cty.Value, error) {
	if expr == nil {
		return nil, nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s", diags.Error())
	}
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value must be known at load time")
	}

	ty := v.Type()
	if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
		return []cty.Value{v}, nil
	}
	if v.LengthInt() == 0 {
		return nil, fmt.Errorf("empty list; omit the attribute to match any value")
	}

	out := make([]cty.Value, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.IsNull() {
			return nil, fmt.Errorf("null element in list")
		}
		out = append(out, elem)
	}
	return out, nil
}

func stringPredicate(expr hcl.Expression) ([]string, error) {
	vals, err := predicateValues(expr)
	if err != nil || vals == nil {
		return nil, err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		sv, err := convert.Convert(v, cty.String)
		if err != nil {
			return nil, fmt.Errorf("expected string, got %s", v.Type().FriendlyName())
		}
		s := strings.TrimSpace(sv.AsString())
		if s == "" {
			return nil, fmt.Errorf("empty string element")
		}
		out = append(out, s)
	}
	return out, nil
}

func portPredicate(expr hcl.Expression) ([]PortRange, error) {
	vals, err := predicateValues(expr)
	if err != nil || vals == nil {
		return nil, err
	}
	out := make([]PortRange, 0, len(vals))
	for _, v := range vals {
		var pr PortRange
		switch v.Type() {
		case cty.Number:
			var n int
			if err := gocty.FromCtyValue(v, &n); err != nil {
				return nil, fmt.Errorf("port must be a whole number")
			}
			p, err := checkPort(n)
			if err != nil {
				return nil, err
			}
			pr = PortRange{Lo: p, Hi: p}
		case cty.String:
			pr, err = ParsePortRange(v.AsString())
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("expected port number or \"lo-hi\" range, got %s", v.Type().FriendlyName())
		}
		out = append(out, pr)
	}
	return out, nil
}

// ParsePortRange parses "80" or "8000-8080".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")
	l, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	lp, err := checkPort(l)
	if err != nil {
		return PortRange{}, err
	}
	if !isRange {
		return PortRange{Lo: lp, Hi: lp}, nil
	}
	h, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	hp, err := checkPort(h)
	if err != nil {
		return PortRange{}, err
	}
	if hp < lp {
		return PortRange{}, fmt.Errorf("port range %q is reversed", s)
	}
	return PortRange{Lo: lp, Hi: hp}, nil
}

func checkPort(n int) (uint16, error) {
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", n)
	}
	return uint16(n), nil
}

// Durations holds resolved timeouts.
type Durations struct {
	Connect    time.Duration
	Inband     time.Duration
	Handshake  time.Duration
	Stack      time.Duration
	StackGrace time.Duration
	Idle       time.Duration
}

// DefaultDurations returns the timeouts used when the policy sets none.
func DefaultDurations() Durations {
	return Durations{
		Connect:    10 * time.Second,
		Inband:     15 * time.Second,
		Handshake:  10 * time.Second,
		Stack:      60 * time.Second,
		StackGrace: 5 * time.Second,
		Idle:       10 * time.Minute,
	}
}

// Durations resolves the timeouts block against DefaultDurations.
func (c *Config) Durations() (Durations, error) {
	d := DefaultDurations()
	if c.Timeouts == nil {
		return d, nil
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connect", c.Timeouts.Connect, &d.Connect},
		{"inband", c.Timeouts.Inband, &d.Inband},
		{"handshake", c.Timeouts.Handshake, &d.Handshake},
		{"stack", c.Timeouts.Stack, &d.Stack},
		{"stack_grace", c.Timeouts.StackGrace, &d.StackGrace},
		{"idle", c.Timeouts.Idle, &d.Idle},
	} {
		if f.raw == "" {
			continue
		}
		v, err := parsePositiveDuration(f.raw)
		if err != nil {
			return d, fmt.Errorf("timeouts.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return d, nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return v, nil
}

// WindowDuration returns the effective rate limit window.
func (r *RateLimitConfig) WindowDuration() time.Duration {
	if r.Window == "" {
		return time.Second
	}
	v, err := parsePositiveDuration(r.Window)
	if err != nil {
		return time.Second
	}
	return v
}

// StackTimeout returns the hook's own timeout or def.
func (h StackHook) StackTimeout(def time.Duration) time.Duration {
	if h.Timeout == "" {
		return def
	}
	v, err := parsePositiveDuration(h.Timeout)
	if err != nil {
		return def
	}
	return v
}
