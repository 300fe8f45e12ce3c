package policy

import (
	"fmt"
	"net/netip"
	"strings"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/zone"
)

// Rule is a compiled rule. A nil predicate slice is a wildcard.
type Rule struct {
	ID      string
	Index   int
	Service *Service

	DstPorts   []config.PortRange
	DstSubnets []netip.Prefix
	SrcSubnets []netip.Prefix
	SrcZones   []string
	DstZones   []string
}

func compileRule(cr *config.Rule, index int, p *Policy) (*Rule, error) {
	svc, ok := p.Services[cr.Service]
	if !ok {
		return nil, fmt.Errorf("rule %s: unknown service %q", cr.ID, cr.Service)
	}
	r := &Rule{
		ID:       cr.ID,
		Index:    index,
		Service:  svc,
		DstPorts: cr.Match.DstPorts,
		SrcZones: cr.Match.SrcZones,
		DstZones: cr.Match.DstZones,
	}

	var err error
	if r.DstSubnets, err = parsePrefixes(cr.Match.DstSubnets); err != nil {
		return nil, fmt.Errorf("rule %s: dst_subnet: %w", cr.ID, err)
	}
	if r.SrcSubnets, err = parsePrefixes(cr.Match.SrcSubnets); err != nil {
		return nil, fmt.Errorf("rule %s: src_subnet: %w", cr.ID, err)
	}
	for _, names := range [][]string{r.SrcZones, r.DstZones} {
		for _, n := range names {
			if _, ok := p.Zones.Lookup(n); !ok {
				return nil, fmt.Errorf("rule %s: unknown zone %q", cr.ID, n)
			}
		}
	}
	return r, nil
}

func parsePrefixes(in []string) ([]netip.Prefix, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]netip.Prefix, 0, len(in))
	for _, s := range in {
		pfx, err := zone.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, pfx)
	}
	return out, nil
}

// Matches reports whether every predicate of r accepts the connection.
func (r *Rule) Matches(src, dst netip.AddrPort, srcZone, dstZone *zone.Zone) bool {
	return r.Mismatch(src, dst, srcZone, dstZone) == ""
}

// Mismatch names the first predicate that rejects the connection, or returns
// "" when the rule matches.
func (r *Rule) Mismatch(src, dst netip.AddrPort, srcZone, dstZone *zone.Zone) string {
	switch {
	case !matchPort(r.DstPorts, dst.Port()):
		return "dst_port"
	case !matchPrefix(r.DstSubnets, dst.Addr()):
		return "dst_subnet"
	case !matchPrefix(r.SrcSubnets, src.Addr()):
		return "src_subnet"
	case !matchZone(r.SrcZones, srcZone):
		return "src_zone"
	case !matchZone(r.DstZones, dstZone):
		return "dst_zone"
	}
	return ""
}

func matchPort(ranges []config.PortRange, port uint16) bool {
	if ranges == nil {
		return true
	}
	for _, pr := range ranges {
		if pr.Contains(port) {
			return true
		}
	}
	return false
}

func matchPrefix(prefixes []netip.Prefix, addr netip.Addr) bool {
	if prefixes == nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// matchZone accepts z when it is, or administratively descends from, any
// listed zone. A connection outside every zone never satisfies a zone
// predicate.
func matchZone(names []string, z *zone.Zone) bool {
	if names == nil {
		return true
	}
	if z == nil {
		return false
	}
	for _, n := range names {
		if z.IsA(n) {
			return true
		}
	}
	return false
}

func (r *Rule) String() string {
	var parts []string
	if r.DstPorts != nil {
		ports := make([]string, len(r.DstPorts))
		for i, pr := range r.DstPorts {
			if pr.Lo == pr.Hi {
				ports[i] = fmt.Sprint(pr.Lo)
			} else {
				ports[i] = fmt.Sprintf("%d-%d", pr.Lo, pr.Hi)
			}
		}
		parts = append(parts, "dst_port="+strings.Join(ports, ","))
	}
	for _, f := range []struct {
		name string
		pfx  []netip.Prefix
	}{{"dst_subnet", r.DstSubnets}, {"src_subnet", r.SrcSubnets}} {
		if f.pfx == nil {
			continue
		}
		s := make([]string, len(f.pfx))
		for i, p := range f.pfx {
			s[i] = p.String()
		}
		parts = append(parts, f.name+"="+strings.Join(s, ","))
	}
	if r.SrcZones != nil {
		parts = append(parts, "src_zone="+strings.Join(r.SrcZones, ","))
	}
	if r.DstZones != nil {
		parts = append(parts, "dst_zone="+strings.Join(r.DstZones, ","))
	}
	if len(parts) == 0 {
		parts = append(parts, "any")
	}
	return fmt.Sprintf("rule %s [%s] -> %s", r.ID, strings.Join(parts, " "), r.Service.Name)
}
