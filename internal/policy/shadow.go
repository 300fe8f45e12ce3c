package policy

import (
	"net/netip"

	"grimm.is/bastion/internal/config"
)

// Shadow records a rule that can never match because an earlier rule
// accepts every connection it would.
type Shadow struct {
	Rule *Rule
	By   *Rule
}

// ShadowedRules reports unreachable rules. The check is per predicate and
// conservative: a rule is reported only when an earlier rule covers each of
// its predicates on its own.
func (p *Policy) ShadowedRules() []Shadow {
	var out []Shadow
	for j, later := range p.Rules {
		for _, earlier := range p.Rules[:j] {
			if p.covers(earlier, later) {
				out = append(out, Shadow{Rule: later, By: earlier})
				break
			}
		}
	}
	return out
}

func (p *Policy) covers(a, b *Rule) bool {
	return coversPorts(a.DstPorts, b.DstPorts) &&
		coversPrefixes(a.DstSubnets, b.DstSubnets) &&
		coversPrefixes(a.SrcSubnets, b.SrcSubnets) &&
		p.coversZones(a.SrcZones, b.SrcZones) &&
		p.coversZones(a.DstZones, b.DstZones)
}

func coversPorts(a, b []config.PortRange) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	for _, br := range b {
		ok := false
		for _, ar := range a {
			if ar.Lo <= br.Lo && br.Hi <= ar.Hi {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func coversPrefixes(a, b []netip.Prefix) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	for _, bp := range b {
		ok := false
		for _, ap := range a {
			if ap.Bits() <= bp.Bits() && ap.Contains(bp.Addr()) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// coversZones holds when every zone b names is, or descends from, a zone
// a names.
func (p *Policy) coversZones(a, b []string) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	for _, name := range b {
		z, ok := p.Zones.Lookup(name)
		if !ok || !matchZone(a, z) {
			return false
		}
	}
	return true
}
