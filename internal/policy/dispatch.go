package policy

import (
	"fmt"
	"net/netip"

	"grimm.is/bastion/internal/zone"
)

// Conn identifies an accepted connection for dispatch.
type Conn struct {
	ID       string
	Listener string
	Src      netip.AddrPort
	// Dst is the original destination recovered from the interception
	// socket.
	Dst netip.AddrPort
}

// Decision is the outcome of a successful dispatch.
type Decision struct {
	Rule    *Rule
	Service *Service
	SrcZone *zone.Zone
	DstZone *zone.Zone
}

// MatchError is returned when no rule matches a connection. The connection
// must be closed without contacting any server.
type MatchError struct {
	Src, Dst         netip.AddrPort
	SrcZone, DstZone string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("no rule matches %s (zone %s) -> %s (zone %s)",
		e.Src, zoneLabel(e.SrcZone), e.Dst, zoneLabel(e.DstZone))
}

func zoneLabel(name string) string {
	if name == "" {
		return "-"
	}
	return name
}

// Dispatch resolves both endpoints to zones and returns the first rule, in
// declaration order, whose predicates all match.
func (p *Policy) Dispatch(c Conn) (*Decision, error) {
	src := netip.AddrPortFrom(c.Src.Addr().Unmap(), c.Src.Port())
	dst := netip.AddrPortFrom(c.Dst.Addr().Unmap(), c.Dst.Port())
	srcZone := p.Zones.Resolve(src.Addr())
	dstZone := p.Zones.Resolve(dst.Addr())

	for _, r := range p.Rules {
		if r.Matches(src, dst, srcZone, dstZone) {
			return &Decision{
				Rule:    r,
				Service: r.Service,
				SrcZone: srcZone,
				DstZone: dstZone,
			}, nil
		}
	}
	return nil, &MatchError{
		Src:     src,
		Dst:     dst,
		SrcZone: srcZone.String(),
		DstZone: dstZone.String(),
	}
}

// Step is one rule evaluated by Trace.
type Step struct {
	Rule *Rule
	// Failed names the predicate that rejected the connection; empty on
	// the matching rule.
	Failed string
}

// Trace evaluates rules like Dispatch but records every rule tried up to
// and including the match.
func (p *Policy) Trace(c Conn) ([]Step, *Decision, error) {
	src := netip.AddrPortFrom(c.Src.Addr().Unmap(), c.Src.Port())
	dst := netip.AddrPortFrom(c.Dst.Addr().Unmap(), c.Dst.Port())
	srcZone := p.Zones.Resolve(src.Addr())
	dstZone := p.Zones.Resolve(dst.Addr())

	var steps []Step
	for _, r := range p.Rules {
		failed := r.Mismatch(src, dst, srcZone, dstZone)
		steps = append(steps, Step{Rule: r, Failed: failed})
		if failed == "" {
			return steps, &Decision{Rule: r, Service: r.Service, SrcZone: srcZone, DstZone: dstZone}, nil
		}
	}
	return steps, nil, &MatchError{Src: src, Dst: dst, SrcZone: srcZone.String(), DstZone: dstZone.String()}
}
