// Package zone implements the zone registry: named, administratively nested
// groups of address ranges, and address-to-zone resolution.
//
// Address resolution and the administrative tree are independent. Resolve
// picks the zone owning the longest matching prefix (first-declared zone on
// identical prefixes); rule predicates then walk the admin chain upward via
// Zone.IsA.
package zone

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrDuplicateZone is returned when two zones share a name.
	ErrDuplicateZone = errors.New("duplicate zone")
	// ErrUnknownParent is returned when admin_parent names no declared zone.
	ErrUnknownParent = errors.New("unknown admin parent")
	// ErrParentCycle is returned when admin_parent links form a loop.
	ErrParentCycle = errors.New("admin parent cycle")
	// ErrBadAddress is returned for malformed address ranges.
	ErrBadAddress = errors.New("malformed address range")
)

// Spec is the load-time description of a zone.
type Spec struct {
	Name        string
	Addrs       []string
	AdminParent string
}

// Zone is an immutable, resolved zone.
type Zone struct {
	Name     string
	Prefixes []netip.Prefix
	Parent   *Zone

	// ancestors holds this zone's name followed by every admin parent up to
	// the root.
	ancestors []string
	index     int
}

// Ancestors returns the zone's own name followed by its admin parents,
// nearest first.
func (z *Zone) Ancestors() []string {
	return z.ancestors
}

// IsA reports whether z is the named zone or one of its admin descendants.
// Membership only ever flows upward: servers.audit IsA servers, never the
// reverse.
func (z *Zone) IsA(name string) bool {
	if z == nil {
		return false
	}
	for _, a := range z.ancestors {
		if a == name {
			return true
		}
	}
	return false
}

// Depth is the number of admin parents above z.
func (z *Zone) Depth() int {
	return len(z.ancestors) - 1
}

// Index is the zone's declaration position.
func (z *Zone) Index() int {
	return z.index
}

func (z *Zone) String() string {
	if z == nil {
		return ""
	}
	return z.Name
}

// ParsePrefix accepts "a.b.c.d/n", "a.b.c.d", and their IPv6 forms. Bare
// addresses become host prefixes. The result is always masked.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
		}
		if p.Addr().Is4In6() {
			if p.Bits() < 96 {
				return netip.Prefix{}, fmt.Errorf("%w: %q: mapped prefix shorter than /96", ErrBadAddress, s)
			}
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
	}
	a = a.Unmap().WithZone("")
	return netip.PrefixFrom(a, a.BitLen()), nil
}
