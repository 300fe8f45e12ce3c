package zone

import (
	"fmt"
	"net/netip"
)

// Registry stores the zone set loaded from policy. It is immutable after New
// returns and safe for concurrent readers.
type Registry struct {
	zones  []*Zone
	byName map[string]*Zone
	v4     trie
	v6     trie
}

// New builds a registry from zone specs in declaration order.
func New(specs []Spec) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Zone, len(specs)),
	}

	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("zone #%d: empty name", i+1)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateZone, s.Name)
		}
		z := &Zone{Name: s.Name, index: i}
		for _, a := range s.Addrs {
			p, err := ParsePrefix(a)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", s.Name, err)
			}
			z.Prefixes = append(z.Prefixes, p)
		}
		r.zones = append(r.zones, z)
		r.byName[s.Name] = z
	}

	for i, s := range specs {
		if s.AdminParent == "" {
			continue
		}
		parent, ok := r.byName[s.AdminParent]
		if !ok {
			return nil, fmt.Errorf("zone %s: %w %q", s.Name, ErrUnknownParent, s.AdminParent)
		}
		r.zones[i].Parent = parent
	}

	for _, z := range r.zones {
		chain, err := ancestry(z, len(r.zones))
		if err != nil {
			return nil, err
		}
		z.ancestors = chain
	}

	for _, z := range r.zones {
		for _, p := range z.Prefixes {
			if p.Addr().Is4() {
				r.v4.insert(p, z)
			} else {
				r.v6.insert(p, z)
			}
		}
	}

	return r, nil
}

func ancestry(z *Zone, limit int) ([]string, error) {
	var chain []string
	for cur := z; cur != nil; cur = cur.Parent {
		if len(chain) > limit {
			return nil, fmt.Errorf("zone %s: %w", z.Name, ErrParentCycle)
		}
		for _, seen := range chain {
			if seen == cur.Name {
				return nil, fmt.Errorf("zone %s: %w", z.Name, ErrParentCycle)
			}
		}
		chain = append(chain, cur.Name)
	}
	return chain, nil
}

// Resolve returns the most specific zone containing addr, or nil.
func (r *Registry) Resolve(addr netip.Addr) *Zone {
	if !addr.IsValid() {
		return nil
	}
	addr = addr.Unmap().WithZone("")
	if addr.Is4() {
		return r.v4.lookup(addr)
	}
	return r.v6.lookup(addr)
}

// Lookup returns the zone with the given name.
func (r *Registry) Lookup(name string) (*Zone, bool) {
	z, ok := r.byName[name]
	return z, ok
}

// Zones returns all zones in declaration order.
func (r *Registry) Zones() []*Zone {
	out := make([]*Zone, len(r.zones))
	copy(out, r.zones)
	return out
}

// Len returns the number of zones.
func (r *Registry) Len() int {
	return len(r.zones)
}
