package zone

import "net/netip"

// trie is a binary prefix trie over address bits. Each node optionally
// carries the zone owning exactly that prefix; lookup keeps the deepest
// zone seen on the path, which is the longest-prefix match.
type trie struct {
	root node
}

type node struct {
	child [2]*node
	zone  *Zone
}

func (t *trie) insert(p netip.Prefix, z *Zone) {
	n := &t.root
	addr := p.Addr()
	for i := 0; i < p.Bits(); i++ {
		b := bitAt(addr, i)
		if n.child[b] == nil {
			n.child[b] = &node{}
		}
		n = n.child[b]
	}
	// identical prefix declared twice: the earlier zone keeps it
	if n.zone == nil {
		n.zone = z
	}
}

func (t *trie) lookup(addr netip.Addr) *Zone {
	n := &t.root
	best := n.zone
	for i := 0; i < addr.BitLen(); i++ {
		n = n.child[bitAt(addr, i)]
		if n == nil {
			break
		}
		if n.zone != nil {
			best = n.zone
		}
	}
	return best
}

func bitAt(addr netip.Addr, i int) int {
	if addr.Is4() {
		a := addr.As4()
		return int(a[i/8]>>(7-uint(i%8))) & 1
	}
	a := addr.As16()
	return int(a[i/8]>>(7-uint(i%8))) & 1
}
