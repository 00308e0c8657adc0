package nd

import (
	"net/netip"
	"slices"
)

// AddressSet is the list of addresses the node listens on. It is a
// multiset: the same address registered through two routers is added
// twice and stays configured until both registrations are removed.
type AddressSet struct {
	addrs []netip.Addr
}

// Add appends a.
func (s *AddressSet) Add(a netip.Addr) {
	s.addrs = append(s.addrs, a)
}

// Remove removes one occurrence of a and reports whether one was present.
func (s *AddressSet) Remove(a netip.Addr) bool {
	i := slices.Index(s.addrs, a)
	if i < 0 {
		return false
	}
	s.addrs = slices.Delete(s.addrs, i, i+1)
	return true
}

// Contains reports whether a is configured at least once.
func (s *AddressSet) Contains(a netip.Addr) bool {
	return slices.Contains(s.addrs, a)
}

// Count returns how many times a is configured.
func (s *AddressSet) Count(a netip.Addr) int {
	n := 0
	for _, x := range s.addrs {
		if x == a {
			n++
		}
	}
	return n
}

// Len returns the number of entries, duplicates included.
func (s *AddressSet) Len() int { return len(s.addrs) }

// List returns a copy of the entries in insertion order.
func (s *AddressSet) List() []netip.Addr {
	return slices.Clone(s.addrs)
}

// Blacklist is an append-only set of addresses, cleared only by a node
// reset.
type Blacklist struct {
	order []netip.Addr
	set   map[netip.Addr]struct{}
}

// NewBlacklist returns an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{set: make(map[netip.Addr]struct{})}
}

// Add appends a and reports whether it was not already present.
func (b *Blacklist) Add(a netip.Addr) bool {
	if _, ok := b.set[a]; ok {
		return false
	}
	b.set[a] = struct{}{}
	b.order = append(b.order, a)
	return true
}

// Contains reports whether a is blacklisted.
func (b *Blacklist) Contains(a netip.Addr) bool {
	_, ok := b.set[a]
	return ok
}

// Len returns the number of blacklisted addresses.
func (b *Blacklist) Len() int { return len(b.order) }

// List returns the blacklisted addresses in insertion order.
func (b *Blacklist) List() []netip.Addr {
	return slices.Clone(b.order)
}
