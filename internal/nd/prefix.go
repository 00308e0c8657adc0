package nd

import (
	"net/netip"
	"time"
)

// registrationUnit is the ARO lifetime unit (RFC 6775 Section 4.1).
const registrationUnit = 60 * time.Second

// PrefixInfo tracks one prefix advertised by a router and the registration
// of the address this node derives from it.
//
// Invariant: Address is configured on the node iff Registered is true.
type PrefixInfo struct {
	Prefix  netip.Prefix
	Address netip.Addr

	ValidUntil     time.Time
	PreferredUntil time.Time

	// Registered is true while the address is registered with the router
	// and configured on the node.
	Registered bool

	// NSSent is true while an NS for this prefix awaits its NA.
	NSSent bool

	// RegistrationExpiry is the end of the current registration.
	RegistrationExpiry time.Time

	// RequestedRegistrationExpiry is the expiry asked for in the last NS;
	// it becomes RegistrationExpiry when the router accepts.
	RequestedRegistrationExpiry time.Time
}

// NewPrefixInfo creates the state for a freshly advertised prefix.
func NewPrefixInfo(pio *PrefixInformation, eui EUI64, now time.Time) *PrefixInfo {
	prefix := pio.Prefix.Masked()
	info := &PrefixInfo{
		Prefix:  prefix,
		Address: eui.AddressFor(prefix),
	}
	info.Refresh(pio, now)
	return info
}

// Refresh updates the lifetimes from a newer PIO for the same prefix.
func (i *PrefixInfo) Refresh(pio *PrefixInformation, now time.Time) {
	i.ValidUntil = now.Add(pio.ValidLifetime)
	i.PreferredUntil = now.Add(pio.PreferredLifetime)
}

// Valid reports whether the prefix is still within its valid lifetime.
func (i *PrefixInfo) Valid(now time.Time) bool {
	return now.Before(i.ValidUntil)
}

// Preferred reports whether the prefix is still within its preferred
// lifetime.
func (i *PrefixInfo) Preferred(now time.Time) bool {
	return now.Before(i.PreferredUntil)
}

// InRefreshWindow reports whether a registered address entered
// [RegistrationExpiry-refresh, RegistrationExpiry).
func (i *PrefixInfo) InRefreshWindow(now time.Time, refresh time.Duration) bool {
	return !now.Before(i.RegistrationExpiry.Add(-refresh)) && now.Before(i.RegistrationExpiry)
}

// RegistrationExpired reports whether a registered address has lapsed.
func (i *PrefixInfo) RegistrationExpired(now time.Time) bool {
	return i.Registered && !now.Before(i.RegistrationExpiry)
}

// ChooseLifetime returns the registration lifetime to request, in minutes:
// max(1, floor(min(validRemaining, preferredRemaining) / 60s)). It records
// the corresponding expiry, capped at the valid lifetime, in
// RequestedRegistrationExpiry.
func (i *PrefixInfo) ChooseLifetime(now time.Time) uint16 {
	remaining := min(i.ValidUntil.Sub(now), i.PreferredUntil.Sub(now))

	minutes := int64(remaining / registrationUnit)
	if minutes <= 0 {
		minutes = 1
	}
	if minutes > 0xffff {
		minutes = 0xffff
	}

	requested := now.Add(time.Duration(minutes) * registrationUnit)
	if i.ValidUntil.Before(requested) {
		requested = i.ValidUntil
	}
	i.RequestedRegistrationExpiry = requested

	return uint16(minutes)
}

// -------------------------------------------------------------------------
// ContextInfo
// -------------------------------------------------------------------------

// ContextInfo tracks one 6LoWPAN compression context advertised by a
// router (RFC 6775 Section 4.2).
type ContextInfo struct {
	ContextID  uint8
	Compress   bool
	Prefix     netip.Prefix
	ValidUntil time.Time
}

// NewContextInfo creates the state for a freshly advertised context.
func NewContextInfo(co *ContextOption, now time.Time) *ContextInfo {
	c := &ContextInfo{ContextID: co.ContextID}
	c.Refresh(co, now)
	return c
}

// Refresh updates the context from a newer option with the same id.
func (c *ContextInfo) Refresh(co *ContextOption, now time.Time) {
	c.Compress = co.Compress
	c.Prefix = co.Prefix.Masked()
	c.ValidUntil = now.Add(co.ValidLifetime)
}

// Valid reports whether the context is still within its valid lifetime.
func (c *ContextInfo) Valid(now time.Time) bool {
	return now.Before(c.ValidUntil)
}
