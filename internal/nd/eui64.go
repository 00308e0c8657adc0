package nd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidEUI64 indicates a malformed EUI-64 string.
var ErrInvalidEUI64 = errors.New("invalid EUI-64")

// EUI64 is a 64-bit IEEE extended unique identifier (the 802.15.4 long
// hardware address of the node).
type EUI64 [8]byte

// ParseEUI64 parses a 16 hex digit EUI-64. Colon, dash and dot separators
// are accepted and ignored ("02:00:00:00:01:02:03:04", "0200000001020304").
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64

	clean := strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	if len(clean) != 2*len(e) {
		return e, fmt.Errorf("parse %q: %w", s, ErrInvalidEUI64)
	}

	if _, err := hex.Decode(e[:], []byte(clean)); err != nil {
		return e, fmt.Errorf("parse %q: %w: %w", s, ErrInvalidEUI64, err)
	}

	return e, nil
}

// String returns the colon separated hex form.
func (e EUI64) String() string {
	var b strings.Builder
	for i, c := range e {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

// InterfaceID returns the modified EUI-64 interface identifier
// (RFC 4291 Appendix A): the universal/local bit is inverted.
func (e EUI64) InterfaceID() [8]byte {
	iid := [8]byte(e)
	iid[0] ^= 0x02
	return iid
}

// AddressFor forms the address of this identifier inside prefix: the upper
// 64 bits come from the prefix, the lower 64 bits are the interface id.
func (e EUI64) AddressFor(prefix netip.Prefix) netip.Addr {
	a := prefix.Masked().Addr().As16()
	iid := e.InterfaceID()
	copy(a[8:], iid[:])
	return netip.AddrFrom16(a)
}

// linkLocalPrefix is fe80::/64.
var linkLocalPrefix = netip.MustParsePrefix("fe80::/64") //nolint:gochecknoglobals // constant prefix.

// LinkLocal returns the fe80::/64 address derived from e.
func (e EUI64) LinkLocal() netip.Addr {
	return e.AddressFor(linkLocalPrefix)
}
