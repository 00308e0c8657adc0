package nd

import (
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Message Types
// -------------------------------------------------------------------------

// MessageType is the ICMPv6 message type of a Message (RFC 4443, RFC 4861).
type MessageType uint8

// ICMPv6 message types handled by the node.
const (
	TypeEchoRequest           MessageType = 128
	TypeEchoReply             MessageType = 129
	TypeRouterSolicitation    MessageType = 133
	TypeRouterAdvertisement   MessageType = 134
	TypeNeighborSolicitation  MessageType = 135
	TypeNeighborAdvertisement MessageType = 136
)

// String returns the conventional short name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeEchoRequest:
		return "EchoRequest"
	case TypeEchoReply:
		return "EchoReply"
	case TypeRouterSolicitation:
		return "RS"
	case TypeRouterAdvertisement:
		return "RA"
	case TypeNeighborSolicitation:
		return "NS"
	case TypeNeighborAdvertisement:
		return "NA"
	default:
		return fmt.Sprintf("ICMPv6(%d)", uint8(t))
	}
}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// OptionType is an ND option type code (RFC 4861 Section 4.6, RFC 6775
// Section 4).
type OptionType uint8

// ND option types.
const (
	OptSourceLinkLayerAddress OptionType = 1
	OptTargetLinkLayerAddress OptionType = 2
	OptPrefixInformation      OptionType = 3
	OptAddressRegistration    OptionType = 33
	OptContext                OptionType = 34
)

// Option is a typed ND option carried by a Message.
type Option interface {
	Type() OptionType
}

// LinkLayerAddress is the Source/Target Link-Layer Address option.
// On 802.15.4 links Addr is the 8-byte EUI-64.
type LinkLayerAddress struct {
	Target bool
	Addr   []byte
}

// Type implements Option.
func (o *LinkLayerAddress) Type() OptionType {
	if o.Target {
		return OptTargetLinkLayerAddress
	}
	return OptSourceLinkLayerAddress
}

// PrefixInformation is the Prefix Information Option (RFC 4861 Section 4.6.2).
type PrefixInformation struct {
	Prefix            netip.Prefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

// Type implements Option.
func (*PrefixInformation) Type() OptionType { return OptPrefixInformation }

// ARO status codes (RFC 6775 Section 4.1).
const (
	StatusSuccess      uint8 = 0
	StatusDuplicate    uint8 = 1
	StatusNeighborFull uint8 = 2
)

// AddressRegistration is the Address Registration Option (RFC 6775
// Section 4.1). Lifetime is in units of 60 seconds.
type AddressRegistration struct {
	Status   uint8
	Lifetime uint16
	EUI64    EUI64
}

// Type implements Option.
func (*AddressRegistration) Type() OptionType { return OptAddressRegistration }

// ContextOption is the 6LoWPAN Context Option (RFC 6775 Section 4.2).
type ContextOption struct {
	ContextID     uint8
	Compress      bool
	Prefix        netip.Prefix
	ValidLifetime time.Duration
}

// Type implements Option.
func (*ContextOption) Type() OptionType { return OptContext }

// RawOption carries an option the node does not interpret.
type RawOption struct {
	Code  OptionType
	Value []byte
}

// Type implements Option.
func (o *RawOption) Type() OptionType { return o.Code }

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Message is a decoded IPv6 datagram carrying one ICMPv6 message. Fields
// that do not apply to Type are left at their zero value.
//
// The node never parses bytes itself; a Message is produced by the wire
// codec of the transport (or built directly by a test harness).
type Message struct {
	Src      netip.Addr
	Dst      netip.Addr
	HopLimit uint8
	Type     MessageType

	// RA fields (RFC 4861 Section 4.2).
	CurHopLimit    uint8
	Managed        bool
	Other          bool
	RouterLifetime time.Duration
	ReachableTime  time.Duration
	RetransTimer   time.Duration

	// NS/NA fields (RFC 4861 Sections 4.3, 4.4).
	Target    netip.Addr
	Router    bool
	Solicited bool
	Override  bool

	// Echo fields (RFC 4443 Section 4).
	Identifier uint16
	Sequence   uint16
	Payload    []byte

	Options []Option
}

// String returns a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s -> %s", m.Type, m.Src, m.Dst)
}

// HasOption reports whether at least one option of type t is present.
func (m *Message) HasOption(t OptionType) bool {
	for _, o := range m.Options {
		if o.Type() == t {
			return true
		}
	}
	return false
}

// PrefixInformation returns all Prefix Information options in order.
func (m *Message) PrefixInformation() []*PrefixInformation {
	var out []*PrefixInformation
	for _, o := range m.Options {
		if pio, ok := o.(*PrefixInformation); ok {
			out = append(out, pio)
		}
	}
	return out
}

// Contexts returns all 6LoWPAN Context options in order.
func (m *Message) Contexts() []*ContextOption {
	var out []*ContextOption
	for _, o := range m.Options {
		if co, ok := o.(*ContextOption); ok {
			out = append(out, co)
		}
	}
	return out
}

// AddressRegistration returns the first ARO, or nil.
func (m *Message) AddressRegistration() *AddressRegistration {
	for _, o := range m.Options {
		if aro, ok := o.(*AddressRegistration); ok {
			return aro
		}
	}
	return nil
}

// IsLinkLocalOrMulticast reports whether a is delivered on-link without a
// router (fe80::/10 or ff00::/8).
func IsLinkLocalOrMulticast(a netip.Addr) bool {
	return a.IsLinkLocalUnicast() || a.IsMulticast()
}
