package nd

import "net/netip"

// Pattern describes the inbound messages a process wants to receive.
// Zero-valued fields match anything.
type Pattern struct {
	// Type is the ICMPv6 message type. Required.
	Type MessageType

	// Src restricts the IPv6 source address.
	Src netip.Addr

	// Options lists option types that must all be present (superset match).
	Options []OptionType

	// RegisteredEUI restricts NAs to those whose ARO carries this EUI-64.
	// Implies OptAddressRegistration.
	RegisteredEUI *EUI64
}

// Matcher decides whether a message matches a pattern. The node never
// inspects message contents for routing beyond asking its Matcher.
type Matcher interface {
	Match(p Pattern, msg *Message) bool
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(p Pattern, msg *Message) bool

// Match implements Matcher.
func (f MatcherFunc) Match(p Pattern, msg *Message) bool { return f(p, msg) }

// FieldMatcher is the default Matcher: it compares the fields set in the
// pattern with the message.
var FieldMatcher Matcher = MatcherFunc(matchFields) //nolint:gochecknoglobals // stateless default.

func matchFields(p Pattern, msg *Message) bool {
	if msg == nil || msg.Type != p.Type {
		return false
	}
	if p.Src.IsValid() && msg.Src != p.Src {
		return false
	}
	for _, t := range p.Options {
		if !msg.HasOption(t) {
			return false
		}
	}
	if p.RegisteredEUI != nil {
		aro := msg.AddressRegistration()
		if aro == nil || aro.EUI64 != *p.RegisteredEUI {
			return false
		}
	}
	return true
}

// subscription binds a pattern to the process it is delivered to.
type subscription struct {
	pattern Pattern
	process *Process
}
