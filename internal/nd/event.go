package nd

import (
	"fmt"
	"net/netip"
)

// EventKind is the kind of an Event delivered to a Process.
type EventKind uint8

const (
	// EventTimer is a fired named (or anonymous) timer.
	EventTimer EventKind = iota + 1

	// EventMessage is an inbound protocol message matched by a subscription,
	// or a message forwarded by another process.
	EventMessage

	// EventKill asks a process to terminate. Delivered with urgent priority.
	EventKill

	// EventAddressBlacklisted announces that an address was appended to the
	// node-wide duplicate address blacklist (ARO Status 1).
	EventAddressBlacklisted

	// EventRouterBlacklisted announces that a router was appended to the
	// node-wide router-full blacklist (ARO Status 2).
	EventRouterBlacklisted
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventTimer:
		return "Timer"
	case EventMessage:
		return "Message"
	case EventKill:
		return "Kill"
	case EventAddressBlacklisted:
		return "AddressBlacklisted"
	case EventRouterBlacklisted:
		return "RouterBlacklisted"
	default:
		return "Unknown"
	}
}

// Event is one unit of work delivered to a Process.
type Event struct {
	Kind EventKind

	// Name is the timer name for EventTimer.
	Name string

	// Msg is the message for EventMessage.
	Msg *Message

	// Addr is the blacklisted address or router for the blacklist events.
	Addr netip.Addr
}

// String returns a compact description for logs.
func (e Event) String() string {
	switch e.Kind {
	case EventTimer:
		return "Timer(" + e.Name + ")"
	case EventMessage:
		if e.Msg == nil {
			return "Message(nil)"
		}
		return "Message(" + e.Msg.String() + ")"
	case EventAddressBlacklisted, EventRouterBlacklisted:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Addr)
	default:
		return e.Kind.String()
	}
}

// TimerEvent returns an EventTimer for name.
func TimerEvent(name string) Event { return Event{Kind: EventTimer, Name: name} }

// MessageEvent returns an EventMessage carrying msg.
func MessageEvent(msg *Message) Event { return Event{Kind: EventMessage, Msg: msg} }

// KillEvent returns an EventKill.
func KillEvent() Event { return Event{Kind: EventKill} }

// IsTimer reports whether e is the timer named name.
func (e Event) IsTimer(name string) bool {
	return e.Kind == EventTimer && e.Name == name
}

// Reply is what a Process returns from handling one Event.
type Reply uint8

const (
	// ReplyNone is the normal reply: the process is waiting for its next event.
	ReplyNone Reply = iota

	// ReplyFinished means the process has terminated; it answers Finished to
	// every further event.
	ReplyFinished
)

// String returns the human-readable name of the reply.
func (r Reply) String() string {
	if r == ReplyFinished {
		return "Finished"
	}
	return "None"
}
