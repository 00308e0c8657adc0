package netio

import (
	"errors"
	"fmt"
	"time"

	"github.com/dantte-lp/lowpannd/internal/nd"
)

// -------------------------------------------------------------------------
// Transport Constants
// -------------------------------------------------------------------------

const (
	// frameVersion is the first byte of every UDP tunnel frame.
	frameVersion uint8 = 1

	// frameHeaderLen is the version byte plus the 16-byte next hop.
	frameHeaderLen = 1 + 16

	// datagramBufSize bounds a single received frame or datagram.
	datagramBufSize = 1 << 16

	// ndHopLimit is the only hop limit accepted on ND messages
	// (RFC 4861 Sections 6.1 and 7.1).
	ndHopLimit uint8 = 255
)

// Transport names reported to ReceiverMetrics.
const (
	TransportUDP  = "udp"
	TransportICMP = "icmp"
)

// -------------------------------------------------------------------------
// PacketSource Interface
// -------------------------------------------------------------------------

// PacketSource yields inbound IPv6 datagrams. Implementations return the
// full datagram, IPv6 header included, so a single codec serves every
// transport.
//
// The interface is kept minimal so tests can drive a Receiver without
// sockets.
type PacketSource interface {
	// ReadDatagram reads one datagram into buf and returns its length.
	ReadDatagram(buf []byte) (int, error)

	// SetReadDeadline unblocks a pending ReadDatagram at t.
	SetReadDeadline(t time.Time) error
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed port.
	ErrSocketClosed = errors.New("socket closed")

	// ErrMalformedFrame indicates a tunnel frame with a bad version or
	// short header, or a raw datagram that could not be framed.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrHopLimitInvalid indicates an ND message received with a hop limit
	// other than 255.
	ErrHopLimitInvalid = errors.New("hop limit validation failed")

	// ErrInterfaceRequired indicates a link port configured without an
	// interface name.
	ErrInterfaceRequired = errors.New("interface name required")

	// ErrUnexpectedConnType indicates net.ListenPacket returned an
	// unexpected connection type.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")
)

// -------------------------------------------------------------------------
// Hop Limit Validation -- RFC 4861 Sections 6.1, 7.1
// -------------------------------------------------------------------------

// ValidateHopLimit checks that an ND message arrived with hop limit 255,
// which proves it was not forwarded by a router. Echo messages are not
// subject to the check.
func ValidateHopLimit(msg *nd.Message) error {
	switch msg.Type {
	case nd.TypeEchoRequest, nd.TypeEchoReply:
		return nil
	}

	if msg.HopLimit != ndHopLimit {
		return fmt.Errorf("%s hop limit %d, required %d: %w",
			msg.Type, msg.HopLimit, ndHopLimit, ErrHopLimitInvalid)
	}
	return nil
}
