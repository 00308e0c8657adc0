package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/wire"
)

// acceptedTypes are the ICMPv6 types let through the socket filter.
var acceptedTypes = []ipv6.ICMPType{
	ipv6.ICMPTypeEchoRequest,
	ipv6.ICMPTypeEchoReply,
	ipv6.ICMPTypeRouterSolicitation,
	ipv6.ICMPTypeRouterAdvertisement,
	ipv6.ICMPTypeNeighborSolicitation,
	ipv6.ICMPTypeNeighborAdvertisement,
}

// -------------------------------------------------------------------------
// ICMPPort -- raw ICMPv6 on a real interface
// -------------------------------------------------------------------------

// ICMPPort exchanges ICMPv6 messages on one interface through a raw
// socket (requires CAP_NET_RAW).
//
// Socket configuration:
//   - ICMPv6 filter passing echo and ND types only
//   - destination, hop limit and interface control messages on receive
//   - membership of ff02::1 on the interface
//   - per-packet source, hop limit, interface and next hop on send
//
// The kernel computes the ICMPv6 checksum. Source addresses must be
// assigned to the interface for the kernel to accept them.
type ICMPPort struct {
	conn   *icmp.PacketConn
	pc     *ipv6.PacketConn
	ifi    *net.Interface
	rbuf   []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ListenICMP opens a raw ICMPv6 port on ifName.
func ListenICMP(ifName string, logger *slog.Logger) (*ICMPPort, error) {
	if ifName == "" {
		return nil, fmt.Errorf("create ICMPv6 port: %w", ErrInterfaceRequired)
	}

	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("create ICMPv6 port on %s: %w", ifName, err)
	}

	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("create ICMPv6 port on %s: %w", ifName, err)
	}

	pc := conn.IPv6PacketConn()
	if err := configureICMP(pc, ifi); err != nil {
		return nil, errors.Join(
			fmt.Errorf("create ICMPv6 port on %s: %w", ifName, err),
			conn.Close(),
		)
	}

	return &ICMPPort{
		conn: conn,
		pc:   pc,
		ifi:  ifi,
		rbuf: make([]byte, datagramBufSize),
		logger: logger.With(
			slog.String("component", "netio.icmp"),
			slog.String("interface", ifName),
		),
	}, nil
}

// configureICMP applies the filter, control message flags and multicast
// membership.
func configureICMP(pc *ipv6.PacketConn, ifi *net.Interface) error {
	var filter ipv6.ICMPFilter
	filter.SetAll(true)
	for _, typ := range acceptedTypes {
		filter.Accept(typ)
	}
	if err := pc.SetICMPFilter(&filter); err != nil {
		return fmt.Errorf("set ICMPv6 filter: %w", err)
	}

	if err := pc.SetControlMessage(ipv6.FlagDst|ipv6.FlagHopLimit|ipv6.FlagInterface, true); err != nil {
		return fmt.Errorf("set control message: %w", err)
	}

	if err := pc.JoinGroup(ifi, &net.IPAddr{IP: net.IPv6linklocalallnodes}); err != nil {
		return fmt.Errorf("join ff02::1: %w", err)
	}

	if err := pc.SetMulticastInterface(ifi); err != nil {
		return fmt.Errorf("set multicast interface: %w", err)
	}

	if err := pc.SetMulticastLoopback(false); err != nil {
		return fmt.Errorf("disable multicast loopback: %w", err)
	}

	return nil
}

// Send encodes msg and hands the ICMPv6 part to the kernel with the
// source, hop limit and next hop as ancillary data.
//
// This method satisfies the nd.Port interface.
func (p *ICMPPort) Send(_ context.Context, msg *nd.Message, nextHop netip.Addr) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("send %s: %w", msg, ErrSocketClosed)
	}

	datagram, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}

	cm := &ipv6.ControlMessage{
		HopLimit: int(msg.HopLimit),
		Src:      msg.Src.AsSlice(),
		IfIndex:  p.ifi.Index,
	}
	if nextHop.IsValid() && nextHop != msg.Dst {
		cm.NextHop = nextHop.AsSlice()
	}

	dst := &net.IPAddr{IP: msg.Dst.AsSlice()}
	if nd.IsLinkLocalOrMulticast(msg.Dst) {
		dst.Zone = p.ifi.Name
	}
	if _, err := p.pc.WriteTo(datagram[wire.HeaderLen:], cm, dst); err != nil {
		return fmt.Errorf("send %s via %s: %w", msg, p.ifi.Name, err)
	}

	return nil
}

// ReadDatagram reads one ICMPv6 message received on the port's interface
// and rebuilds the IPv6 datagram from the control message. Messages from
// other interfaces are skipped.
//
// This method satisfies the PacketSource interface.
func (p *ICMPPort) ReadDatagram(buf []byte) (int, error) {
	for {
		n, cm, src, err := p.pc.ReadFrom(p.rbuf)
		if err != nil {
			return 0, fmt.Errorf("read ICMPv6: %w", err)
		}
		if cm == nil || cm.IfIndex != p.ifi.Index {
			continue
		}

		ipSrc, ok := src.(*net.IPAddr)
		if !ok {
			return 0, fmt.Errorf("source %v: %w", src, ErrMalformedFrame)
		}
		from, okSrc := netip.AddrFromSlice(ipSrc.IP)
		to, okDst := netip.AddrFromSlice(cm.Dst)
		if !okSrc || !okDst {
			return 0, fmt.Errorf("addresses %v -> %v: %w", ipSrc.IP, cm.Dst, ErrMalformedFrame)
		}

		datagram, err := wire.Wrap(from, to, uint8(cm.HopLimit), p.rbuf[:n])
		if err != nil {
			return 0, fmt.Errorf("frame ICMPv6 from %s: %w: %w", from, ErrMalformedFrame, err)
		}
		if len(datagram) > len(buf) {
			return 0, fmt.Errorf("datagram of %d bytes: %w", len(datagram), io.ErrShortBuffer)
		}

		return copy(buf, datagram), nil
	}
}

// SetReadDeadline sets the read deadline on the raw socket.
func (p *ICMPPort) SetReadDeadline(t time.Time) error {
	if err := p.pc.SetReadDeadline(t); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

// Close leaves the multicast group and closes the raw socket.
func (p *ICMPPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	leaveErr := p.pc.LeaveGroup(p.ifi, &net.IPAddr{IP: net.IPv6linklocalallnodes})
	if err := errors.Join(leaveErr, p.conn.Close()); err != nil {
		return fmt.Errorf("close ICMPv6 port: %w", err)
	}

	return nil
}
