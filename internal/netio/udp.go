package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/wire"
)

// -------------------------------------------------------------------------
// UDPConfig
// -------------------------------------------------------------------------

// UDPConfig holds configuration for a UDP tunnel port.
type UDPConfig struct {
	// Listen is the local address and port to bind to.
	Listen netip.AddrPort

	// Peer is the harness endpoint. When unset, the port learns it from
	// the first valid frame received.
	Peer netip.AddrPort

	// IfName optionally binds the socket to an interface (SO_BINDTODEVICE).
	IfName string
}

// -------------------------------------------------------------------------
// UDPPort -- IPv6-in-UDP tunnel to a test harness
// -------------------------------------------------------------------------

// UDPPort tunnels IPv6 datagrams to a test harness over UDP.
//
// Every frame carries a version byte (1), the 16-byte next-hop address
// (all zeros when the destination is on-link) and the IPv6 datagram.
// Inbound next hops are ignored.
type UDPPort struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu     sync.Mutex
	peer   netip.AddrPort
	closed bool
}

// ListenUDP opens a UDP tunnel port.
func ListenUDP(ctx context.Context, cfg UDPConfig, logger *slog.Logger) (*UDPPort, error) {
	conn, err := listenUDP(ctx, cfg.Listen, cfg.IfName)
	if err != nil {
		return nil, fmt.Errorf("create UDP port %s: %w", cfg.Listen, err)
	}

	return &UDPPort{
		conn: conn,
		peer: cfg.Peer,
		logger: logger.With(
			slog.String("component", "netio.udp"),
			slog.String("local", cfg.Listen.String()),
		),
	}, nil
}

// listenUDP creates the tunnel socket. The network is chosen from the
// listen address to avoid dual-stack ambiguity.
func listenUDP(ctx context.Context, laddr netip.AddrPort, ifName string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c, ifName)
		},
	}

	network := "udp"
	switch addr := laddr.Addr(); {
	case addr.Is4() || addr.Is4In6():
		network = "udp4"
	case addr.Is6() && !addr.IsUnspecified():
		network = "udp6"
	}

	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(
			fmt.Errorf("listen UDP %s: %w", laddr, ErrUnexpectedConnType),
			closeErr,
		)
	}

	return conn, nil
}

// Send encodes msg and sends it to the harness. It returns an error
// wrapping nd.ErrPortNotConnected until a peer is known.
//
// This method satisfies the nd.Port interface.
func (p *UDPPort) Send(_ context.Context, msg *nd.Message, nextHop netip.Addr) error {
	p.mu.Lock()
	peer, closed := p.peer, p.closed
	p.mu.Unlock()

	if closed {
		return fmt.Errorf("send %s: %w", msg, ErrSocketClosed)
	}
	if !peer.IsValid() {
		return fmt.Errorf("send %s: %w", msg, nd.ErrPortNotConnected)
	}

	datagram, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}

	frame := make([]byte, frameHeaderLen+len(datagram))
	frame[0] = frameVersion
	if nextHop.IsValid() {
		hop := nextHop.As16()
		copy(frame[1:frameHeaderLen], hop[:])
	}
	copy(frame[frameHeaderLen:], datagram)

	if _, err := p.conn.WriteToUDPAddrPort(frame, peer); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg, peer, err)
	}

	return nil
}

// ReadDatagram reads one frame and returns the IPv6 datagram it carries,
// moved to the start of buf. The sender of the first valid frame becomes
// the peer when none is configured.
//
// This method satisfies the PacketSource interface.
func (p *UDPPort) ReadDatagram(buf []byte) (int, error) {
	n, from, err := p.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, fmt.Errorf("read frame: %w", err)
	}

	if n < frameHeaderLen || buf[0] != frameVersion {
		return 0, fmt.Errorf("frame from %s (%d bytes): %w", from, n, ErrMalformedFrame)
	}

	p.mu.Lock()
	if !p.peer.IsValid() {
		p.peer = from
		p.logger.Info("learned harness peer", slog.String("peer", from.String()))
	}
	p.mu.Unlock()

	return copy(buf, buf[frameHeaderLen:n]), nil
}

// SetReadDeadline sets the read deadline on the underlying socket.
func (p *UDPPort) SetReadDeadline(t time.Time) error {
	if err := p.conn.SetReadDeadline(t); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

// Peer returns the harness endpoint, if known.
func (p *UDPPort) Peer() (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer, p.peer.IsValid()
}

// LocalAddr returns the address the socket is bound to.
func (p *UDPPort) LocalAddr() netip.AddrPort {
	ap := p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Close closes the underlying UDP connection.
func (p *UDPPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close UDP port: %w", err)
	}

	return nil
}
