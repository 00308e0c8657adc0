//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/netio"
	"github.com/dantte-lp/lowpannd/internal/wire"
)

var (
	testEUI  = nd.EUI64{0x02, 0x00, 0x00, 0x00, 0x0a, 0x0b, 0x0c, 0x0d}
	router   = netip.MustParseAddr("fe80::1")
	allNodes = netip.MustParseAddr("ff02::1")
	remote   = netip.MustParseAddr("2001:db8:ffff::1")
	prefix   = netip.MustParsePrefix("2001:db8:1::/64")
)

// -------------------------------------------------------------------------
// Harness -- plays the router at the far end of the UDP tunnel
// -------------------------------------------------------------------------

type harness struct {
	t    *testing.T
	conn *net.UDPConn
	node netip.AddrPort
}

// send frames msg with an on-link next hop and writes it to the node.
func (h *harness) send(msg *nd.Message) {
	h.t.Helper()

	datagram, err := wire.Encode(msg)
	if err != nil {
		h.t.Fatalf("encode %s: %v", msg, err)
	}
	frame := append(append([]byte{1}, make([]byte, 16)...), datagram...)
	if _, err := h.conn.WriteToUDPAddrPort(frame, h.node); err != nil {
		h.t.Fatalf("harness write: %v", err)
	}
}

// expect reads frames until one decodes to a message accepted by match.
func (h *harness) expect(what string, match func(*nd.Message) bool) *nd.Message {
	h.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 2048)
	for {
		if err := h.conn.SetReadDeadline(deadline); err != nil {
			h.t.Fatalf("set deadline: %v", err)
		}
		n, _, err := h.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			h.t.Fatalf("waiting for %s: %v", what, err)
		}
		if n < 17 || buf[0] != 1 {
			h.t.Fatalf("malformed frame from node: %x", buf[:n])
		}
		msg, err := wire.Decode(buf[17:n])
		if err != nil {
			h.t.Fatalf("decode frame: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

// startNode runs a node behind a UDP port whose peer is the harness.
func startNode(t *testing.T) *harness {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen harness: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	harnessAddr := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

	logger := slog.New(slog.DiscardHandler)

	port, err := netio.ListenUDP(t.Context(), netio.UDPConfig{
		Listen: netip.MustParseAddrPort("127.0.0.1:0"),
		Peer:   harnessAddr,
	}, logger)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	cfg := nd.DefaultConfig(testEUI)
	cfg.DelayRS = 10 * time.Millisecond
	cfg.DelayNS = 10 * time.Millisecond

	node, err := nd.NewNode(cfg, port, logger)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan *nd.Message, 16)
	recv := netio.NewReceiver(netio.TransportUDP, logger)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- recv.Run(ctx, port, inbound)
	}()
	go func() {
		defer wg.Done()
		errs <- node.Run(ctx, inbound)
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("node goroutine: %v", err)
			}
		}
		_ = port.Close()
	})

	return &harness{t: t, conn: conn, node: port.LocalAddr()}
}

// -------------------------------------------------------------------------
// TestTunnelRegistration -- full discovery, registration and echo exchange
// -------------------------------------------------------------------------

// TestTunnelRegistration drives a node through the UDP tunnel: the node
// solicits, the harness advertises a prefix, the node registers the derived
// address and then answers an echo request sent to it.
func TestTunnelRegistration(t *testing.T) {
	h := startNode(t)

	rs := h.expect("multicast RS", func(m *nd.Message) bool {
		return m.Type == nd.TypeRouterSolicitation && m.Dst.IsMulticast()
	})
	if rs.Src != testEUI.LinkLocal() {
		t.Errorf("RS source = %s, want %s", rs.Src, testEUI.LinkLocal())
	}
	if !rs.HasOption(nd.OptSourceLinkLayerAddress) {
		t.Error("RS without SLLAO")
	}

	h.send(&nd.Message{
		Src:            router,
		Dst:            allNodes,
		HopLimit:       255,
		Type:           nd.TypeRouterAdvertisement,
		RouterLifetime: 30 * time.Minute,
		Options: []nd.Option{
			&nd.PrefixInformation{
				Prefix:            prefix,
				Autonomous:        true,
				ValidLifetime:     time.Hour,
				PreferredLifetime: time.Hour,
			},
		},
	})

	addr := testEUI.AddressFor(prefix)
	ns := h.expect("registration NS", func(m *nd.Message) bool {
		return m.Type == nd.TypeNeighborSolicitation && m.Dst == router
	})
	if ns.Src != addr {
		t.Fatalf("NS source = %s, want %s", ns.Src, addr)
	}
	aro := ns.AddressRegistration()
	if aro == nil || aro.EUI64 != testEUI || aro.Lifetime == 0 {
		t.Fatalf("NS ARO = %+v, want a registration for %s", aro, testEUI)
	}

	h.send(&nd.Message{
		Src:       router,
		Dst:       addr,
		HopLimit:  255,
		Type:      nd.TypeNeighborAdvertisement,
		Target:    router,
		Solicited: true,
		Options: []nd.Option{
			&nd.AddressRegistration{Status: nd.StatusSuccess, Lifetime: aro.Lifetime, EUI64: testEUI},
		},
	})

	payload := []byte("lowpannd")
	request := &nd.Message{
		Src:        remote,
		Dst:        addr,
		HopLimit:   64,
		Type:       nd.TypeEchoRequest,
		Identifier: 0x4242,
		Sequence:   1,
		Payload:    payload,
	}

	// The NA and the echo request may race through the receiver; repeat
	// the request until the address is configured.
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.send(request)

		reply, ok := h.tryReply(200 * time.Millisecond)
		if ok {
			if reply.Src != addr || reply.Dst != remote {
				t.Errorf("echo reply %s -> %s, want %s -> %s", reply.Src, reply.Dst, addr, remote)
			}
			if reply.Identifier != 0x4242 || reply.Sequence > request.Sequence {
				t.Errorf("echo reply id/seq = %#x/%d, want %#x/<=%d",
					reply.Identifier, reply.Sequence, 0x4242, request.Sequence)
			}
			if !bytes.Equal(reply.Payload, payload) {
				t.Errorf("echo reply payload = %q, want %q", reply.Payload, payload)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no echo reply from the registered address")
		}
		request.Sequence++
	}
}

// tryReply waits up to d for an echo reply and ignores other traffic.
func (h *harness) tryReply(d time.Duration) (*nd.Message, bool) {
	h.t.Helper()

	deadline := time.Now().Add(d)
	buf := make([]byte, 2048)
	for {
		if err := h.conn.SetReadDeadline(deadline); err != nil {
			h.t.Fatalf("set deadline: %v", err)
		}
		n, _, err := h.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, false
			}
			h.t.Fatalf("harness read: %v", err)
		}
		if n < 17 {
			continue
		}
		msg, err := wire.Decode(buf[17:n])
		if err == nil && msg.Type == nd.TypeEchoReply {
			return msg, true
		}
	}
}
