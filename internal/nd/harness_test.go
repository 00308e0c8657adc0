package nd_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dantte-lp/lowpannd/internal/nd"
)

// -------------------------------------------------------------------------
// Test Helpers -- simulated link
// -------------------------------------------------------------------------

var (
	testEUI = nd.EUI64{0x02, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04}

	router1 = netip.MustParseAddr("fe80::1")
	router2 = netip.MustParseAddr("fe80::2")
	router3 = netip.MustParseAddr("fe80::3")

	allNodes = netip.MustParseAddr("ff02::1")
)

// sentMessage is one message handed to the port.
type sentMessage struct {
	msg     *nd.Message
	nextHop netip.Addr
	at      time.Time
}

// recordingPort records every sent message with the simulated send time.
type recordingPort struct {
	clk  clock.Clock
	err  error
	sent []sentMessage
}

func (p *recordingPort) Send(_ context.Context, msg *nd.Message, nextHop netip.Addr) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{msg: msg, nextHop: nextHop, at: p.clk.Now()})
	return nil
}

// ofType returns the sent messages of type t.
func (p *recordingPort) ofType(t nd.MessageType) []sentMessage {
	var out []sentMessage
	for _, s := range p.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// multicastRS returns the sent multicast Router Solicitations.
func (p *recordingPort) multicastRS() []sentMessage {
	var out []sentMessage
	for _, s := range p.ofType(nd.TypeRouterSolicitation) {
		if s.msg.Dst.IsMulticast() {
			out = append(out, s)
		}
	}
	return out
}

// nsTo returns the sent Neighbor Solicitations addressed to rtr.
func (p *recordingPort) nsTo(rtr netip.Addr) []sentMessage {
	var out []sentMessage
	for _, s := range p.ofType(nd.TypeNeighborSolicitation) {
		if s.msg.Dst == rtr {
			out = append(out, s)
		}
	}
	return out
}

// harness drives a Node in simulated time.
type harness struct {
	t     *testing.T
	clk   *clock.Mock
	start time.Time
	port  *recordingPort
	node  *nd.Node
}

// newHarness creates and resets a node with default timing on a mock clock.
func newHarness(t *testing.T, opts ...nd.NodeOption) *harness {
	t.Helper()

	clk := clock.NewMock()
	port := &recordingPort{clk: clk}

	all := append([]nd.NodeOption{nd.WithClock(clk)}, opts...)
	node, err := nd.NewNode(nd.DefaultConfig(testEUI), port, slog.New(slog.DiscardHandler), all...)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := node.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	node.Drain()

	return &harness{t: t, clk: clk, start: clk.Now(), port: port, node: node}
}

// at returns the simulated instant d after the harness start.
func (h *harness) at(d time.Duration) time.Time {
	return h.start.Add(d)
}

// elapsed returns the simulated time since the harness start.
func (h *harness) elapsed() time.Duration {
	return h.clk.Now().Sub(h.start)
}

// advance runs the node for d of simulated time, stopping at every timer
// deadline on the way.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.advanceTo(h.clk.Now().Add(d))
}

// advanceTo runs the node until the simulated instant deadline.
func (h *harness) advanceTo(deadline time.Time) {
	h.t.Helper()

	for {
		next, ok := h.node.NextDeadline()
		if !ok || next.After(deadline) {
			break
		}
		if next.After(h.clk.Now()) {
			h.clk.Set(next)
		}
		h.node.Drain()
	}

	if deadline.After(h.clk.Now()) {
		h.clk.Set(deadline)
	}
	h.node.Drain()
}

// receive delivers msg to the node now.
func (h *harness) receive(msg *nd.Message) int {
	h.t.Helper()
	return h.node.Receive(msg)
}

// addressFor returns the address the node derives from prefix.
func addressFor(prefix string) netip.Addr {
	return testEUI.AddressFor(netip.MustParsePrefix(prefix))
}

// -------------------------------------------------------------------------
// Test Helpers -- message builders
// -------------------------------------------------------------------------

// routerAdvertisement builds an RA from src to ff02::1.
func routerAdvertisement(src netip.Addr, lifetime time.Duration, opts ...nd.Option) *nd.Message {
	return &nd.Message{
		Src:            src,
		Dst:            allNodes,
		HopLimit:       255,
		Type:           nd.TypeRouterAdvertisement,
		RouterLifetime: lifetime,
		Options:        opts,
	}
}

// prefixOption builds an autonomous, off-link PIO.
func prefixOption(prefix string, valid, preferred time.Duration) *nd.PrefixInformation {
	return &nd.PrefixInformation{
		Prefix:            netip.MustParsePrefix(prefix),
		Autonomous:        true,
		ValidLifetime:     valid,
		PreferredLifetime: preferred,
	}
}

// contextOption builds a 6LoWPAN Context option.
func contextOption(id uint8, prefix string, valid time.Duration) *nd.ContextOption {
	return &nd.ContextOption{
		ContextID:     id,
		Compress:      true,
		Prefix:        netip.MustParsePrefix(prefix),
		ValidLifetime: valid,
	}
}

// neighborAdvertisement builds the router answer to a registration NS.
func neighborAdvertisement(src, dst netip.Addr, status uint8, lifetime uint16) *nd.Message {
	return &nd.Message{
		Src:       src,
		Dst:       dst,
		HopLimit:  255,
		Type:      nd.TypeNeighborAdvertisement,
		Target:    src,
		Solicited: true,
		Options: []nd.Option{
			&nd.AddressRegistration{Status: status, Lifetime: lifetime, EUI64: testEUI},
		},
	}
}

// registeredLifetime extracts the ARO lifetime of a sent NS.
func registeredLifetime(t *testing.T, s sentMessage) uint16 {
	t.Helper()
	aro := s.msg.AddressRegistration()
	if aro == nil {
		t.Fatalf("NS %s carries no ARO", s.msg)
	}
	return aro.Lifetime
}

// -------------------------------------------------------------------------
// Test Helpers -- metrics
// -------------------------------------------------------------------------

// countingMetrics records the calls made by the node.
type countingMetrics struct {
	solicitations map[string]int
	attempts      int
	outcomes      map[string]int
	blacklisted   map[string]int
	routers       int
	addresses     int
	dropped       map[string]int
	sendFailures  map[string]int
	processErrors map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		solicitations: make(map[string]int),
		outcomes:      make(map[string]int),
		blacklisted:   make(map[string]int),
		dropped:       make(map[string]int),
		sendFailures:  make(map[string]int),
		processErrors: make(map[string]int),
	}
}

func (m *countingMetrics) IncSolicitations(kind string) { m.solicitations[kind]++ }
func (m *countingMetrics) IncRegistrationAttempts(netip.Addr) { m.attempts++ }
func (m *countingMetrics) RecordRegistration(_ netip.Addr, o string) { m.outcomes[o]++ }
func (m *countingMetrics) IncBlacklisted(kind string) { m.blacklisted[kind]++ }
func (m *countingMetrics) SetRouters(n int) { m.routers = n }
func (m *countingMetrics) SetAddresses(n int) { m.addresses = n }
func (m *countingMetrics) IncMessagesDropped(reason string) { m.dropped[reason]++ }
func (m *countingMetrics) IncSendFailures(reason string) { m.sendFailures[reason]++ }
func (m *countingMetrics) IncProcessErrors(process string) { m.processErrors[process]++ }
