package nd_test

import (
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/dantte-lp/lowpannd/internal/nd"
)

func TestSolicitationBackoff(t *testing.T) {
	t.Parallel()

	want := []time.Duration{
		10 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := nd.SolicitationBackoff(i + 1); got != w {
			t.Errorf("SolicitationBackoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

// TestMulticastSolicitationSchedule runs 80s without any RA: four
// multicast RS go out and the next one is armed on the backoff schedule.
func TestMulticastSolicitationSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.advance(80 * time.Second)

	rs := h.port.multicastRS()
	wantAt := []time.Duration{
		100 * time.Millisecond,
		10*time.Second + 100*time.Millisecond,
		20*time.Second + 100*time.Millisecond,
		40*time.Second + 100*time.Millisecond,
	}
	if len(rs) != len(wantAt) {
		t.Fatalf("sent %d multicast RS, want %d", len(rs), len(wantAt))
	}
	for i, w := range wantAt {
		if !rs[i].at.Equal(h.at(w)) {
			t.Errorf("RS #%d at %s, want %s", i+1, rs[i].at.Sub(h.start), w)
		}
		if rs[i].msg.Src != testEUI.LinkLocal() {
			t.Errorf("RS #%d src = %s, want link-local", i+1, rs[i].msg.Src)
		}
		if rs[i].msg.Dst != netip.MustParseAddr("ff02::2") {
			t.Errorf("RS #%d dst = %s, want ff02::2", i+1, rs[i].msg.Dst)
		}
		if !rs[i].msg.HasOption(nd.OptSourceLinkLayerAddress) {
			t.Errorf("RS #%d has no SLLAO", i+1)
		}
	}

	next, ok := h.node.NextDeadline()
	if want := h.at(80*time.Second + 100*time.Millisecond); !ok || !next.Equal(want) {
		t.Errorf("next RS armed at %v, want %v", next.Sub(h.start), want.Sub(h.start))
	}

	// Beyond the fourth retransmission the interval stays at 60s.
	h.advance(2 * time.Minute)
	rs = h.port.multicastRS()
	if len(rs) != 6 {
		t.Fatalf("sent %d multicast RS after 200s, want 6", len(rs))
	}
	if gap := rs[5].at.Sub(rs[4].at); gap != 60*time.Second {
		t.Errorf("interval between RS #5 and #6 = %s, want 60s", gap)
	}
}

// TestRouterAdvertisementWithoutPrefix verifies an RA without PIO does not
// create a router and solicitation continues.
func TestRouterAdvertisementWithoutPrefix(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.advance(time.Second)
	h.receive(routerAdvertisement(router1, 30*time.Minute))

	if got := h.node.Routers(); len(got) != 0 {
		t.Fatalf("Routers() = %v, want none", got)
	}
	if got := h.node.ProcessCount(); got != 2 {
		t.Errorf("ProcessCount() = %d, want 2", got)
	}

	h.advance(20 * time.Second)
	if got := len(h.port.multicastRS()); got != 3 {
		t.Errorf("sent %d multicast RS, want 3", got)
	}
}

// TestRouterAdvertisementRedelivery verifies a repeated RA only refreshes
// the router.
func TestRouterAdvertisementRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.advance(time.Second)

	ra := routerAdvertisement(router1, 30*time.Minute,
		prefixOption("2001:db8:1::/64", time.Hour, time.Hour))
	for range 3 {
		h.receive(ra)
	}

	if got := h.node.Routers(); !slices.Equal(got, []netip.Addr{router1}) {
		t.Errorf("Routers() = %v, want [%s]", got, router1)
	}
	if got := h.node.ProcessCount(); got != 3 {
		t.Errorf("ProcessCount() = %d, want 3", got)
	}

	// No multicast RS once a router is known.
	h.advance(2 * time.Minute)
	if got := len(h.port.multicastRS()); got != 1 {
		t.Errorf("sent %d multicast RS, want 1", got)
	}
}

// TestOneRegistrationProcessPerRouter verifies N routers give N
// registration processes.
func TestOneRegistrationProcessPerRouter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.advance(time.Second)

	routers := []netip.Addr{router1, router2, router3}
	for _, rtr := range routers {
		h.receive(routerAdvertisement(rtr, 30*time.Minute,
			prefixOption("2001:db8:1::/64", time.Hour, time.Hour)))
	}

	if got := h.node.Routers(); !slices.Equal(got, routers) {
		t.Errorf("Routers() = %v, want %v", got, routers)
	}
	if got, want := h.node.ProcessCount(), 2+len(routers); got != want {
		t.Errorf("ProcessCount() = %d, want %d", got, want)
	}
}

// TestRouterExpiry verifies an expired router is killed, its addresses are
// removed and multicast solicitation restarts immediately.
func TestRouterExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.advance(time.Second)

	h.receive(routerAdvertisement(router1, 30*time.Second,
		prefixOption("2001:db8:1::/64", time.Hour, time.Hour)))
	h.advance(100 * time.Millisecond)

	addr := addressFor("2001:db8:1::/64")
	if got := len(h.port.nsTo(router1)); got != 1 {
		t.Fatalf("sent %d NS, want 1", got)
	}
	h.receive(neighborAdvertisement(router1, addr, nd.StatusSuccess, 60))
	if got := h.node.AddressCount(addr); got != 1 {
		t.Fatalf("AddressCount(%s) = %d, want 1", addr, got)
	}

	h.advanceTo(h.at(31*time.Second - time.Millisecond))
	if got := h.node.AddressCount(addr); got != 1 {
		t.Errorf("address removed before router expiry")
	}

	h.advanceTo(h.at(31 * time.Second))
	if got := h.node.Routers(); len(got) != 0 {
		t.Errorf("Routers() = %v after expiry, want none", got)
	}
	if got := h.node.AddressCount(addr); got != 0 {
		t.Errorf("AddressCount(%s) = %d after expiry, want 0", addr, got)
	}
	if got := h.node.ProcessCount(); got != 2 {
		t.Errorf("ProcessCount() = %d, want 2", got)
	}

	rs := h.port.multicastRS()
	if len(rs) != 2 {
		t.Fatalf("sent %d multicast RS, want 2", len(rs))
	}
	if !rs[1].at.Equal(h.at(31 * time.Second)) {
		t.Errorf("solicitation restarted at %s, want 31s", rs[1].at.Sub(h.start))
	}

	// The backoff restarts from the first interval.
	h.advance(10 * time.Second)
	if got := len(h.port.multicastRS()); got != 3 {
		t.Errorf("sent %d multicast RS, want 3", got)
	}
}

// TestRouterLifetimeZero verifies a zero router lifetime evicts the router
// in the same drain.
func TestRouterLifetimeZero(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.advance(time.Second)

	h.receive(routerAdvertisement(router1, 0,
		prefixOption("2001:db8:1::/64", time.Hour, time.Hour)))

	if got := h.node.Routers(); len(got) != 0 {
		t.Errorf("Routers() = %v, want none", got)
	}
	if got := h.node.ProcessCount(); got != 2 {
		t.Errorf("ProcessCount() = %d, want 2", got)
	}

	h.advance(time.Second)
	if got := len(h.port.nsTo(router1)); got != 0 {
		t.Errorf("sent %d NS to an evicted router, want 0", got)
	}
}
