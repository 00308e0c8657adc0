package nd

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"
)

// Timer names used by the router discovery process.
const (
	timerSendRS = "SendRSol"
	timerExpiry = "Expiry"
)

// allRoutersMulticast is ff02::2.
var allRoutersMulticast = netip.MustParseAddr("ff02::2") //nolint:gochecknoglobals // constant address.

// SolicitationBackoff returns the delay before retransmitting the n-th
// multicast Router Solicitation (n starts at 1): 10s for the first two,
// then doubling up to a 60s cap (RFC 6775 Section 5.3).
func SolicitationBackoff(n int) time.Duration {
	switch {
	case n <= 2:
		return 10 * time.Second
	case n == 3:
		return 20 * time.Second
	case n == 4:
		return 40 * time.Second
	default:
		return 60 * time.Second
	}
}

// routerDiscovery is the singleton process maintaining the router list.
// It solicits routers while none is known and spawns one registration
// process per router advertising at least one prefix.
type routerDiscovery struct {
	expiry          map[netip.Addr]time.Time
	retransmissions int
}

func newRouterDiscovery() *routerDiscovery {
	return &routerDiscovery{expiry: make(map[netip.Addr]time.Time)}
}

// Start implements Behavior.
func (d *routerDiscovery) Start(p *Process) error {
	p.Subscribe(Pattern{Type: TypeRouterAdvertisement})

	// Delay the first RS so it is not sent before the test harness is ready.
	p.ScheduleRelative(p.node.cfg.DelayRS, timerSendRS)
	return nil
}

// Handle implements Behavior.
func (d *routerDiscovery) Handle(p *Process, ev Event) (Reply, error) {
	defer d.scheduleExpiry(p)

	d.expireRouters(p)

	switch ev.Kind {
	case EventTimer:
		if ev.Name == timerSendRS {
			d.solicit(p)
		}
	case EventRouterBlacklisted:
		d.forgetRouter(p, ev.Addr)
	case EventMessage:
		if ev.Msg != nil && ev.Msg.Type == TypeRouterAdvertisement {
			return ReplyNone, d.advertisement(p, ev.Msg)
		}
	case EventKill, EventAddressBlacklisted:
	}

	return ReplyNone, nil
}

// expireRouters tears down every router whose lifetime has elapsed.
func (d *routerDiscovery) expireRouters(p *Process) {
	now := p.Now()

	for _, rtr := range d.sortedRouters() {
		if d.expiry[rtr].After(now) {
			continue
		}

		p.logger.Info("router expired", slog.String("router", rtr.String()))

		if proc, ok := p.node.routers[rtr]; ok {
			if reply := proc.Send(KillEvent()); reply != ReplyFinished {
				p.logger.Error("registration process did not finish on kill",
					slog.String("router", rtr.String()),
					slog.String("reply", reply.String()),
				)
			}
		}
		p.node.removeRouter(rtr)
		delete(d.expiry, rtr)

		if len(d.expiry) == 0 {
			d.restartSolicitation(p)
		}
	}
}

// solicit sends a multicast RS while no router is known.
func (d *routerDiscovery) solicit(p *Process) {
	if len(d.expiry) > 0 {
		return
	}

	p.node.sendRS(allRoutersMulticast)
	d.retransmissions++

	delay := SolicitationBackoff(d.retransmissions)
	p.ScheduleRelative(delay, timerSendRS)

	p.logger.Debug("router solicitation sent",
		slog.Int("retransmissions", d.retransmissions),
		slog.Duration("next", delay),
	)
}

// restartSolicitation resets the backoff and solicits immediately.
func (d *routerDiscovery) restartSolicitation(p *Process) {
	d.retransmissions = 0
	p.ScheduleRelative(0, timerSendRS)
}

// forgetRouter drops the bookkeeping of a router that reported a full
// neighbor cache. Its registration process has already terminated.
func (d *routerDiscovery) forgetRouter(p *Process, rtr netip.Addr) {
	if _, ok := d.expiry[rtr]; !ok {
		return
	}
	delete(d.expiry, rtr)
	p.node.removeRouter(rtr)

	p.logger.Info("router dropped after neighbor cache full",
		slog.String("router", rtr.String()),
	)

	if len(d.expiry) == 0 {
		d.restartSolicitation(p)
	}
}

// advertisement handles a Router Advertisement.
func (d *routerDiscovery) advertisement(p *Process, msg *Message) error {
	if !msg.HasOption(OptPrefixInformation) {
		p.logger.Debug("ignoring RA without prefix information",
			slog.String("router", msg.Src.String()),
		)
		return nil
	}

	rtr := msg.Src
	if p.node.routerFull.Contains(rtr) {
		p.logger.Debug("ignoring RA from blacklisted router",
			slog.String("router", rtr.String()),
		)
		return nil
	}

	if _, known := d.expiry[rtr]; !known {
		proc, err := p.node.spawnRegistration(rtr)
		if err != nil {
			return fmt.Errorf("spawn registration for %s: %w", rtr, err)
		}
		proc.Send(MessageEvent(msg))
	}

	d.expiry[rtr] = p.Now().Add(msg.RouterLifetime)
	return nil
}

// scheduleExpiry arms the "Expiry" timer at the earliest router expiry.
func (d *routerDiscovery) scheduleExpiry(p *Process) {
	if len(d.expiry) == 0 {
		p.Cancel(timerExpiry)
		return
	}

	var earliest time.Time
	for _, t := range d.expiry {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	p.ScheduleAbsolute(earliest, timerExpiry)
}

// sortedRouters returns the known routers in address order.
func (d *routerDiscovery) sortedRouters() []netip.Addr {
	out := make([]netip.Addr, 0, len(d.expiry))
	for rtr := range d.expiry {
		out = append(out, rtr)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}
