package nd

import (
	"log/slog"
	"net/netip"
	"slices"
	"time"
)

// Timer names used by the router registration process.
const (
	timerUnicastRS      = "SendRSol"
	timerPrefixUpdated  = "PrefixInfosUpdated"
	timerContextUpdated = "ContextUpdated"
	timerSendNS         = "SendNS"
	timerTimeoutNS      = "TimeoutNS"
)

// routerRegistration is the per-router process. It tracks the prefixes
// and contexts advertised by one router and registers (RFC 6775 Section
// 5.5) one address per valid prefix, one NS/NA exchange at a time.
//
// Per-prefix transitions:
//
//	Unregistered --valid && shouldRegister--> NSSent       (NS+ARO, TimeoutNS)
//	NSSent       --NA status 0-------------> Registered    (configure address)
//	NSSent       --NA status 1-------------> Unregistered  (duplicate blacklist)
//	NSSent       --NA status 2-------------> process killed (router-full blacklist)
//	NSSent       --TimeoutNS---------------> previous state, requeued
//	Registered   --refresh window----------> NSSent        (renewal)
//	Registered   --registration expiry-----> Unregistered  (deconfigure address)
type routerRegistration struct {
	router netip.Addr

	// routerExpiry is the router lifetime end from the last RA.
	routerExpiry time.Time

	// unicastRSSent guards the single unicast RS sent to refresh the
	// router information before anything lapses.
	unicastRSSent bool

	prefixes map[netip.Prefix]*PrefixInfo
	contexts map[uint8]*ContextInfo

	// queue holds prefixes waiting for an NS, oldest first.
	queue []*PrefixInfo

	// pending is the prefix whose NS awaits an NA.
	pending *PrefixInfo
}

func newRouterRegistration(router netip.Addr) *routerRegistration {
	return &routerRegistration{
		router:        router,
		unicastRSSent: true,
		prefixes:      make(map[netip.Prefix]*PrefixInfo),
		contexts:      make(map[uint8]*ContextInfo),
	}
}

// Start implements Behavior.
func (r *routerRegistration) Start(p *Process) error {
	eui := p.node.eui
	p.Subscribe(Pattern{Type: TypeRouterAdvertisement, Src: r.router})
	p.Subscribe(Pattern{
		Type:          TypeNeighborAdvertisement,
		Src:           r.router,
		Options:       []OptionType{OptAddressRegistration},
		RegisteredEUI: &eui,
	})
	return nil
}

// Handle implements Behavior.
func (r *routerRegistration) Handle(p *Process, ev Event) (Reply, error) {
	now := p.Now()

	switch ev.Kind {
	case EventKill:
		r.kill(p)
		return ReplyFinished, nil

	case EventTimer:
		switch ev.Name {
		case timerUnicastRS:
			if !r.unicastRSSent {
				p.node.sendRS(r.router)
				r.unicastRSSent = true
			}
		case timerPrefixUpdated:
			r.prefixesUpdated(p, now)
		case timerContextUpdated:
			r.contextsUpdated(p, now)
		case timerTimeoutNS:
			r.timeout(p, now)
		case timerSendNS:
			r.startRegistration(p, now)
			return ReplyNone, nil
		}

	case EventAddressBlacklisted:
		r.addressBlacklisted(p, ev.Addr, now)

	case EventMessage:
		switch {
		case ev.Msg == nil:
		case ev.Msg.Type == TypeRouterAdvertisement:
			r.advertisement(p, ev.Msg, now)
		case ev.Msg.Type == TypeNeighborAdvertisement:
			if r.confirmation(p, ev.Msg, now) {
				return ReplyNone, nil
			}
		}

	case EventRouterBlacklisted:
	}

	r.armRegistration(p)
	return ReplyNone, nil
}

// kill deconfigures every registered address; the process then finishes.
func (r *routerRegistration) kill(p *Process) {
	p.logger.Info("killing registration process")

	for _, info := range r.sortedPrefixes() {
		if info.Registered {
			p.node.deconfigure(info.Address)
			info.Registered = false
		}
	}
}

// -------------------------------------------------------------------------
// Router Advertisement
// -------------------------------------------------------------------------

// advertisement refreshes router, prefix and context state from an RA.
func (r *routerRegistration) advertisement(p *Process, msg *Message, now time.Time) {
	r.routerExpiry = now.Add(msg.RouterLifetime)

	for _, pio := range msg.PrefixInformation() {
		// 6LoWPAN hosts do not treat advertised prefixes as on-link
		// (RFC 6775 Section 5.4); options with L set are skipped.
		if pio.OnLink {
			p.logger.Debug("ignoring on-link prefix", slog.String("prefix", pio.Prefix.String()))
			continue
		}

		prefix := pio.Prefix.Masked()
		if info, ok := r.prefixes[prefix]; ok {
			info.Refresh(pio, now)
			continue
		}

		info := NewPrefixInfo(pio, p.node.eui, now)
		r.prefixes[prefix] = info
		p.logger.Info("new prefix",
			slog.String("prefix", prefix.String()),
			slog.String("address", info.Address.String()),
		)
	}

	for _, co := range msg.Contexts() {
		if co.ValidLifetime <= 0 {
			delete(r.contexts, co.ContextID)
			continue
		}
		if c, ok := r.contexts[co.ContextID]; ok {
			c.Refresh(co, now)
			continue
		}
		r.contexts[co.ContextID] = NewContextInfo(co, now)
	}
	r.contextsUpdated(p, now)

	r.prefixesUpdated(p, now)

	r.unicastRSSent = false
	r.scheduleUnicastRS(p)
}

// scheduleUnicastRS arms a unicast RS RouterRefreshTime before the earliest
// of the router lifetime and every prefix lifetime.
func (r *routerRegistration) scheduleUnicastRS(p *Process) {
	if r.unicastRSSent {
		return
	}

	expiry := r.routerExpiry
	for _, info := range r.prefixes {
		expiry = earliest(expiry, info.ValidUntil, info.PreferredUntil)
	}

	p.ScheduleAbsolute(expiry.Add(-p.node.cfg.RouterRefreshTime), timerUnicastRS)
}

// -------------------------------------------------------------------------
// Prefix and context lifecycle
// -------------------------------------------------------------------------

// prefixesUpdated queues registrations, expires lapsed registrations,
// forgets invalid prefixes and arms the next wake-up.
func (r *routerRegistration) prefixesUpdated(p *Process, now time.Time) {
	var wakeup time.Time

	for _, info := range r.sortedPrefixes() {
		if info != r.pending && r.shouldRegister(p, info, now) && !slices.Contains(r.queue, info) {
			r.queue = append(r.queue, info)
		}

		if info.RegistrationExpired(now) {
			p.node.deconfigure(info.Address)
			info.Registered = false
			p.logger.Info("registration expired", slog.String("address", info.Address.String()))
		}

		// The in-flight prefix is kept until its NA or TimeoutNS resolves.
		if !info.Valid(now) && !info.Registered && info != r.pending {
			delete(r.prefixes, info.Prefix)
			r.dequeue(info)
			continue
		}

		if !info.Registered {
			continue
		}

		next := info.RegistrationExpiry
		if !info.NSSent && !slices.Contains(r.queue, info) && info.Valid(now) {
			next = info.RegistrationExpiry.Add(-p.node.cfg.AddressRefreshTime)
		}
		wakeup = earliest(wakeup, next)
	}

	p.ScheduleAbsolute(wakeup, timerPrefixUpdated)
}

// contextsUpdated drops invalid contexts, publishes the rest to the node
// and arms the next expiry check.
func (r *routerRegistration) contextsUpdated(p *Process, now time.Time) {
	var wakeup time.Time

	for id, c := range r.contexts {
		if !c.Valid(now) {
			delete(r.contexts, id)
			continue
		}
		wakeup = earliest(wakeup, c.ValidUntil)
	}

	p.node.rebuildContexts()
	p.ScheduleAbsolute(wakeup, timerContextUpdated)
}

// shouldRegister reports whether an NS must be sent for info now.
func (r *routerRegistration) shouldRegister(p *Process, info *PrefixInfo, now time.Time) bool {
	if p.node.duplicates.Contains(info.Address) {
		return false
	}
	if !info.Valid(now) {
		return false
	}
	if !info.Registered {
		return true
	}
	return !info.NSSent && info.InRefreshWindow(now, p.node.cfg.AddressRefreshTime)
}

// addressBlacklisted reacts to a duplicate reported through another
// router: the address is de-registered here and never renewed.
func (r *routerRegistration) addressBlacklisted(p *Process, addr netip.Addr, now time.Time) {
	for _, info := range r.sortedPrefixes() {
		if info.Address != addr {
			continue
		}

		info.ValidUntil = now
		if info.Registered {
			info.RegistrationExpiry = now
		}
		if r.pending == info {
			r.pending = nil
			info.NSSent = false
			p.Cancel(timerTimeoutNS)
		}
		r.dequeue(info)
		p.node.sendNS(r.router, info.Address, 0)

		p.logger.Info("de-registering blacklisted address", slog.String("address", addr.String()))
	}
	r.prefixesUpdated(p, now)
}

// -------------------------------------------------------------------------
// NS/NA exchange
// -------------------------------------------------------------------------

// armRegistration arms "SendNS" when work is queued and nothing is in
// flight.
func (r *routerRegistration) armRegistration(p *Process) {
	if r.pending != nil || len(r.queue) == 0 || p.TimerPending(timerSendNS) {
		return
	}
	p.ScheduleRelative(p.node.cfg.DelayNS, timerSendNS)
}

// startRegistration sends the NS for the oldest queued prefix that still
// needs one.
func (r *routerRegistration) startRegistration(p *Process, now time.Time) {
	for r.pending == nil && len(r.queue) > 0 {
		info := r.queue[0]
		r.queue = r.queue[1:]

		if !r.shouldRegister(p, info, now) {
			continue
		}

		lifetime := info.ChooseLifetime(now)
		p.node.sendNS(r.router, info.Address, lifetime)
		p.node.metrics.IncRegistrationAttempts(r.router)

		info.NSSent = true
		r.pending = info
		p.ScheduleRelative(p.node.cfg.NSTimeout, timerTimeoutNS)

		p.logger.Debug("registration requested",
			slog.String("address", info.Address.String()),
			slog.Int("lifetime_min", int(lifetime)),
			slog.Time("requested_expiry", info.RequestedRegistrationExpiry),
		)
	}
}

// confirmation handles an NA carrying our ARO. It returns true when the
// process has killed itself and must not arm further work.
func (r *routerRegistration) confirmation(p *Process, msg *Message, now time.Time) bool {
	info := r.pending
	if info == nil {
		p.logger.Debug("unexpected NA without pending registration")
		return false
	}
	aro := msg.AddressRegistration()
	if aro == nil {
		return false
	}
	if msg.Dst != info.Address {
		p.logger.Debug("ignoring NA for an address not in flight",
			slog.String("dst", msg.Dst.String()),
			slog.String("pending", info.Address.String()),
		)
		return false
	}

	r.pending = nil
	info.NSSent = false
	p.Cancel(timerTimeoutNS)
	r.dequeue(info)

	switch aro.Status {
	case StatusSuccess:
		if !info.Valid(now) {
			p.node.metrics.RecordRegistration(r.router, OutcomeSuccess)
			p.logger.Info("registration confirmed for an invalid prefix, not configuring",
				slog.String("address", info.Address.String()),
			)
			r.prefixesUpdated(p, now)
			break
		}
		if !info.Registered {
			p.node.configure(info.Address)
		}
		info.Registered = true
		info.RegistrationExpiry = info.RequestedRegistrationExpiry
		p.node.metrics.RecordRegistration(r.router, OutcomeSuccess)

		p.logger.Info("address registered",
			slog.String("address", info.Address.String()),
			slog.Time("expiry", info.RegistrationExpiry),
		)
		r.prefixesUpdated(p, now)

	case StatusDuplicate:
		p.node.metrics.RecordRegistration(r.router, OutcomeDuplicate)
		p.logger.Warn("duplicate address reported", slog.String("address", info.Address.String()))
		if info.Registered {
			p.node.deconfigure(info.Address)
			info.Registered = false
		}
		p.node.blacklistAddress(p, info.Address)
		r.prefixesUpdated(p, now)

	case StatusNeighborFull:
		p.node.metrics.RecordRegistration(r.router, OutcomeNeighborFull)
		p.logger.Warn("router neighbor cache full")
		p.node.blacklistRouter(p, r.router)
		return true

	default:
		p.node.metrics.RecordRegistration(r.router, OutcomeUnknown)
		p.logger.Warn("unknown ARO status", slog.Int("status", int(aro.Status)))
	}

	return false
}

// timeout handles a lost NA: the prefix returns to its previous state and
// is requeued when it still needs registering.
func (r *routerRegistration) timeout(p *Process, now time.Time) {
	info := r.pending
	if info == nil {
		return
	}

	r.pending = nil
	info.NSSent = false
	p.node.metrics.RecordRegistration(r.router, OutcomeTimeout)

	p.logger.Info("registration timed out", slog.String("address", info.Address.String()))

	if r.shouldRegister(p, info, now) && !slices.Contains(r.queue, info) {
		r.queue = append(r.queue, info)
	}
	r.prefixesUpdated(p, now)
}

// dequeue removes info from the register queue.
func (r *routerRegistration) dequeue(info *PrefixInfo) {
	r.queue = slices.DeleteFunc(r.queue, func(x *PrefixInfo) bool { return x == info })
}

// sortedPrefixes returns the prefix infos in prefix order.
func (r *routerRegistration) sortedPrefixes() []*PrefixInfo {
	out := make([]*PrefixInfo, 0, len(r.prefixes))
	for _, info := range r.prefixes {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b *PrefixInfo) int { return a.Prefix.Addr().Compare(b.Prefix.Addr()) })
	return out
}

// earliest returns the earliest non-zero time, or the zero time.
func earliest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}
