package nd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gaissmai/bart"
	"github.com/google/uuid"
)

// Hop limits used for outbound messages.
const (
	// ndHopLimit is mandatory for RS/NS (RFC 4861 Section 6.1).
	ndHopLimit uint8 = 255

	defaultHopLimit uint8 = 64
)

// allNodesMulticast is ff02::1, listened on from reset.
var allNodesMulticast = netip.MustParseAddr("ff02::1") //nolint:gochecknoglobals // constant address.

// Sentinel errors.
var (
	// ErrPortNotConnected indicates the transport has no peer to send to.
	ErrPortNotConnected = errors.New("port not connected")

	// ErrNoRoute indicates a global destination while no router is known.
	ErrNoRoute = errors.New("no route to destination")

	// ErrNilPort indicates NewNode was called without a Port.
	ErrNilPort = errors.New("nil port")

	// ErrInvalidTiming indicates a negative or zero protocol delay.
	ErrInvalidTiming = errors.New("invalid protocol timing")
)

// Port sends IPv6 datagrams to the link. nextHop is the link-local address
// of the neighbor the datagram is handed to (the destination itself for
// on-link traffic).
type Port interface {
	Send(ctx context.Context, msg *Message, nextHop netip.Addr) error
}

// PortFunc adapts a function to the Port interface.
type PortFunc func(ctx context.Context, msg *Message, nextHop netip.Addr) error

// Send implements Port.
func (f PortFunc) Send(ctx context.Context, msg *Message, nextHop netip.Addr) error {
	return f(ctx, msg, nextHop)
}

// -------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------

// Config holds the node identity and protocol timing.
type Config struct {
	// EUI64 identifies the node; addresses are derived from it.
	EUI64 EUI64

	// DelayRS delays the first multicast RS after reset.
	DelayRS time.Duration

	// DelayNS delays each NS after the previous exchange completed.
	DelayNS time.Duration

	// NSTimeout is how long an NS waits for its NA.
	NSTimeout time.Duration

	// RouterRefreshTime is how long before the earliest router or prefix
	// expiry the unicast RS is sent.
	RouterRefreshTime time.Duration

	// AddressRefreshTime is how long before registration expiry the
	// renewal NS is sent.
	AddressRefreshTime time.Duration
}

// Default protocol timing.
const (
	DefaultDelayRS            = 100 * time.Millisecond
	DefaultDelayNS            = 100 * time.Millisecond
	DefaultNSTimeout          = 5 * time.Second
	DefaultRouterRefreshTime  = 6 * time.Second
	DefaultAddressRefreshTime = 6 * time.Second
)

// DefaultConfig returns the default timing for eui.
func DefaultConfig(eui EUI64) Config {
	return Config{
		EUI64:              eui,
		DelayRS:            DefaultDelayRS,
		DelayNS:            DefaultDelayNS,
		NSTimeout:          DefaultNSTimeout,
		RouterRefreshTime:  DefaultRouterRefreshTime,
		AddressRefreshTime: DefaultAddressRefreshTime,
	}
}

// Validate checks the timing values.
func (c Config) Validate() error {
	if c.DelayRS < 0 || c.DelayNS < 0 {
		return fmt.Errorf("delays must not be negative: %w", ErrInvalidTiming)
	}
	if c.NSTimeout <= 0 {
		return fmt.Errorf("ns timeout %s: %w", c.NSTimeout, ErrInvalidTiming)
	}
	if c.RouterRefreshTime < 0 || c.AddressRefreshTime < 0 {
		return fmt.Errorf("refresh times must not be negative: %w", ErrInvalidTiming)
	}
	return nil
}

// -------------------------------------------------------------------------
// Node
// -------------------------------------------------------------------------

// NodeOption configures optional Node parameters.
type NodeOption func(*Node)

// WithClock sets the time source of the scheduler. Tests pass
// clock.NewMock() to run in simulated time.
func WithClock(clk clock.Clock) NodeOption {
	return func(n *Node) {
		n.clock = clk
	}
}

// WithMatcher replaces the default FieldMatcher.
func WithMatcher(m Matcher) NodeOption {
	return func(n *Node) {
		if m != nil {
			n.matcher = m
		}
	}
}

// WithMetrics sets the metrics reporter. A nil reporter keeps the no-op
// default.
func WithMetrics(mr MetricsReporter) NodeOption {
	return func(n *Node) {
		if mr != nil {
			n.metrics = mr
		}
	}
}

// mail is one queued cross-process notification.
type mail struct {
	to *Process
	ev Event
}

// Node is the 6LoWPAN host: it owns the scheduler, the processes, the
// dispatch table, the configured addresses, the blacklists and the
// compression contexts.
//
// A Node is driven by a single goroutine, either through Run or through the
// synchronous Receive/Drain surface used by test harnesses. None of its
// methods are safe for concurrent use.
type Node struct {
	cfg     Config
	eui     EUI64
	port    Port
	logger  *slog.Logger
	log     *slog.Logger
	metrics MetricsReporter
	matcher Matcher
	clock   clock.Clock
	sched   *Scheduler

	// sendCtx is passed to the port; Run replaces it with its context.
	sendCtx context.Context //nolint:containedctx // scoped to Run.

	runID     uuid.UUID
	linkLocal netip.Addr
	addresses AddressSet

	duplicates *Blacklist
	routerFull *Blacklist

	// routers maps a router to its registration process; routerOrder
	// keeps discovery order for next-hop selection.
	routers     map[netip.Addr]*Process
	routerOrder []netip.Addr

	contexts *bart.Table[ContextInfo]

	subs      []subscription
	processes map[ProcessID]*Process
	nextID    ProcessID
	discovery *Process

	urgent  []mail
	mailbox []mail
}

// NewNode creates a Node. The node does nothing until Reset (or Run) is
// called.
func NewNode(cfg Config, port Port, logger *slog.Logger, opts ...NodeOption) (*Node, error) {
	if port == nil {
		return nil, ErrNilPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate node config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:       cfg,
		eui:       cfg.EUI64,
		port:      port,
		logger:    logger.With(slog.String("component", "nd.node")),
		metrics:   noopMetrics{},
		matcher:   FieldMatcher,
		sendCtx:   context.Background(),
		processes: make(map[ProcessID]*Process),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.sched = NewScheduler(n.clock)
	n.log = n.logger
	n.linkLocal = n.eui.LinkLocal()
	n.duplicates = NewBlacklist()
	n.routerFull = NewBlacklist()
	n.routers = make(map[netip.Addr]*Process)
	n.contexts = new(bart.Table[ContextInfo])

	return n, nil
}

// Reset returns the node to its initial state: every timer, process,
// subscription, blacklist, router and context is dropped, the listened
// addresses become {link-local, ff02::1} and the discovery and echo
// processes are spawned.
func (n *Node) Reset() error {
	n.sched.Reset()

	n.runID = uuid.New()
	n.log = n.logger.With(slog.String("run_id", n.runID.String()))

	n.linkLocal = n.eui.LinkLocal()
	n.addresses = AddressSet{}
	n.addresses.Add(n.linkLocal)
	n.addresses.Add(allNodesMulticast)

	n.duplicates = NewBlacklist()
	n.routerFull = NewBlacklist()
	n.routers = make(map[netip.Addr]*Process)
	n.routerOrder = nil
	n.contexts = new(bart.Table[ContextInfo])

	n.subs = nil
	n.processes = make(map[ProcessID]*Process)
	n.nextID = 0
	n.urgent = nil
	n.mailbox = nil

	n.metrics.SetRouters(0)
	n.metrics.SetAddresses(n.addresses.Len())

	n.log.Info("node reset",
		slog.String("eui64", n.eui.String()),
		slog.String("link_local", n.linkLocal.String()),
	)

	discovery, err := n.spawn("discovery", newRouterDiscovery())
	if err != nil {
		return err
	}
	n.discovery = discovery

	if _, err := n.spawn("echo", echoResponder{}); err != nil {
		return err
	}
	return nil
}

// Spawn creates a process running b and calls its Start method.
func (n *Node) Spawn(name string, b Behavior) (*Process, error) {
	return n.spawn(name, b)
}

func (n *Node) spawn(name string, b Behavior, attrs ...any) (*Process, error) {
	n.nextID++
	p := &Process{
		id:       n.nextID,
		name:     name,
		node:     n,
		behavior: b,
	}
	p.logger = n.log.With(append([]any{slog.String("process", p.String())}, attrs...)...)
	n.processes[p.id] = p

	if err := b.Start(p); err != nil {
		p.finished = true
		n.processFinished(p)
		return nil, fmt.Errorf("start process %s: %w", p, err)
	}
	return p, nil
}

// Subscribe registers p for inbound messages matching pattern. Delivery
// follows subscription order.
func (n *Node) Subscribe(pattern Pattern, p *Process) {
	n.subs = append(n.subs, subscription{pattern: pattern, process: p})
}

// processFinished releases everything owned by a terminated process.
func (n *Node) processFinished(p *Process) {
	n.sched.CancelOwner(p.id)
	n.subs = slices.DeleteFunc(n.subs, func(s subscription) bool { return s.process == p })
	delete(n.processes, p.id)

	if r, ok := p.behavior.(*routerRegistration); ok && n.routers[r.router] == p {
		n.removeRouter(r.router)
	}

	p.logger.Debug("process finished")
}

// -------------------------------------------------------------------------
// Event loop
// -------------------------------------------------------------------------

// Run resets the node and runs its event loop until ctx is cancelled or
// inbound is closed.
func (n *Node) Run(ctx context.Context, inbound <-chan *Message) error {
	n.sendCtx = ctx
	defer func() { n.sendCtx = context.Background() }()

	if err := n.Reset(); err != nil {
		return fmt.Errorf("reset node: %w", err)
	}

	for {
		n.Drain()

		var (
			wake  <-chan time.Time
			timer *clock.Timer
		)
		if next, ok := n.sched.NextDeadline(); ok {
			timer = n.sched.Clock().Timer(max(next.Sub(n.sched.Now()), 0))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			n.log.Info("node loop stopped")
			return nil
		case msg, ok := <-inbound:
			stopTimer(timer)
			if !ok {
				n.log.Info("inbound channel closed")
				return nil
			}
			n.dispatch(msg)
		case <-wake:
		}
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Receive delivers an inbound message and drains all resulting work. It
// returns the number of processes the message was delivered to.
func (n *Node) Receive(msg *Message) int {
	n.Drain()
	delivered := n.dispatch(msg)
	n.Drain()
	return delivered
}

// Drain delivers urgent notifications, expired timers and queued
// notifications, in that priority order, until none is left. It returns
// the number of events delivered.
func (n *Node) Drain() int {
	delivered := 0
	for {
		if len(n.urgent) > 0 {
			m := n.urgent[0]
			n.urgent = n.urgent[1:]
			m.to.Send(m.ev)
			delivered++
			continue
		}

		n.sched.Expire()
		if exp, ok := n.sched.PopExpired(); ok {
			if p, live := n.processes[exp.Owner]; live {
				p.Send(TimerEvent(exp.Name))
			}
			delivered++
			continue
		}

		if len(n.mailbox) > 0 {
			m := n.mailbox[0]
			n.mailbox = n.mailbox[1:]
			m.to.Send(m.ev)
			delivered++
			continue
		}

		return delivered
	}
}

// NextDeadline returns the fire time of the earliest armed timer.
func (n *Node) NextDeadline() (time.Time, bool) {
	return n.sched.NextDeadline()
}

// dispatch delivers msg to every matching subscription, in subscription
// order, when it is addressed to a listened address.
func (n *Node) dispatch(msg *Message) int {
	if msg == nil {
		return 0
	}
	if !n.addresses.Contains(msg.Dst) && !n.tentative(msg) {
		n.log.Debug("ignoring message not addressed to us", slog.String("msg", msg.String()))
		n.metrics.IncMessagesDropped("not_for_us")
		return 0
	}

	delivered := 0
	for _, s := range slices.Clone(n.subs) {
		if s.process.finished || !n.matcher.Match(s.pattern, msg) {
			continue
		}
		s.process.Send(MessageEvent(msg))
		delivered++
	}

	if delivered == 0 {
		n.log.Debug("no process expecting message", slog.String("msg", msg.String()))
		n.metrics.IncMessagesDropped("unmatched")
	}
	return delivered
}

// tentative reports whether msg is an NA addressed to an address whose
// registration NS is outstanding. Such an address is not configured yet
// but must receive the router's answer.
func (n *Node) tentative(msg *Message) bool {
	if msg.Type != TypeNeighborAdvertisement {
		return false
	}
	for _, p := range n.routers {
		if r, ok := p.behavior.(*routerRegistration); ok && r.pending != nil && r.pending.Address == msg.Dst {
			return true
		}
	}
	return false
}

// post queues a notification behind every pending one.
func (n *Node) post(to *Process, ev Event) {
	n.mailbox = append(n.mailbox, mail{to: to, ev: ev})
}

// postUrgent queues a notification ahead of timers and ordinary mail.
func (n *Node) postUrgent(to *Process, ev Event) {
	n.urgent = append(n.urgent, mail{to: to, ev: ev})
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// Send hands msg to the port. Link-local and multicast destinations are sent
// directly; global destinations go through the first known router. It
// reports whether the port accepted the message.
func (n *Node) Send(msg *Message) bool {
	nextHop := msg.Dst
	if !IsLinkLocalOrMulticast(msg.Dst) {
		if len(n.routerOrder) == 0 {
			n.log.Debug("cannot send message",
				slog.String("msg", msg.String()),
				slog.String("error", ErrNoRoute.Error()),
			)
			n.metrics.IncSendFailures("no_route")
			return false
		}
		nextHop = n.routerOrder[0]
	}

	if err := n.port.Send(n.sendCtx, msg, nextHop); err != nil {
		reason := "port_error"
		if errors.Is(err, ErrPortNotConnected) {
			reason = "not_connected"
		}
		n.log.Debug("cannot send message",
			slog.String("msg", msg.String()),
			slog.String("error", err.Error()),
		)
		n.metrics.IncSendFailures(reason)
		return false
	}
	return true
}

// sourceLinkLayer returns the SLLAO carrying the EUI-64.
func (n *Node) sourceLinkLayer() *LinkLayerAddress {
	return &LinkLayerAddress{Addr: slices.Clone(n.eui[:])}
}

// sendRS sends a Router Solicitation from the link-local address.
func (n *Node) sendRS(dst netip.Addr) bool {
	kind := SolicitationUnicast
	if dst.IsMulticast() {
		kind = SolicitationMulticast
	}
	n.metrics.IncSolicitations(kind)

	return n.Send(&Message{
		Src:      n.linkLocal,
		Dst:      dst,
		HopLimit: ndHopLimit,
		Type:     TypeRouterSolicitation,
		Options:  []Option{n.sourceLinkLayer()},
	})
}

// sendNS sends an address registration NS for addr to router. A zero
// lifetime de-registers the address.
func (n *Node) sendNS(router, addr netip.Addr, lifetime uint16) bool {
	return n.Send(&Message{
		Src:      addr,
		Dst:      router,
		HopLimit: ndHopLimit,
		Type:     TypeNeighborSolicitation,
		Target:   router,
		Options: []Option{
			n.sourceLinkLayer(),
			&AddressRegistration{Lifetime: lifetime, EUI64: n.eui},
		},
	})
}

// -------------------------------------------------------------------------
// Node tables
// -------------------------------------------------------------------------

// spawnRegistration creates the registration process of a new router.
func (n *Node) spawnRegistration(rtr netip.Addr) (*Process, error) {
	p, err := n.spawn("registration", newRouterRegistration(rtr), slog.String("router", rtr.String()))
	if err != nil {
		return nil, err
	}
	n.routers[rtr] = p
	n.routerOrder = append(n.routerOrder, rtr)
	n.metrics.SetRouters(len(n.routerOrder))

	n.log.Info("router discovered", slog.String("router", rtr.String()))
	return p, nil
}

// removeRouter forgets rtr. It is a no-op for an unknown router.
func (n *Node) removeRouter(rtr netip.Addr) {
	if _, ok := n.routers[rtr]; !ok {
		return
	}
	delete(n.routers, rtr)
	n.routerOrder = slices.DeleteFunc(n.routerOrder, func(a netip.Addr) bool { return a == rtr })
	n.metrics.SetRouters(len(n.routerOrder))
	n.rebuildContexts()

	n.log.Info("router removed", slog.String("router", rtr.String()))
}

// configure adds one occurrence of addr to the listened addresses.
func (n *Node) configure(addr netip.Addr) {
	n.addresses.Add(addr)
	n.metrics.SetAddresses(n.addresses.Len())
}

// deconfigure removes one occurrence of addr from the listened addresses.
func (n *Node) deconfigure(addr netip.Addr) {
	if !n.addresses.Remove(addr) {
		n.log.Warn("deconfiguring unknown address", slog.String("address", addr.String()))
		return
	}
	n.metrics.SetAddresses(n.addresses.Len())
}

// blacklistAddress appends addr to the duplicate address blacklist and
// notifies every other registration process.
func (n *Node) blacklistAddress(from *Process, addr netip.Addr) {
	if n.duplicates.Add(addr) {
		n.metrics.IncBlacklisted(BlacklistDuplicateAddress)
	}
	for _, rtr := range n.routerOrder {
		if p := n.routers[rtr]; p != from {
			n.post(p, Event{Kind: EventAddressBlacklisted, Addr: addr})
		}
	}
}

// blacklistRouter appends rtr to the router-full blacklist, kills the
// registration process from ahead of every other event and notifies
// discovery.
func (n *Node) blacklistRouter(from *Process, rtr netip.Addr) {
	if n.routerFull.Add(rtr) {
		n.metrics.IncBlacklisted(BlacklistRouterFull)
	}
	n.postUrgent(from, KillEvent())
	if n.discovery != nil {
		n.post(n.discovery, Event{Kind: EventRouterBlacklisted, Addr: rtr})
	}
}

// rebuildContexts rebuilds the compression context table from the
// contexts held by every live registration process. The first router
// advertising a prefix wins.
func (n *Node) rebuildContexts() {
	t := new(bart.Table[ContextInfo])
	for _, rtr := range n.routerOrder {
		r, ok := n.routers[rtr].behavior.(*routerRegistration)
		if !ok {
			continue
		}
		ids := make([]uint8, 0, len(r.contexts))
		for id := range r.contexts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			c := r.contexts[id]
			if _, exists := t.Get(c.Prefix); !exists {
				t.Insert(c.Prefix, *c)
			}
		}
	}
	n.contexts = t
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// EUI64 returns the node identifier.
func (n *Node) EUI64() EUI64 { return n.eui }

// LinkLocal returns the link-local address derived from the EUI-64.
func (n *Node) LinkLocal() netip.Addr { return n.linkLocal }

// RunID returns the identifier generated by the last Reset.
func (n *Node) RunID() uuid.UUID { return n.runID }

// Now returns the scheduler time.
func (n *Node) Now() time.Time { return n.sched.Now() }

// Addresses returns the listened addresses, duplicates included, in
// configuration order.
func (n *Node) Addresses() []netip.Addr { return n.addresses.List() }

// AddressCount returns how many times addr is configured.
func (n *Node) AddressCount(addr netip.Addr) int { return n.addresses.Count(addr) }

// Routers returns the known routers in discovery order.
func (n *Node) Routers() []netip.Addr { return slices.Clone(n.routerOrder) }

// BlacklistedAddresses returns the addresses a router reported as
// duplicate.
func (n *Node) BlacklistedAddresses() []netip.Addr { return n.duplicates.List() }

// BlacklistedRouters returns the routers that reported a full neighbor
// cache.
func (n *Node) BlacklistedRouters() []netip.Addr { return n.routerFull.List() }

// ProcessCount returns the number of live processes.
func (n *Node) ProcessCount() int { return len(n.processes) }

// RouterPrefixes returns a copy of the prefix state held for rtr, in
// prefix order.
func (n *Node) RouterPrefixes(rtr netip.Addr) []PrefixInfo {
	p, ok := n.routers[rtr]
	if !ok {
		return nil
	}
	r, ok := p.behavior.(*routerRegistration)
	if !ok {
		return nil
	}
	infos := r.sortedPrefixes()
	out := make([]PrefixInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, *info)
	}
	return out
}

// CompressionContext returns the 6LoWPAN context whose prefix is the
// longest match for addr.
func (n *Node) CompressionContext(addr netip.Addr) (ContextInfo, bool) {
	return n.contexts.Lookup(addr)
}
