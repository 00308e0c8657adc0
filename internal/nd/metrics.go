package nd

import "net/netip"

// Solicitation kinds reported to MetricsReporter.IncSolicitations.
const (
	SolicitationMulticast = "multicast"
	SolicitationUnicast   = "unicast"
)

// Registration outcomes reported to MetricsReporter.RecordRegistration.
const (
	OutcomeSuccess      = "success"
	OutcomeDuplicate    = "duplicate"
	OutcomeNeighborFull = "neighbor_full"
	OutcomeUnknown      = "unknown_status"
	OutcomeTimeout      = "timeout"
)

// Blacklist kinds reported to MetricsReporter.IncBlacklisted.
const (
	BlacklistDuplicateAddress = "duplicate_address"
	BlacklistRouterFull       = "router_full"
)

// MetricsReporter receives ND engine events for monitoring. All methods
// are called from the Node loop goroutine. Implementations must not block.
type MetricsReporter interface {
	// IncSolicitations counts a transmitted Router Solicitation.
	IncSolicitations(kind string)

	// IncRegistrationAttempts counts a transmitted NS carrying an ARO.
	IncRegistrationAttempts(router netip.Addr)

	// RecordRegistration counts the outcome of one NS/NA exchange.
	RecordRegistration(router netip.Addr, outcome string)

	// IncBlacklisted counts an entry appended to a node blacklist.
	IncBlacklisted(kind string)

	// SetRouters reports the number of known routers.
	SetRouters(n int)

	// SetAddresses reports the number of configured addresses.
	SetAddresses(n int)

	// IncMessagesDropped counts an inbound message not delivered to any
	// process.
	IncMessagesDropped(reason string)

	// IncSendFailures counts an outbound message the node could not send.
	IncSendFailures(reason string)

	// IncProcessErrors counts an event whose handling failed.
	IncProcessErrors(process string)
}

// noopMetrics discards everything.
type noopMetrics struct{}

func (noopMetrics) IncSolicitations(string) {}
func (noopMetrics) IncRegistrationAttempts(netip.Addr) {}
func (noopMetrics) RecordRegistration(netip.Addr, string) {}
func (noopMetrics) IncBlacklisted(string) {}
func (noopMetrics) SetRouters(int) {}
func (noopMetrics) SetAddresses(int) {}
func (noopMetrics) IncMessagesDropped(string) {}
func (noopMetrics) IncSendFailures(string) {}
func (noopMetrics) IncProcessErrors(string) {}
