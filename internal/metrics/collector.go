package ndmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace          = "lowpannd"
	subsystemND        = "nd"
	subsystemTransport = "transport"
)

// Label names for ND metrics.
const (
	labelKind      = "kind"
	labelRouter    = "router"
	labelOutcome   = "outcome"
	labelReason    = "reason"
	labelProcess   = "process"
	labelTransport = "transport"
)

// -------------------------------------------------------------------------
// Collector -- Prometheus ND Metrics
// -------------------------------------------------------------------------

// Collector holds all lowpannd Prometheus metrics. It implements
// nd.MetricsReporter and netio.ReceiverMetrics.
//
// Metrics are designed for interoperability testing:
//   - Solicitation and registration counters show the protocol exchange
//     with each router.
//   - Registration outcomes and blacklist counters flag router misbehavior.
//   - Router and address gauges track the node state.
//   - Drop and failure counters expose traffic the node could not use.
type Collector struct {
	// Solicitations counts Router Solicitations sent, by kind (multicast
	// or unicast).
	Solicitations *prometheus.CounterVec

	// RegistrationAttempts counts NS with ARO sent per router.
	RegistrationAttempts *prometheus.CounterVec

	// Registrations counts the outcome of each NS/NA exchange per router.
	Registrations *prometheus.CounterVec

	// Blacklisted counts blacklist entries by kind.
	Blacklisted *prometheus.CounterVec

	// Routers is the number of known routers.
	Routers prometheus.Gauge

	// Addresses is the number of configured addresses.
	Addresses prometheus.Gauge

	// MessagesDropped counts inbound messages no process consumed.
	MessagesDropped *prometheus.CounterVec

	// SendFailures counts outbound messages that could not be sent.
	SendFailures *prometheus.CounterVec

	// ProcessErrors counts failed event handling per process.
	ProcessErrors *prometheus.CounterVec

	// DatagramsReceived counts decoded datagrams handed to the node.
	DatagramsReceived *prometheus.CounterVec

	// DatagramsMalformed counts frames and datagrams dropped by the
	// receiver.
	DatagramsMalformed *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Solicitations,
		c.RegistrationAttempts,
		c.Registrations,
		c.Blacklisted,
		c.Routers,
		c.Addresses,
		c.MessagesDropped,
		c.SendFailures,
		c.ProcessErrors,
		c.DatagramsReceived,
		c.DatagramsMalformed,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Solicitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "router_solicitations_total",
			Help:      "Total Router Solicitations transmitted.",
		}, []string{labelKind}),

		RegistrationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "registration_attempts_total",
			Help:      "Total Neighbor Solicitations carrying an ARO transmitted.",
		}, []string{labelRouter}),

		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "registrations_total",
			Help:      "Total address registration exchanges by outcome (RFC 6775 Section 4.1).",
		}, []string{labelRouter, labelOutcome}),

		Blacklisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "blacklisted_total",
			Help:      "Total addresses and routers blacklisted.",
		}, []string{labelKind}),

		Routers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "routers",
			Help:      "Number of known routers.",
		}),

		Addresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "addresses",
			Help:      "Number of configured addresses.",
		}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "messages_dropped_total",
			Help:      "Total inbound messages not consumed by any process.",
		}, []string{labelReason}),

		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "send_failures_total",
			Help:      "Total outbound messages the node could not send.",
		}, []string{labelReason}),

		ProcessErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemND,
			Name:      "process_errors_total",
			Help:      "Total events whose handling returned an error or panicked.",
		}, []string{labelProcess}),

		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams decoded and handed to the node.",
		}, []string{labelTransport}),

		DatagramsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "datagrams_malformed_total",
			Help:      "Total frames or datagrams dropped as malformed.",
		}, []string{labelTransport}),
	}
}

// -------------------------------------------------------------------------
// Protocol Exchange
// -------------------------------------------------------------------------

// IncSolicitations increments the Router Solicitation counter.
func (c *Collector) IncSolicitations(kind string) {
	c.Solicitations.WithLabelValues(kind).Inc()
}

// IncRegistrationAttempts increments the registration NS counter for the
// given router.
func (c *Collector) IncRegistrationAttempts(router netip.Addr) {
	c.RegistrationAttempts.WithLabelValues(router.String()).Inc()
}

// RecordRegistration increments the registration outcome counter. Used for
// alerting on routers answering with duplicate or neighbor cache full.
func (c *Collector) RecordRegistration(router netip.Addr, outcome string) {
	c.Registrations.WithLabelValues(router.String(), outcome).Inc()
}

// IncBlacklisted increments the blacklist counter.
func (c *Collector) IncBlacklisted(kind string) {
	c.Blacklisted.WithLabelValues(kind).Inc()
}

// -------------------------------------------------------------------------
// Node State
// -------------------------------------------------------------------------

// SetRouters sets the known routers gauge.
func (c *Collector) SetRouters(n int) {
	c.Routers.Set(float64(n))
}

// SetAddresses sets the configured addresses gauge.
func (c *Collector) SetAddresses(n int) {
	c.Addresses.Set(float64(n))
}

// -------------------------------------------------------------------------
// Failures
// -------------------------------------------------------------------------

// IncMessagesDropped increments the dropped inbound message counter.
func (c *Collector) IncMessagesDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// IncSendFailures increments the send failure counter.
func (c *Collector) IncSendFailures(reason string) {
	c.SendFailures.WithLabelValues(reason).Inc()
}

// IncProcessErrors increments the process error counter.
func (c *Collector) IncProcessErrors(process string) {
	c.ProcessErrors.WithLabelValues(process).Inc()
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// IncDatagramsReceived increments the received datagram counter.
func (c *Collector) IncDatagramsReceived(transport string) {
	c.DatagramsReceived.WithLabelValues(transport).Inc()
}

// IncDatagramsMalformed increments the malformed datagram counter.
func (c *Collector) IncDatagramsMalformed(transport string) {
	c.DatagramsMalformed.WithLabelValues(transport).Inc()
}
