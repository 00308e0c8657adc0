package ndmetrics_test

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	ndmetrics "github.com/dantte-lp/lowpannd/internal/metrics"
	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/netio"
)

// The collector is the sink of both the node and the receiver.
var (
	_ nd.MetricsReporter    = (*ndmetrics.Collector)(nil)
	_ netio.ReceiverMetrics = (*ndmetrics.Collector)(nil)
)

var testRouter = netip.MustParseAddr("fe80::1")

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ndmetrics.NewCollector(reg)

	if c.Solicitations == nil || c.Registrations == nil || c.Routers == nil {
		t.Fatal("collector has nil metrics")
	}

	// Plain gauges are exported even before any update.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"lowpannd_nd_routers", "lowpannd_nd_addresses"} {
		if !names[want] {
			t.Errorf("family %s not gathered", want)
		}
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	ndmetrics.NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("second NewCollector on the same registry did not panic")
		}
	}()
	ndmetrics.NewCollector(reg)
}

func TestProtocolCounters(t *testing.T) {
	t.Parallel()

	c := ndmetrics.NewCollector(prometheus.NewRegistry())

	c.IncSolicitations(nd.SolicitationMulticast)
	c.IncSolicitations(nd.SolicitationMulticast)
	c.IncSolicitations(nd.SolicitationUnicast)

	if v := counterValue(t, c.Solicitations, nd.SolicitationMulticast); v != 2 {
		t.Errorf("multicast solicitations = %v, want 2", v)
	}
	if v := counterValue(t, c.Solicitations, nd.SolicitationUnicast); v != 1 {
		t.Errorf("unicast solicitations = %v, want 1", v)
	}

	c.IncRegistrationAttempts(testRouter)
	c.RecordRegistration(testRouter, nd.OutcomeSuccess)
	c.IncRegistrationAttempts(testRouter)
	c.RecordRegistration(testRouter, nd.OutcomeNeighborFull)

	if v := counterValue(t, c.RegistrationAttempts, testRouter.String()); v != 2 {
		t.Errorf("registration attempts = %v, want 2", v)
	}
	if v := counterValue(t, c.Registrations, testRouter.String(), nd.OutcomeSuccess); v != 1 {
		t.Errorf("successful registrations = %v, want 1", v)
	}
	if v := counterValue(t, c.Registrations, testRouter.String(), nd.OutcomeNeighborFull); v != 1 {
		t.Errorf("neighbor full registrations = %v, want 1", v)
	}
	if v := counterValue(t, c.Registrations, testRouter.String(), nd.OutcomeDuplicate); v != 0 {
		t.Errorf("duplicate registrations = %v, want 0", v)
	}

	c.IncBlacklisted(nd.BlacklistRouterFull)
	if v := counterValue(t, c.Blacklisted, nd.BlacklistRouterFull); v != 1 {
		t.Errorf("router_full blacklisted = %v, want 1", v)
	}
}

func TestStateGauges(t *testing.T) {
	t.Parallel()

	c := ndmetrics.NewCollector(prometheus.NewRegistry())

	c.SetRouters(3)
	c.SetAddresses(4)
	c.SetRouters(2)

	if v := gaugeValue(t, c.Routers); v != 2 {
		t.Errorf("routers = %v, want 2", v)
	}
	if v := gaugeValue(t, c.Addresses); v != 4 {
		t.Errorf("addresses = %v, want 4", v)
	}
}

func TestFailureCounters(t *testing.T) {
	t.Parallel()

	c := ndmetrics.NewCollector(prometheus.NewRegistry())

	c.IncMessagesDropped("not_for_us")
	c.IncSendFailures("no_route")
	c.IncSendFailures("no_route")
	c.IncProcessErrors("registration")
	c.IncDatagramsReceived(netio.TransportUDP)
	c.IncDatagramsMalformed(netio.TransportUDP)
	c.IncDatagramsMalformed(netio.TransportUDP)

	tests := []struct {
		name   string
		vec    *prometheus.CounterVec
		labels []string
		want   float64
	}{
		{name: "dropped", vec: c.MessagesDropped, labels: []string{"not_for_us"}, want: 1},
		{name: "send failures", vec: c.SendFailures, labels: []string{"no_route"}, want: 2},
		{name: "process errors", vec: c.ProcessErrors, labels: []string{"registration"}, want: 1},
		{name: "received", vec: c.DatagramsReceived, labels: []string{netio.TransportUDP}, want: 1},
		{name: "malformed", vec: c.DatagramsMalformed, labels: []string{netio.TransportUDP}, want: 2},
	}

	for _, tt := range tests {
		if v := counterValue(t, tt.vec, tt.labels...); v != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, v, tt.want)
		}
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a Gauge.
func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
