package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "rfc5444d"
	subsystem = "engine"
)

// Label names for engine metrics.
const (
	labelProtocol  = "protocol"
	labelInterface = "interface"
	labelFamily    = "family"
)

// -------------------------------------------------------------------------
// Collector — Prometheus engine metrics
// -------------------------------------------------------------------------

// Collector holds all engine Prometheus metrics.
type Collector struct {
	// TargetsActive tracks the number of currently registered targets per
	// protocol and interface.
	TargetsActive *prometheus.GaugeVec

	// PacketsSent counts packets handed to a managed socket for
	// transmission, per protocol, interface, and family.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts inbound datagrams accepted past ACL
	// filtering and by the reader, per protocol, interface, and family.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts inbound datagrams rejected by the reader or
	// outbound packets that failed to send, per protocol, interface, and
	// family.
	PacketsDropped *prometheus.CounterVec

	// MessagesAggregated counts messages accepted into a target's pending
	// queue via CreateMessage, per protocol.
	MessagesAggregated *prometheus.CounterVec

	// AggregationFlushes counts aggregation-timer-triggered flushes, per
	// protocol.
	AggregationFlushes *prometheus.CounterVec

	// PoolExhaustions counts record-pool Get calls that had to allocate
	// beyond the standing reservoir.
	PoolExhaustions prometheus.Counter
}

// NewCollector creates a Collector with all engine metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.TargetsActive,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.MessagesAggregated,
		c.AggregationFlushes,
		c.PoolExhaustions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	protocolInterfaceLabels := []string{labelProtocol, labelInterface}
	protocolInterfaceFamilyLabels := []string{labelProtocol, labelInterface, labelFamily}
	protocolLabels := []string{labelProtocol}

	return &Collector{
		TargetsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "targets_active",
			Help:      "Number of currently registered send targets per protocol and interface.",
		}, protocolInterfaceLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total packets handed to a managed socket for transmission.",
		}, protocolInterfaceFamilyLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total inbound datagrams accepted past ACL filtering and by the reader.",
		}, protocolInterfaceFamilyLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped by the reader or failed to send.",
		}, protocolInterfaceFamilyLabels),

		MessagesAggregated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_aggregated_total",
			Help:      "Total messages accepted into a target's pending aggregation queue.",
		}, protocolLabels),

		AggregationFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "aggregation_flush_total",
			Help:      "Total aggregation-timer-triggered packet flushes.",
		}, protocolLabels),

		PoolExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_exhaustion_total",
			Help:      "Total record-pool Get calls that allocated beyond the standing reservoir.",
		}),
	}
}

// -------------------------------------------------------------------------
// Target lifecycle
// -------------------------------------------------------------------------

// SetTargetsActive sets the active-target gauge for the given protocol and
// interface.
func (c *Collector) SetTargetsActive(protocol, iface string, n int) {
	c.TargetsActive.WithLabelValues(protocol, iface).Set(float64(n))
}

// -------------------------------------------------------------------------
// Packet counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the sent-packets counter for protocol/iface/family.
func (c *Collector) IncPacketsSent(protocol, iface, family string) {
	c.PacketsSent.WithLabelValues(protocol, iface, family).Inc()
}

// IncPacketsReceived increments the received-packets counter for
// protocol/iface/family.
func (c *Collector) IncPacketsReceived(protocol, iface, family string) {
	c.PacketsReceived.WithLabelValues(protocol, iface, family).Inc()
}

// IncPacketsDropped increments the dropped-packets counter for
// protocol/iface/family.
func (c *Collector) IncPacketsDropped(protocol, iface, family string) {
	c.PacketsDropped.WithLabelValues(protocol, iface, family).Inc()
}

// -------------------------------------------------------------------------
// Aggregation counters
// -------------------------------------------------------------------------

// IncMessagesAggregated increments the aggregated-messages counter for protocol.
func (c *Collector) IncMessagesAggregated(protocol string) {
	c.MessagesAggregated.WithLabelValues(protocol).Inc()
}

// IncAggregationFlushes increments the aggregation-flush counter for protocol.
func (c *Collector) IncAggregationFlushes(protocol string) {
	c.AggregationFlushes.WithLabelValues(protocol).Inc()
}

// IncPoolExhaustions increments the pool-exhaustion counter.
func (c *Collector) IncPoolExhaustions() {
	c.PoolExhaustions.Inc()
}
