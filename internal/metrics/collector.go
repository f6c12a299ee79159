// Package metrics exposes Prometheus counters and gauges for the DPP
// endpoint daemon's session lifecycle, frame I/O, fragmentation, and
// bootstrap lookups.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "dppd"
	subsystem = "dpp"
)

// Label names.
const (
	labelReason = "reason"
	labelRole   = "role"
)

// Collector holds all DPP daemon Prometheus metrics.
type Collector struct {
	// FramesSent counts Public Action frames transmitted.
	FramesSent prometheus.Counter

	// FramesReceived counts Public Action frames accepted past the
	// adapter-level receive filters (spec.md §4.1).
	FramesReceived prometheus.Counter

	// FramesDropped counts frames dropped, labeled by reason (spec.md
	// §4.4, §7): "malformed", "no_route" or "route_error".
	FramesDropped *prometheus.CounterVec

	// Sessions tracks currently live DPP/PKEX sessions, labeled by role
	// (spec.md §3 "DPP session"/"PKEX session" lifecycle).
	Sessions *prometheus.GaugeVec

	// FragmentsSent counts GAS Comeback Response fragments emitted
	// (spec.md §4.5).
	FragmentsSent prometheus.Counter

	// FragmentsReceived counts GAS Comeback Request fragments consumed.
	FragmentsReceived prometheus.Counter

	// BootstrapLookups counts Chirp Resolver lookups, labeled "hit" or
	// "miss" (spec.md §4.6). Index lookups for bootstrap_peer are not
	// counted.
	BootstrapLookups *prometheus.CounterVec

	// RelayReconnects counts TCP tunnel reconnect attempts from a relay
	// to its controller (spec.md §4.7).
	RelayReconnects prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a Collector with all DPP daemon metrics
// registered against reg. If reg is nil, prometheus.DefaultRegisterer is
// used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	if r, ok := reg.(*prometheus.Registry); ok {
		c.registry = r
	}

	reg.MustRegister(
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.Sessions,
		c.FragmentsSent,
		c.FragmentsReceived,
		c.BootstrapLookups,
		c.RelayReconnects,
	)

	return c
}

// Registry returns the *prometheus.Registry passed to NewCollector, or
// nil if reg was some other prometheus.Registerer.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func newMetrics() *Collector {
	return &Collector{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total Public Action frames transmitted.",
		}),

		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total Public Action frames accepted past receive filters.",
		}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped, labeled by reason.",
		}, []string{labelReason}),

		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently live DPP/PKEX sessions.",
		}, []string{labelRole}),

		FragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_sent_total",
			Help:      "Total GAS Comeback Response fragments emitted.",
		}),

		FragmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_received_total",
			Help:      "Total GAS Comeback Request fragments consumed.",
		}),

		BootstrapLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bootstrap_lookups_total",
			Help:      "Total bootstrap store lookups, labeled hit or miss.",
		}, []string{"result"}),

		RelayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_reconnects_total",
			Help:      "Total relay-to-controller TCP tunnel reconnect attempts.",
		}),
	}
}

// IncFramesSent increments the transmitted-frame counter.
func (c *Collector) IncFramesSent() { c.FramesSent.Inc() }

// IncFramesReceived increments the accepted-frame counter.
func (c *Collector) IncFramesReceived() { c.FramesReceived.Inc() }

// IncFramesDropped increments the dropped-frame counter for reason.
func (c *Collector) IncFramesDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// RegisterSession increments the live-session gauge for role.
func (c *Collector) RegisterSession(role string) {
	c.Sessions.WithLabelValues(role).Inc()
}

// UnregisterSession decrements the live-session gauge for role.
func (c *Collector) UnregisterSession(role string) {
	c.Sessions.WithLabelValues(role).Dec()
}

// IncFragmentsSent increments the fragments-sent counter.
func (c *Collector) IncFragmentsSent() { c.FragmentsSent.Inc() }

// IncFragmentsReceived increments the fragments-received counter.
func (c *Collector) IncFragmentsReceived() { c.FragmentsReceived.Inc() }

// RecordBootstrapLookup records a bootstrap/chirp lookup outcome.
func (c *Collector) RecordBootstrapLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.BootstrapLookups.WithLabelValues(result).Inc()
}

// IncRelayReconnects increments the relay reconnect counter.
func (c *Collector) IncRelayReconnects() { c.RelayReconnects.Inc() }
