// Package metrics provides Prometheus instrumentation for the gateway. It
// exposes gauges for connection counts, counters for event throughput and
// signaling outcomes, and histograms for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts processed envelopes, labeled by event and
	// direction ("in" or "out").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_total",
		Help: "Total number of envelopes processed",
	}, []string{"event", "direction"})

	// DroppedEventsTotal counts inbound envelopes dropped without
	// processing, labeled by reason: "unknown_event", "rate_limited",
	// "forbidden", "not_found".
	DroppedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dropped_events_total",
		Help: "Total number of inbound envelopes dropped",
	}, []string{"reason"})

	// BroadcastLatency records the time from handling an inbound event to
	// handing its fanout to the broadcast channel, in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_broadcast_latency_seconds",
		Help:    "Latency from event receipt to broadcast publish in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// DuplicateSendsTotal counts SEND_MSG requests resolved to a
	// previously ingested clientRef.
	DuplicateSendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_duplicate_sends_total",
		Help: "Total number of sends deduplicated by clientRef",
	})

	// RejectedCallsTotal counts offers rejected because the target was busy.
	RejectedCallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rejected_calls_total",
		Help: "Total number of call offers rejected with a busy target",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		DroppedEventsTotal,
		BroadcastLatency,
		DuplicateSendsTotal,
		RejectedCallsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
