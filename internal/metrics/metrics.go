package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the backbone service
type Metrics struct {
	// Broadcast gateway metrics
	GatewayConnections *prometheus.GaugeVec
	GatewayMessages    *prometheus.CounterVec
	EventsPushed       *prometheus.CounterVec
	BroadcastDuration  *prometheus.HistogramVec

	// Stream metrics (ledger + agent bus)
	StreamEntries  *prometheus.CounterVec
	StreamDuration *prometheus.HistogramVec
	StreamLength   *prometheus.GaugeVec
}
