package services

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Classification metrics
	Classifications *prometheus.CounterVec

	// Routing metrics
	RouteRequests   *prometheus.CounterVec
	RouteLatency    prometheus.Histogram
	RouteCostUSD    *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	BudgetDenials   prometheus.Counter
	ResponseCacheOp *prometheus.CounterVec

	// Memory metrics
	MemoryRetrievals    *prometheus.CounterVec
	MemoryTokensServed  *prometheus.CounterVec
	MemorySessionClosed *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics on reg
// (prometheus.DefaultRegisterer in the server).
func InitMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	metrics := &Metrics{
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_classifications_total",
			Help: "Total number of request classifications by method and mode",
		}, []string{"method", "mode", "degraded"}),

		RouteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_route_requests_total",
			Help: "Total number of routed requests by answering tier and outcome",
		}, []string{"tier", "outcome"}),

		// Route latency histogram, up to 2 minutes for LLM responses
		RouteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpilot_route_duration_seconds",
			Help:    "End-to-end routed request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		RouteCostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_route_cost_usd_total",
			Help: "Accumulated model cost in USD by tier",
		}, []string{"tier"}),

		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_fallbacks_total",
			Help: "Fallback invocations by primary and fallback tier",
		}, []string{"primary", "fallback", "succeeded"}),

		BudgetDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskpilot_budget_denials_total",
			Help: "Requests rejected by the budget check",
		}),

		ResponseCacheOp: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_response_cache_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),

		MemoryRetrievals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_memory_retrievals_total",
			Help: "Memory retrievals by kind (initial, iterative) and whether anything was found",
		}, []string{"kind", "found"}),

		MemoryTokensServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_memory_tokens_served_total",
			Help: "Estimated tokens of memory context served",
		}, []string{"kind"}),

		MemorySessionClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_memory_sessions_closed_total",
			Help: "Retrieval sessions closed by status",
		}, []string{"status"}),

		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskpilot_websocket_connections_active",
			Help: "Number of active memory WebSocket connections",
		}),

		WebSocketMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordClassification records one classification outcome
func (m *Metrics) RecordClassification(method, mode string, degraded bool) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(method, mode, strconv.FormatBool(degraded)).Inc()
}

// RecordRoute records a finished routed request
func (m *Metrics) RecordRoute(tier, outcome string, seconds, costUSD float64) {
	if m == nil {
		return
	}
	m.RouteRequests.WithLabelValues(tier, outcome).Inc()
	m.RouteLatency.Observe(seconds)
	if costUSD > 0 {
		m.RouteCostUSD.WithLabelValues(tier).Add(costUSD)
	}
}

// RecordFallback records a fallback attempt
func (m *Metrics) RecordFallback(primary, fallback string, succeeded bool) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(primary, fallback, strconv.FormatBool(succeeded)).Inc()
}

// RecordBudgetDenied records a request rejected by the budget check
func (m *Metrics) RecordBudgetDenied() {
	if m == nil {
		return
	}
	m.BudgetDenials.Inc()
}

// RecordCacheLookup records a response cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResponseCacheOp.WithLabelValues(result).Inc()
}

// RecordMemoryRetrieval records an initial or iterative memory fetch
func (m *Metrics) RecordMemoryRetrieval(kind string, chunks, tokens int, found bool) {
	if m == nil {
		return
	}
	m.MemoryRetrievals.WithLabelValues(kind, strconv.FormatBool(found)).Inc()
	m.MemoryTokensServed.WithLabelValues(kind).Add(float64(tokens))
}

// RecordMemorySessionClosed records a retrieval session reaching a final status
func (m *Metrics) RecordMemorySessionClosed(status string) {
	if m == nil {
		return
	}
	m.MemorySessionClosed.WithLabelValues(status).Inc()
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}
