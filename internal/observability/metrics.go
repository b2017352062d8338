package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	battleConnections     prometheus.Gauge
	battleRooms           prometheus.Gauge
	battleInboundTotal    *prometheus.CounterVec
	battleSubmissionTotal *prometheus.CounterVec
	battleGameOverTotal   prometheus.Counter
	battleDroppedTotal    *prometheus.CounterVec
	battleRelayTotal      *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_http_requests_total",
			Help: "Total number of battle API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_http_latency_seconds",
			Help:    "Latency distribution for battle API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_http_errors_total",
			Help: "Total number of error responses returned by battle endpoints.",
		}, []string{"method", "route", "status"})

		battleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_connections",
			Help: "Websocket connections currently attached to a battle room.",
		})

		battleRooms = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_rooms",
			Help: "Battle rooms currently alive on this node.",
		})

		battleInboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_inbound_messages_total",
			Help: "Client frames received, by message type.",
		}, []string{"type"})

		battleSubmissionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_submissions_total",
			Help: "Graded code submissions, by verdict.",
		}, []string{"verdict"})

		battleGameOverTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battle_game_over_total",
			Help: "Battles that ended with a winner.",
		})

		battleDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_dropped_messages_total",
			Help: "Outbound frames dropped for slow or closed clients.",
		}, []string{"type"})

		battleRelayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_relay_events_total",
			Help: "Cross-node relay events, by transport and direction.",
		}, []string{"transport", "direction"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			battleConnections, battleRooms, battleInboundTotal, battleSubmissionTotal,
			battleGameOverTotal, battleDroppedTotal, battleRelayTotal,
		)
	})
}

// MetricsHandler serves the default registry, battle collectors included, to
// Prometheus scrapers. OpenMetrics is negotiated when the scraper asks for it.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// HTTPRequests exposes the counter for battle API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for battle API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for battle API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// BattleConnections exposes the live connection gauge.
func BattleConnections() prometheus.Gauge {
	RegisterMetrics()
	return battleConnections
}

// BattleRooms exposes the live room gauge.
func BattleRooms() prometheus.Gauge {
	RegisterMetrics()
	return battleRooms
}

// BattleInbound exposes the inbound frame counter.
func BattleInbound() *prometheus.CounterVec {
	RegisterMetrics()
	return battleInboundTotal
}

// BattleSubmissions exposes the submission verdict counter.
func BattleSubmissions() *prometheus.CounterVec {
	RegisterMetrics()
	return battleSubmissionTotal
}

// BattleGameOvers exposes the finished battle counter.
func BattleGameOvers() prometheus.Counter {
	RegisterMetrics()
	return battleGameOverTotal
}

// BattleDropped exposes the dropped outbound frame counter.
func BattleDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return battleDroppedTotal
}

// BattleRelayEvents exposes the relay event counter.
func BattleRelayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return battleRelayTotal
}
