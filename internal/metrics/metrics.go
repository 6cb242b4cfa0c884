// Registers:
//
//	#marketsync_events_total
//	#marketsync_messages_dropped_total
//	#marketsync_reconnects_total
//	#marketsync_connection_state
//	#marketsync_snapshot_errors_total
//	#marketsync_queue_depth
//	#go_* and process_* system metrics
//
// The registry is served by Handler, mounted at /metrics by the dashboard.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_events_total",
		Help: "Normalized events handed to the output queue",
	}, []string{"exchange", "topic"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_messages_dropped_total",
		Help: "Malformed stream messages dropped",
	}, []string{"exchange", "topic"})

	reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_reconnects_total",
		Help: "Connection attempts after a fault",
	}, []string{"exchange", "topic"})

	connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketsync_connection_state",
		Help: "Current synchronizer state (0 disconnected, 1 connecting, 2 subscribed, 3 streaming, 4 faulted)",
	}, []string{"exchange", "topic"})

	snapshotErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_snapshot_errors_total",
		Help: "Failed snapshot fetch or decode attempts",
	}, []string{"exchange", "trading_pair"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_queue_depth",
		Help: "Events waiting in the output queue",
	})
)

// Init registers the collectors once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			eventsTotal,
			droppedTotal,
			reconnectsTotal,
			connectionState,
			snapshotErrors,
			queueDepth,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
