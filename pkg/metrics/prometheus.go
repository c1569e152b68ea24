package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsConnected is the number of open event stream sessions.
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "annosync",
		Name:      "sessions_connected",
		Help:      "Number of open event stream sessions.",
	})

	// SessionEvictions counts sessions removed from the bus, by reason.
	SessionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annosync",
		Name:      "session_evictions_total",
		Help:      "Sessions removed from the change bus.",
	}, []string{"reason"})

	// EventsBroadcast counts broadcast calls, by event type.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annosync",
		Name:      "events_broadcast_total",
		Help:      "Events broadcast to all sessions.",
	}, []string{"type"})

	// StoreMutations counts successful store mutations, by operation.
	StoreMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annosync",
		Name:      "store_mutations_total",
		Help:      "Successful store mutations.",
	}, []string{"operation"})

	// Reconciliations counts watcher reconciliation passes, by result.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annosync",
		Name:      "reconciliations_total",
		Help:      "Reloads of the document triggered by the file watcher.",
	}, []string{"result"})
)

// Handler serves the Prometheus metrics of the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
