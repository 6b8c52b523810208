package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay holds the collectors updated by the room engine
type Relay struct {
	RoomsActive     prometheus.Gauge
	ConnsActive     prometheus.Gauge
	RoomsCreated    prometheus.Counter
	RoomsEvicted    prometheus.Counter
	Messages        *prometheus.CounterVec // by kind
	JoinsRejected   *prometheus.CounterVec // by reason
	FramesDropped   prometheus.Counter
	FramesMalformed prometheus.Counter
}

// New registers the relay collectors on reg
func New(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms_active", Help: "Rooms currently in the registry.",
		}),
		ConnsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active", Help: "Connections currently joined to a room.",
		}),
		RoomsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_created_total", Help: "Rooms created.",
		}),
		RoomsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_evicted_total", Help: "Idle empty rooms removed by the sweeper.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total", Help: "Accepted chat/image messages.",
		}, []string{"kind"}),
		JoinsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_joins_rejected_total", Help: "Rejected joins by reason.",
		}, []string{"reason"}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total", Help: "Outbound frames dropped for a full or closing connection.",
		}),
		FramesMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_malformed_total", Help: "Inbound frames discarded as malformed.",
		}),
	}
}

// Nop returns collectors bound to a throwaway registry (tests, tools)
func Nop() *Relay { return New(prometheus.NewRegistry()) }

// Handler exposes Prometheus metrics at /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
