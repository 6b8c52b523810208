package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"roomrelay/internal/ws"
	"roomrelay/pkg/metrics"
)

// NewRouter wires up the control plane, the /ws endpoint and ops routes
func NewRouter(mw *Middleware, logger *slog.Logger, hub *ws.Hub, gatherer prometheus.Gatherer) http.Handler {
	api := &RoomsAPI{Reg: hub.Registry(), Log: logger}

	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/metrics", metrics.Handler(gatherer))

	// WebSocket endpoint; any other path 404s before upgrade
	mux.Handle("/ws", http.HandlerFunc(hub.ServeWS))

	// Room control plane. Methods are checked in the handlers so that
	// mismatches 404 instead of the mux's 405.
	mux.Handle("/api/rooms/create", mw.LimitCreate(http.HandlerFunc(api.Create)))
	mux.Handle("/api/rooms/{code}", http.HandlerFunc(api.Validate))

	mux.Handle("/", http.HandlerFunc(notFound))

	return mw.Wrap(mux) // CORS + OPTIONS applied globally
}
