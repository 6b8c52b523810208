package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"

	"roomrelay/internal/app"
	"roomrelay/pkg/ratelimit"
)

var corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}

type Middleware struct {
	cors   *cors.Cors
	create *ratelimit.Limiter
}

// NewMiddleware builds the shared middleware stack from config
func NewMiddleware(cfg app.Config) *Middleware {
	return &Middleware{
		cors: cors.New(cors.Options{
			AllowedOrigins:     cfg.CORSAllow,
			AllowedMethods:     corsMethods,
			AllowedHeaders:     []string{"*"},
			OptionsPassthrough: true,
		}),
		create: ratelimit.New(cfg.CreateRate, time.Minute),
	}
}

// Wrap applies CORS to every response and answers any OPTIONS with 204
func (m *Middleware) Wrap(h http.Handler) http.Handler {
	return m.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// rs/cors only answers requests carrying an Origin; everything else still gets the permissive set
		hdr := w.Header()
		if r.Header.Get("Origin") == "" {
			hdr.Set("Access-Control-Allow-Origin", "*")
		}
		if hdr.Get("Access-Control-Allow-Methods") == "" {
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if hdr.Get("Access-Control-Allow-Headers") == "" {
			hdr.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	}))
}

// LimitCreate rate limits room creation per client IP
func (m *Middleware) LimitCreate(h http.Handler) http.Handler {
	return m.create.Middleware(h)
}

// Run prunes stale limiter buckets until ctx ends
func (m *Middleware) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.create.Prune()
		case <-ctx.Done():
			return
		}
	}
}
