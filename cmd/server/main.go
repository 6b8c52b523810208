package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	app "roomrelay/internal/app"
	httpx "roomrelay/internal/http"
	ws "roomrelay/internal/ws"
	"roomrelay/pkg/metrics"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.Env, os.Stdout)
	logger.Info("config",
		"env", cfg.Env, "addr", cfg.HTTPAddr,
		"capacity", cfg.RoomCapacity, "ttl", cfg.RoomTTL, "history", cfg.HistoryLimit)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Room registry + sweeper
	reg := ws.NewRegistry(ws.RegistryOptions{
		Capacity:     cfg.RoomCapacity,
		HistoryLimit: cfg.HistoryLimit,
		HistoryBytes: cfg.HistoryBytes,
	}, logger, m)
	hub := ws.NewHub(cfg, logger, reg)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// HTTP + WS router
	mw := httpx.NewMiddleware(cfg)
	go mw.Run(ctx)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(mw, logger, hub, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("server.shutdown.start")

	// shutdown; hijacked sockets are closed by the hub
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
	}

	logger.Info("server.shutdown.complete", "rooms", reg.Stats().Rooms)
	_ = os.Stdout.Sync()
}
