package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"roomrelay/internal/app"
	"roomrelay/internal/http/respond"
)

type Hub struct {
	log *slog.Logger
	reg *Registry

	ttl           time.Duration
	sweepInterval time.Duration
	maxFrameBytes int64
	sendBuffer    int
	writeTimeout  time.Duration

	newID func() string // default identity when the handshake has no userId
}

// NewHub wires the registry with the transport limits from config
func NewHub(cfg app.Config, logger *slog.Logger, reg *Registry) *Hub {
	return &Hub{
		log:           logger,
		reg:           reg,
		ttl:           cfg.RoomTTL,
		sweepInterval: cfg.SweepInterval,
		maxFrameBytes: cfg.MaxFrameBytes,
		sendBuffer:    cfg.SendBuffer,
		writeTimeout:  cfg.WriteTimeout,
		newID:         uuid.NewString,
	}
}

func (h *Hub) Registry() *Registry { return h.reg }

// Run sweeps idle rooms every tick until ctx ends, then closes all connections
func (h *Hub) Run(ctx context.Context) {
	defer h.reg.CloseAll()
	if h.ttl <= 0 || h.sweepInterval <= 0 {
		h.log.Info("sweeper.disabled")
		<-ctx.Done()
		return
	}

	t := time.NewTicker(h.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one eviction pass against the registry clock
func (h *Hub) Sweep() []string {
	return h.reg.EvictIdle(h.reg.opts.Now(), h.ttl)
}

// ServeWS handles a new /ws?code=XXXX&userId=... connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.URL.Query().Get("code")
	if code == "" {
		respond.Error(w, http.StatusBadRequest, "code required")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = h.newID()
	}

	ws, err := Accept(w, r)
	if err != nil {
		h.log.Error("ws.accept", "err", err)
		return
	}
	ws.SetReadLimit(h.maxFrameBytes)
	t := &wsTransport{ws: ws}

	c := NewConn(t, userID, code, h.sendBuffer, h.writeTimeout)
	s := NewSession(h.reg, c, h.log)
	if err := s.Open(ctx); err != nil {
		if !IsRejection(err) {
			h.log.Error("ws.open", "code", code, "err", err)
		}
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.WriteLoop(wctx)

	// Inbound reader; everything routes through the session
	for {
		frame, ok := t.Read(ctx)
		if !ok {
			break
		}
		s.Handle(frame)
	}
	s.Close()
}
