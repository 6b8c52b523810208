package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"roomrelay/pkg/metrics"
	"roomrelay/pkg/protocol"
)

const (
	codeSpace = 10000 // 4-digit codes
	maxRolls  = 64    // random tries before scanning
)

var ErrCodeSpaceExhausted = errors.New("no free room codes")

// RegistryOptions configures room policy and the injected clock/random source
type RegistryOptions struct {
	Capacity     int // max clients per room, 0 = unlimited
	HistoryLimit int // max log entries per room, 0 = unbounded
	HistoryBytes int // max encoded history frame, 0 = unbounded
	Now          func() time.Time
	Intn         func(n int) int
}

// Registry owns the code -> Room map
type Registry struct {
	log  *slog.Logger
	m    *metrics.Relay
	opts RegistryOptions

	mu    sync.RWMutex
	rooms map[string]*Room
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Rooms int
	Conns int
}

func NewRegistry(opts RegistryOptions, logger *slog.Logger, m *metrics.Relay) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	return &Registry{log: logger, m: m, opts: opts, rooms: map[string]*Room{}}
}

// Create inserts an empty room under a fresh zero-padded 4-digit code
func (g *Registry) Create() (string, error) {
	now := g.opts.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	code, ok := g.freeCode()
	if !ok {
		return "", ErrCodeSpaceExhausted
	}
	g.rooms[code] = newRoom(code, now)
	g.m.RoomsCreated.Inc()
	g.m.RoomsActive.Set(float64(len(g.rooms)))
	g.log.Info("room.created", "code", code, "rooms", len(g.rooms))
	return code, nil
}

// freeCode rolls random codes until one is unused, then falls back to a
// linear scan from a random offset. Caller holds mu.
func (g *Registry) freeCode() (string, bool) {
	if len(g.rooms) >= codeSpace {
		return "", false
	}
	for i := 0; i < maxRolls; i++ {
		code := formatCode(g.opts.Intn(codeSpace))
		if _, taken := g.rooms[code]; !taken {
			return code, true
		}
	}
	start := g.opts.Intn(codeSpace)
	for i := 0; i < codeSpace; i++ {
		code := formatCode((start + i) % codeSpace)
		if _, taken := g.rooms[code]; !taken {
			return code, true
		}
	}
	return "", false
}

func formatCode(n int) string { return fmt.Sprintf("%04d", n) }

// Validate reports whether code names a live room
func (g *Registry) Validate(code string) bool {
	return g.Get(code) != nil
}

// Get returns the room or nil. The room may be evicted right after;
// Join re-checks under the registry lock.
func (g *Registry) Get(code string) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[code]
}

// Join validates code and inserts c as one step: eviction takes the write
// lock, so a room cannot disappear between the lookup and the insert.
func (g *Registry) Join(code string, c *Conn) (*Room, error) {
	now := g.opts.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	rm := g.rooms[code]
	if rm == nil {
		g.m.JoinsRejected.WithLabelValues("not_found").Inc()
		return nil, ErrRoomNotFound
	}
	dropped, err := rm.join(c, now, g.opts.Capacity)
	if err != nil {
		g.m.JoinsRejected.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	g.m.ConnsActive.Inc()
	g.m.FramesDropped.Add(float64(dropped))
	return rm, nil
}

// Leave removes c from rm and refreshes lastActive
func (g *Registry) Leave(rm *Room, c *Conn) {
	removed, dropped := rm.leave(c, g.opts.Now())
	if !removed {
		return
	}
	g.m.ConnsActive.Dec()
	g.m.FramesDropped.Add(float64(dropped))
}

// Post accepts a chat/image event into rm's log and broadcasts it
func (g *Registry) Post(rm *Room, e protocol.Envelope) {
	dropped := rm.post(e, g.opts.Now, logLimits{entries: g.opts.HistoryLimit, bytes: g.opts.HistoryBytes})
	g.m.Messages.WithLabelValues(string(e.Type)).Inc()
	g.m.FramesDropped.Add(float64(dropped))
	if dropped > 0 {
		g.log.Debug("room.broadcast.dropped", "code", rm.Code(), "dropped", dropped)
	}
}

// EvictIdle removes every empty room idle since before now-ttl.
// ttl <= 0 disables eviction.
func (g *Registry) EvictIdle(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-ttl)

	g.mu.Lock()
	defer g.mu.Unlock()

	var evicted []string
	for code, rm := range g.rooms {
		if rm.evictIfIdle(cutoff) {
			delete(g.rooms, code)
			evicted = append(evicted, code)
		}
	}
	if len(evicted) > 0 {
		g.m.RoomsEvicted.Add(float64(len(evicted)))
		g.m.RoomsActive.Set(float64(len(g.rooms)))
		g.log.Info("room.evicted", "codes", evicted, "rooms", len(g.rooms))
	}
	return evicted
}

func (g *Registry) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Stats{Rooms: len(g.rooms)}
	for _, rm := range g.rooms {
		s.Conns += rm.Size()
	}
	return s
}

// CloseAll closes every joined connection; readers then unwind through Leave
func (g *Registry) CloseAll() {
	g.mu.RLock()
	var conns []*Conn
	for _, rm := range g.rooms {
		conns = append(conns, rm.conns()...)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			_ = c.Close(websocket.StatusGoingAway, "server shutdown")
		}(c)
	}
	wg.Wait()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "full"
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	default:
		return "other"
	}
}
