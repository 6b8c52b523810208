package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"roomrelay/internal/app"
	"roomrelay/pkg/metrics"
	"roomrelay/pkg/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	status    websocket.StatusCode
	failWrite bool
	failPing  bool
}

func (f *fakeTransport) Write(_ context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, b)
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPing {
		return errors.New("pong timeout")
	}
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.status = code
	return nil
}

func (f *fakeTransport) written(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return decodeAll(t, f.frames)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) closeStatus() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// seq returns the given values in order, then repeats the last one
func seq(vals ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		v := vals[i]
		if i < len(vals)-1 {
			i++
		}
		return v
	}
}

func newTestRegistry(t *testing.T, opts RegistryOptions) (*Registry, *clock) {
	t.Helper()
	clk := newClock()
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	return NewRegistry(opts, app.DiscardLogger(), metrics.Nop()), clk
}

func newTestConn(userID, code string) (*Conn, *fakeTransport) {
	return newTestConnBuf(userID, code, 64)
}

func newTestConnBuf(userID, code string, buf int) (*Conn, *fakeTransport) {
	ft := &fakeTransport{}
	return NewConn(ft, userID, code, buf, time.Second), ft
}

// openConn joins an existing conn through a session
func openConn(t *testing.T, reg *Registry, c *Conn) *Session {
	t.Helper()
	s := NewSession(reg, c, app.DiscardLogger())
	require.NoError(t, s.Open(context.Background()))
	return s
}

// joinNew opens a session for userID in code and requires it to succeed
func joinNew(t *testing.T, reg *Registry, userID, code string) (*Session, *Conn) {
	t.Helper()
	c, _ := newTestConn(userID, code)
	s := NewSession(reg, c, app.DiscardLogger())
	require.NoError(t, s.Open(context.Background()))
	return s, c
}

// drain returns every frame queued on c so far
func drain(t *testing.T, c *Conn) []protocol.Envelope {
	t.Helper()
	var raw [][]byte
	for {
		select {
		case b := <-c.out:
			raw = append(raw, b)
		default:
			return decodeAll(t, raw)
		}
	}
}

func decodeAll(t *testing.T, raw [][]byte) []protocol.Envelope {
	t.Helper()
	out := make([]protocol.Envelope, 0, len(raw))
	for _, b := range raw {
		var e protocol.Envelope
		require.NoError(t, json.Unmarshal(b, &e))
		out = append(out, e)
	}
	return out
}

func kinds(es []protocol.Envelope) []protocol.Kind {
	out := make([]protocol.Kind, len(es))
	for i, e := range es {
		out[i] = e.Type
	}
	return out
}
