package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const pingPeriod = 20 * time.Second

// Transport is the part of a socket the room engine writes to.
type Transport interface {
	Write(ctx context.Context, b []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Accept upgrades HTTP to websocket (allow all origins)
func Accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
}

// wsTransport adapts a nhooyr connection; frames are JSON text
type wsTransport struct{ ws *websocket.Conn }

func (t *wsTransport) Write(ctx context.Context, b []byte) error {
	return t.ws.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Ping(ctx context.Context) error { return t.ws.Ping(ctx) }

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.ws.Close(code, reason)
}

// Read blocks until it receives a text/binary message
// Returns false if connection is closed
func (t *wsTransport) Read(ctx context.Context) ([]byte, bool) {
	for {
		typ, data, err := t.ws.Read(ctx)
		if err != nil {
			return nil, false
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, true
		}
	}
}

// Conn is one joined participant: transport, identity and the room it joined.
// The room code is fixed for the life of the connection.
type Conn struct {
	t      Transport
	userID string
	code   string

	out          chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
	pingEvery    time.Duration
}

// NewConn wraps a transport for userID in room code
func NewConn(t Transport, userID, code string, buf int, writeTimeout time.Duration) *Conn {
	if buf <= 0 {
		buf = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{
		t: t, userID: userID, code: code,
		out:          make(chan []byte, buf),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingEvery:    pingPeriod,
	}
}

func (c *Conn) UserID() string { return c.userID }
func (c *Conn) Code() string   { return c.code }

// Open reports whether the connection still accepts frames
func (c *Conn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once Close has been called
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues a frame without blocking. Returns false when the
// connection is closing or its queue is full; the frame is dropped and
// a full queue closes the connection as a slow consumer.
func (c *Conn) Send(b []byte) bool {
	if !c.Open() {
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		c.shed()
		return false
	}
}

// shed marks c closed and closes the transport in the background, since
// callers hold a room lock and a close handshake can block.
func (c *Conn) shed() {
	c.once.Do(func() {
		close(c.done)
		go func() { _ = c.t.Close(websocket.StatusPolicyViolation, "slow consumer") }()
	})
}

// WriteLoop sends queued frames + periodic pings
// Exits when ctx is cancelled, the connection closes or a write fails
func (c *Conn) WriteLoop(ctx context.Context) {
	t := time.NewTicker(c.pingEvery)
	defer t.Stop()

	for {
		select {
		case b := <-c.out:
			if err := c.write(ctx, b); err != nil {
				_ = c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.t.Ping(pctx)
			cancel()
			if err != nil {
				_ = c.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reject writes msg directly, bypassing the queue, then closes
func (c *Conn) Reject(ctx context.Context, b []byte, reason string) error {
	err := c.write(ctx, b)
	_ = c.Close(websocket.StatusPolicyViolation, reason)
	return err
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.t.Write(wctx, b)
}

// Close marks the connection closed and closes the transport once
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.t.Close(code, reason)
	})
	return err
}
