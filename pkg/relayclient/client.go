// Package relayclient is the programmatic side of a room: create one,
// connect to it, push chat or image frames and read what the room sends.
package relayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"

	"roomrelay/pkg/protocol"
)

// DefaultReadLimit covers a server-side history frame or relayed image at
// the default 10 MiB frame limit plus envelope overhead.
const DefaultReadLimit = 16 << 20

// Options identifies the room to connect to
type Options struct {
	RoomServer string // base URL, http(s):// or ws(s)://
	Code       string
	UserID     string // empty lets the server assign one
	HTTPClient *http.Client
	ReadLimit  int64 // max inbound frame, default DefaultReadLimit
}

type Client struct {
	ws   *websocket.Conn
	code string
}

// Dial opens /ws for the room. A refused join (unknown room, room full)
// still dials successfully; the first frame read is then an error frame.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Code == "" {
		return nil, errors.New("room code required")
	}
	u, err := endpoint(opts.RoomServer, "/ws", true)
	if err != nil {
		return nil, err
	}
	q := url.Values{"code": {opts.Code}}
	if opts.UserID != "" {
		q.Set("userId", opts.UserID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, errors.Wrapf(err, "dial room %s", opts.Code)
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &Client{ws: conn, code: opts.Code}, nil
}

func (c *Client) Code() string { return c.code }

// SendChat pushes a chat message to the room
func (c *Client) SendChat(ctx context.Context, msg string) error {
	if msg == "" {
		return errors.New("empty message")
	}
	return errors.Wrap(c.ws.Write(ctx, websocket.MessageText, protocol.ChatFrame(msg)), "send chat")
}

// SendImage pushes an image (base64 or data URL) to the room
func (c *Client) SendImage(ctx context.Context, image string) error {
	if image == "" {
		return errors.New("empty image")
	}
	return errors.Wrap(c.ws.Write(ctx, websocket.MessageText, protocol.ImageFrame(image)), "send image")
}

// Next blocks for the next frame from the room
func (c *Client) Next(ctx context.Context) (protocol.Envelope, error) {
	var e protocol.Envelope
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return e, errors.Wrap(err, "read frame")
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, errors.Wrap(err, "decode frame")
	}
	return e, nil
}

func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CreateRoom asks the server for a fresh room code
func CreateRoom(ctx context.Context, roomServer string, hc *http.Client) (string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	u, err := endpoint(roomServer, "/api/rooms/create", false)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "create room")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("create room: %s", resp.Status)
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "create room: decode")
	}
	return out.Code, nil
}

// endpoint rewrites the server base URL to the scheme the call needs
func endpoint(base, path string, socket bool) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "room server %q", base)
	}
	switch {
	case socket && u.Scheme == "http":
		u.Scheme = "ws"
	case socket && u.Scheme == "https":
		u.Scheme = "wss"
	case !socket && u.Scheme == "ws":
		u.Scheme = "http"
	case !socket && u.Scheme == "wss":
		u.Scheme = "https"
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("room server %q: need scheme and host", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u, nil
}
