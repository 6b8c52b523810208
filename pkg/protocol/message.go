package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind is the "type" tag carried by every frame.
type Kind string

const (
	KindJoin    Kind = "join"
	KindChat    Kind = "chat"
	KindImage   Kind = "image"
	KindJoined  Kind = "joined"
	KindHistory Kind = "history"
	KindSystem  Kind = "system"
	KindError   Kind = "error"
)

// ErrMalformed is returned by Decode for frames that do not parse into a known inbound variant.
var ErrMalformed = errors.New("malformed frame")

// Inbound is the closed set of frames a client may send.
type Inbound interface {
	inbound()
}

// Join is a redundant in-band join, acknowledged but never re-applied.
type Join struct {
	Code string
}

// Chat carries a text message.
type Chat struct {
	Message string
}

// Image carries a base64 or data-URL image payload.
type Image struct {
	Image string
}

func (Join) inbound()  {}
func (Chat) inbound()  {}
func (Image) inbound() {}

// Decode parses a client frame. Keys match exactly. Unknown kinds,
// server-only kinds and missing required fields all yield ErrMalformed.
func Decode(b []byte) (Inbound, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, ErrMalformed
	}
	typ, ok := field(raw, "type")
	if !ok {
		return nil, ErrMalformed
	}
	switch Kind(typ) {
	case KindJoin:
		code, ok := field(raw, "code")
		if !ok {
			return nil, ErrMalformed
		}
		return Join{Code: code}, nil
	case KindChat:
		msg, ok := field(raw, "message")
		if !ok || msg == "" {
			return nil, ErrMalformed
		}
		return Chat{Message: msg}, nil
	case KindImage:
		img, ok := field(raw, "image")
		if !ok || img == "" {
			return nil, ErrMalformed
		}
		return Image{Image: img}, nil
	default:
		return nil, ErrMalformed
	}
}

// field reads a string member. Absent or null is "", anything not a string is malformed.
func field(raw map[string]json.RawMessage, key string) (string, bool) {
	v, present := raw[key]
	if !present {
		return "", true
	}
	var s *string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	if s == nil {
		return "", true
	}
	return *s, true
}

// Envelope is the outbound wire shape. Only the fields relevant to Type are set.
type Envelope struct {
	Type     Kind       `json:"type"`
	Code     string     `json:"code,omitempty"`
	UserID   string     `json:"userId,omitempty"`
	Message  string     `json:"message,omitempty"`
	Image    string     `json:"image,omitempty"`
	Messages []Envelope `json:"messages,omitempty"`
	TS       int64      `json:"ts,omitempty"`
}

// Encode marshals an envelope. Envelopes only hold strings and ints so the
// error is always nil in practice.
func Encode(e Envelope) []byte {
	b, _ := json.Marshal(e)
	return b
}

// Millis converts a server time to the wire timestamp.
func Millis(t time.Time) int64 { return t.UnixMilli() }

func Joined(code, userID string) Envelope {
	return Envelope{Type: KindJoined, Code: code, UserID: userID}
}

// History wraps the room log. The slice is copied so later appends to the log never alias it.
func History(log []Envelope) Envelope {
	msgs := make([]Envelope, len(log))
	copy(msgs, log)
	return Envelope{Type: KindHistory, Messages: msgs}
}

func System(msg string, at time.Time) Envelope {
	return Envelope{Type: KindSystem, Message: msg, TS: Millis(at)}
}

func Error(msg string) Envelope {
	return Envelope{Type: KindError, Message: msg}
}

// historyFrame is the encoding of an empty history envelope
var historyFrame = len(Encode(Envelope{Type: KindHistory})) + len(`,"messages":[]`)

// HistorySize is the encoded length of a history frame holding n entries
// whose individual encodings total payload bytes.
func HistorySize(n, payload int) int {
	if n == 0 {
		return historyFrame
	}
	return historyFrame + payload + n - 1
}

// ChatEvent and ImageEvent are unstamped; the room sets TS when it accepts them.
func ChatEvent(code, userID, msg string) Envelope {
	return Envelope{Type: KindChat, Code: code, UserID: userID, Message: msg}
}

func ImageEvent(code, userID, image string) Envelope {
	return Envelope{Type: KindImage, Code: code, UserID: userID, Image: image}
}

// Stamped returns e with the server acceptance time
func (e Envelope) Stamped(at time.Time) Envelope {
	e.TS = Millis(at)
	return e
}

// ChatFrame and ImageFrame build client-side frames.
func ChatFrame(msg string) []byte {
	return Encode(Envelope{Type: KindChat, Message: msg})
}

func ImageFrame(image string) []byte {
	return Encode(Envelope{Type: KindImage, Image: image})
}

func JoinFrame(code string) []byte {
	return Encode(Envelope{Type: KindJoin, Code: code})
}
