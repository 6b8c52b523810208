package ws

import (
	"context"
	"errors"
	"log/slog"

	"nhooyr.io/websocket"

	"roomrelay/pkg/protocol"
)

type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session drives one connection through Connecting -> Joined -> Closed.
// Not safe for concurrent use; the connection's read loop owns it.
type Session struct {
	reg   *Registry
	conn  *Conn
	room  *Room
	state State
	log   *slog.Logger
}

func NewSession(reg *Registry, c *Conn, logger *slog.Logger) *Session {
	return &Session{
		reg:  reg,
		conn: c,
		log:  logger.With("code", c.Code(), "user", c.UserID()),
	}
}

func (s *Session) State() State { return s.state }
func (s *Session) Room() *Room  { return s.room }

// Open joins the connection's room. On not-found or full it writes a
// single error frame, closes the transport and returns the cause.
func (s *Session) Open(ctx context.Context) error {
	if s.state != StateConnecting {
		return nil
	}
	rm, err := s.reg.Join(s.conn.Code(), s.conn)
	if err != nil {
		s.state = StateClosed
		s.log.Info("ws.join.rejected", "err", err)
		_ = s.conn.Reject(ctx, protocol.Encode(protocol.Error(err.Error())), err.Error())
		return err
	}
	s.room = rm
	s.state = StateJoined
	s.log.Info("ws.join")
	return nil
}

// Handle routes one inbound frame. Malformed frames are dropped silently.
func (s *Session) Handle(frame []byte) {
	if s.state != StateJoined {
		return
	}
	in, err := protocol.Decode(frame)
	if err != nil {
		s.reg.m.FramesMalformed.Inc()
		s.log.Debug("ws.frame.dropped", "bytes", len(frame))
		return
	}

	switch m := in.(type) {
	case protocol.Join:
		if m.Code != "" && m.Code != s.conn.Code() {
			s.log.Info("ws.join.foreign", "requested", m.Code)
			s.conn.Send(protocol.Encode(protocol.Error(ErrNotMember.Error())))
			return
		}
		s.log.Debug("ws.join.repeat")
	case protocol.Chat:
		s.reg.Post(s.room, protocol.ChatEvent(s.conn.Code(), s.conn.UserID(), m.Message))
	case protocol.Image:
		s.reg.Post(s.room, protocol.ImageEvent(s.conn.Code(), s.conn.UserID(), m.Image))
	}
}

// Close leaves the room and closes the transport. Safe to call more than once.
func (s *Session) Close() {
	if s.state == StateJoined {
		s.reg.Leave(s.room, s.conn)
		s.log.Info("ws.leave")
	}
	s.state = StateClosed
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

// IsRejection reports whether err came from a refused join
func IsRejection(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrRoomFull)
}
