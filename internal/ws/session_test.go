package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"roomrelay/internal/app"
	"roomrelay/pkg/protocol"
)

func TestSession_JoinUnknownRoom(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	c, ft := newTestConn("u1", "4821")
	s := NewSession(reg, c, app.DiscardLogger())

	err := s.Open(context.Background())

	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []protocol.Envelope{{Type: protocol.KindError, Message: "room not found"}}, ft.written(t))
	assert.True(t, ft.isClosed())
	assert.Equal(t, websocket.StatusPolicyViolation, ft.status)
	assert.Empty(t, drain(t, c), "nothing queued for a rejected connection")
}

func TestSession_RoomFull(t *testing.T) {
	const capacity = 3
	reg, _ := newTestRegistry(t, RegistryOptions{Capacity: capacity})
	code, _ := reg.Create()

	for i := 0; i < capacity; i++ {
		joinNew(t, reg, fmt.Sprintf("u%d", i), code)
	}

	c, ft := newTestConn("late", code)
	s := NewSession(reg, c, app.DiscardLogger())
	err := s.Open(context.Background())

	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, []protocol.Envelope{{Type: protocol.KindError, Message: "room is full"}}, ft.written(t))
	assert.True(t, ft.isClosed())
	assert.Equal(t, capacity, reg.Get(code).Size())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.m.JoinsRejected.WithLabelValues("full")))
}

func TestSession_CapacityUnderConcurrentJoins(t *testing.T) {
	const capacity = 5
	reg, _ := newTestRegistry(t, RegistryOptions{Capacity: capacity})
	code, _ := reg.Create()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := newTestConn(fmt.Sprintf("u%d", i), code)
			err := NewSession(reg, c, app.DiscardLogger()).Open(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, ErrRoomFull)
				full++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, ok)
	assert.Equal(t, 15, full)
	assert.Equal(t, capacity, reg.Get(code).Size())
}

func TestSession_JoinOrderWithoutHistory(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{Intn: seq(4821)})
	code, _ := reg.Create()

	s, c := joinNew(t, reg, "u1", code)

	assert.Equal(t, StateJoined, s.State())
	got := drain(t, c)
	require.Equal(t, []protocol.Kind{protocol.KindJoined, protocol.KindSystem}, kinds(got))
	assert.Equal(t, "4821", got[0].Code)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, "User u1.. joined", got[1].Message)
}

func TestSession_JoinOrderWithHistory(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()

	a, _ := joinNew(t, reg, "u1", code)
	a.Handle([]byte(`{"type":"chat","message":"one"}`))
	a.Handle([]byte(`{"type":"image","image":"data:image/png;base64,AAAA"}`))

	_, b := joinNew(t, reg, "u2", code)
	got := drain(t, b)

	require.Equal(t, []protocol.Kind{protocol.KindJoined, protocol.KindHistory, protocol.KindSystem}, kinds(got))
	hist := got[1].Messages
	require.Len(t, hist, 2)
	assert.Equal(t, protocol.KindChat, hist[0].Type)
	assert.Equal(t, "one", hist[0].Message)
	assert.Equal(t, "u1", hist[0].UserID)
	assert.Equal(t, protocol.KindImage, hist[1].Type)
	assert.Equal(t, "data:image/png;base64,AAAA", hist[1].Image)
}

func TestSession_HistoryNotDuplicatedForLaterMessages(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()

	a, _ := joinNew(t, reg, "u1", code)
	a.Handle([]byte(`{"type":"chat","message":"before"}`))

	_, b := joinNew(t, reg, "u2", code)
	a.Handle([]byte(`{"type":"chat","message":"after"}`))

	got := drain(t, b)
	require.Equal(t, []protocol.Kind{protocol.KindJoined, protocol.KindHistory, protocol.KindSystem, protocol.KindChat}, kinds(got))
	require.Len(t, got[1].Messages, 1)
	assert.Equal(t, "before", got[1].Messages[0].Message)
	assert.Equal(t, "after", got[3].Message)
}

func TestSession_ChatReachesRoomOnly(t *testing.T) {
	reg, clk := newTestRegistry(t, RegistryOptions{Intn: seq(1, 2)})
	r1, _ := reg.Create()
	r2, _ := reg.Create()

	a, ca := joinNew(t, reg, "u1", r1)
	_, cb := joinNew(t, reg, "u2", r1)
	_, cx := joinNew(t, reg, "u3", r2)
	drain(t, ca)
	drain(t, cb)
	drain(t, cx)

	clk.Advance(time.Second)
	a.Handle([]byte(`{"type":"chat","message":"hi"}`))

	want := protocol.Envelope{Type: protocol.KindChat, Code: r1, UserID: "u1", Message: "hi", TS: clk.Now().UnixMilli()}
	assert.Equal(t, []protocol.Envelope{want}, drain(t, ca), "sender gets its echo")
	assert.Equal(t, []protocol.Envelope{want}, drain(t, cb))
	assert.Empty(t, drain(t, cx), "other rooms see nothing")
	assert.Equal(t, clk.Now(), reg.Get(r1).LastActive())
}

func TestSession_JoinNoticeReachesExistingMembers(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()

	_, ca := joinNew(t, reg, "u1", code)
	drain(t, ca)
	joinNew(t, reg, "0123456789abcdef", code)

	got := drain(t, ca)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindSystem, got[0].Type)
	assert.Equal(t, "User 01234567.. joined", got[0].Message)
}

func TestSession_MalformedFramesAreDropped(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()
	a, ca := joinNew(t, reg, "u1", code)
	_, cb := joinNew(t, reg, "u2", code)
	drain(t, ca)
	drain(t, cb)
	before := reg.Get(code).LastActive()

	for _, f := range []string{
		`not json`,
		`{"type":"chat"}`,
		`{"type":"chat","message":""}`,
		`{"type":"image","image":""}`,
		`{"type":"shout","message":"x"}`,
		`{"type":"system","message":"spoofed"}`,
		``,
	} {
		a.Handle([]byte(f))
	}

	assert.Empty(t, drain(t, ca), "no error reply")
	assert.Empty(t, drain(t, cb), "no broadcast")
	assert.Empty(t, reg.Get(code).Messages(), "no log mutation")
	assert.Equal(t, before, reg.Get(code).LastActive())
	assert.Equal(t, StateJoined, a.State())
	assert.Equal(t, 7.0, testutil.ToFloat64(reg.m.FramesMalformed))
}

func TestSession_RepeatJoinIsNoop(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()
	a, ca := joinNew(t, reg, "u1", code)
	_, cb := joinNew(t, reg, "u2", code)
	drain(t, ca)
	drain(t, cb)

	a.Handle(protocol.JoinFrame(code))
	a.Handle([]byte(`{"type":"join"}`))

	assert.Empty(t, drain(t, ca))
	assert.Empty(t, drain(t, cb))
	assert.Equal(t, 2, reg.Get(code).Size())
}

func TestSession_JoinForeignRoomIsRejectedButKeepsSession(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{Intn: seq(1, 2)})
	mine, _ := reg.Create()
	other, _ := reg.Create()
	a, ca := joinNew(t, reg, "u1", mine)
	drain(t, ca)

	a.Handle(protocol.JoinFrame(other))

	assert.Equal(t, []protocol.Envelope{{Type: protocol.KindError, Message: "not a member of this room"}}, drain(t, ca))
	assert.Equal(t, StateJoined, a.State())
	assert.Equal(t, 0, reg.Get(other).Size())
	assert.True(t, ca.Open())
}

func TestSession_CloseRemovesAndAnnounces(t *testing.T) {
	reg, clk := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()
	a, ca := joinNew(t, reg, "u1", code)
	b, cb := joinNew(t, reg, "u2", code)
	drain(t, ca)
	drain(t, cb)

	clk.Advance(time.Minute)
	b.Close()
	b.Close()

	assert.Equal(t, StateClosed, b.State())
	assert.False(t, cb.Open())
	assert.Equal(t, 1, reg.Get(code).Size())
	assert.Equal(t, clk.Now(), reg.Get(code).LastActive())

	got := drain(t, ca)
	require.Len(t, got, 1)
	assert.Equal(t, "User u2.. left", got[0].Message)

	a.Handle([]byte(`{"type":"chat","message":"anyone?"}`))
	assert.Len(t, drain(t, ca), 1)
	assert.Empty(t, drain(t, cb), "closed connection is no longer a target")

	b.Handle([]byte(`{"type":"chat","message":"ghost"}`))
	assert.Len(t, reg.Get(code).Messages(), 1, "closed sessions cannot post")
}

func TestSession_BroadcastSkipsClosingConnections(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()
	a, ca := joinNew(t, reg, "u1", code)
	_, cb := joinNew(t, reg, "u2", code)
	drain(t, ca)
	drain(t, cb)

	// transport closed but the read loop has not unwound through Leave yet
	require.NoError(t, cb.Close(websocket.StatusGoingAway, ""))
	a.Handle([]byte(`{"type":"chat","message":"hi"}`))

	assert.Len(t, drain(t, ca), 1)
	assert.Empty(t, drain(t, cb))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.m.FramesDropped))
}

func TestSession_OrderingUnderConcurrentSenders(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	code, _ := reg.Create()
	a, ca := joinNew(t, reg, "u1", code)
	b, cb := joinNew(t, reg, "u2", code)
	_, cw := joinNew(t, reg, "watcher", code)
	drain(t, ca)
	drain(t, cb)
	drain(t, cw)

	const n = 20
	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				s.Handle(protocol.ChatFrame(fmt.Sprintf("%s-%d", s.conn.UserID(), i)))
			}
		}(s)
	}
	wg.Wait()

	log := reg.Get(code).Messages()
	require.Len(t, log, 2*n)
	for _, c := range []*Conn{ca, cb, cw} {
		got := drain(t, c)
		assert.Equal(t, log, got, "every member sees the log order")
	}
	for i := 1; i < len(log); i++ {
		assert.LessOrEqual(t, log[i-1].TS, log[i].TS)
	}
}
