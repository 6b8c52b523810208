package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"roomrelay/pkg/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotMember    = errors.New("not a member of this room")
)

// Room is a code-keyed broadcast group. Every mutation of the client set,
// the log and lastActive happens under mu, and fan-out happens under the
// same lock so a room's frames go out in acceptance order.
type Room struct {
	code      string
	createdAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	clients    map[*Conn]struct{} // joined connections
	messages   []protocol.Envelope
	sizes      []int // encoded length of each log entry
	logBytes   int
	evicted    bool
}

func newRoom(code string, now time.Time) *Room {
	return &Room{code: code, createdAt: now, lastActive: now, clients: map[*Conn]struct{}{}}
}

func (r *Room) Code() string         { return r.code }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

func (r *Room) LastActive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}

// Size is the number of joined connections
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Messages returns a copy of the replay log
func (r *Room) Messages() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, len(r.messages))
	copy(out, r.messages)
	return out
}

// join admits c: joined frame, history (if any), then the join notice to everyone including c.
// Returns the number of recipients that missed the notice.
func (r *Room) join(c *Conn, now time.Time, capacity int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted {
		return 0, ErrRoomNotFound
	}
	if _, ok := r.clients[c]; ok {
		return 0, nil
	}
	if capacity > 0 && len(r.clients) >= capacity {
		return 0, ErrRoomFull
	}

	r.clients[c] = struct{}{}
	r.lastActive = now

	c.Send(protocol.Encode(protocol.Joined(r.code, c.UserID())))
	if len(r.messages) > 0 {
		c.Send(protocol.Encode(protocol.History(r.messages)))
	}
	return r.broadcast(protocol.System(fmt.Sprintf("User %s.. joined", shortID(c.UserID())), now)), nil
}

// leave removes c and announces it to whoever is left
func (r *Room) leave(c *Conn, now time.Time) (removed bool, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false, 0
	}
	delete(r.clients, c)
	r.lastActive = now
	return true, r.broadcast(protocol.System(fmt.Sprintf("User %s.. left", shortID(c.UserID())), now))
}

// logLimits bounds the replay log by entry count and by the encoded size
// of the history frame. Zero disables either bound.
type logLimits struct {
	entries int
	bytes   int
}

// post stamps e, appends it to the log (trimming the oldest past the limits)
// and fans it out. The clock is read under the lock so log order and ts agree.
func (r *Room) post(e protocol.Envelope, clock func() time.Time, lim logLimits) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := clock()
	e = e.Stamped(now)
	b := protocol.Encode(e)
	r.lastActive = now
	r.messages = append(r.messages, e)
	r.sizes = append(r.sizes, len(b))
	r.logBytes += len(b)
	r.trim(lim)
	return r.send(b)
}

// trim drops the oldest entries until the log fits lim. Caller holds mu.
func (r *Room) trim(lim logLimits) {
	over := 0
	n, payload := len(r.messages), r.logBytes
	for n > 0 && ((lim.entries > 0 && n > lim.entries) ||
		(lim.bytes > 0 && protocol.HistorySize(n, payload) > lim.bytes)) {
		payload -= r.sizes[over]
		over++
		n--
	}
	if over == 0 {
		return
	}
	k := copy(r.messages, r.messages[over:])
	clear(r.messages[k:])
	r.messages = r.messages[:k]
	r.sizes = r.sizes[:copy(r.sizes, r.sizes[over:])]
	r.logBytes = payload
}

// broadcast serializes e once and queues it on every open client.
// Caller holds mu. Returns how many clients were skipped.
func (r *Room) broadcast(e protocol.Envelope) int {
	return r.send(protocol.Encode(e))
}

// send queues b on every client; a client whose queue is full is closed.
// Caller holds mu.
func (r *Room) send(b []byte) int {
	dropped := 0
	for c := range r.clients {
		if !c.Send(b) {
			dropped++
		}
	}
	return dropped
}

// evictIfIdle marks the room evicted when it is empty and inactive since before cutoff
func (r *Room) evictIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 || !r.lastActive.Before(cutoff) {
		return false
	}
	r.evicted = true
	return true
}

// conns snapshots the client set
func (r *Room) conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

func shortID(id string) string {
	const n = 8
	if r := []rune(id); len(r) > n {
		return string(r[:n])
	}
	return id
}
