package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

var (
	selfUser = User{ID: 1, Username: "alice"}
	peerUser = User{ID: 2, Username: "bob"}
)

var errConnLost = errors.New("connection lost")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scriptable in-memory connection. Frames queued with push
// come back from Read in order, writes are recorded, and drop simulates
// the server killing the socket.
type fakeConn struct {
	frames chan []byte
	dead   chan struct{}
	die    sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 32),
		dead:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.MessageText, f, nil
	case <-c.dead:
		return 0, nil, errConnLost
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.die.Do(func() { close(c.dead) })
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

// push queues an inbound frame.
func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

// drop kills the connection from the server side.
func (c *fakeConn) drop() {
	c.die.Do(func() { close(c.dead) })
}

// sentFrames returns the recorded writes whose "type" field matches typ.
func (c *fakeConn) sentFrames(typ string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, w := range c.writes {
		if gjson.GetBytes(w, "type").Str == typ {
			out = append(out, append([]byte(nil), w...))
		}
	}
	return out
}

// fakeAPI is an in-memory RoomAPI. A gate registered for a room makes
// its bulk load block until the gate channel is closed.
type fakeAPI struct {
	mu      sync.Mutex
	history map[int64][]Message
	gates   map[int64]chan struct{}
	loadErr error
	sendErr error
	markErr error
	nextID  int64
	marked  []int64
	loads   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[int64][]Message),
		gates:   make(map[int64]chan struct{}),
		nextID:  1000,
	}
}

func (a *fakeAPI) Messages(ctx context.Context, _ string, roomID int64) ([]Message, error) {
	a.mu.Lock()
	gate := a.gates[roomID]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loads++
	if a.loadErr != nil {
		return nil, a.loadErr
	}
	return append([]Message(nil), a.history[roomID]...), nil
}

func (a *fakeAPI) SendMessage(_ context.Context, _ string, roomID int64, text string) (Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return Message{}, a.sendErr
	}
	a.nextID++
	m := Message{
		ID:        a.nextID,
		Room:      roomID,
		Sender:    selfUser,
		Text:      text,
		Timestamp: time.Now(),
	}
	a.history[roomID] = append(a.history[roomID], m)
	return m, nil
}

func (a *fakeAPI) MarkRoomRead(_ context.Context, _ string, roomID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markErr != nil {
		return a.markErr
	}
	a.marked = append(a.marked, roomID)
	return nil
}

func (a *fakeAPI) seed(roomID int64, msgs ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[roomID] = append(a.history[roomID], msgs...)
}

func (a *fakeAPI) markedRooms() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.marked...)
}

// syncRig wires a RoomSync to a fake API and fake connections, recording
// every view and typing callback it emits.
type syncRig struct {
	mgr  *Manager
	api  *fakeAPI
	sync *RoomSync

	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	views   [][]Message
	typings [][]string
}

func newSyncRig(t *testing.T) *syncRig {
	t.Helper()

	r := &syncRig{api: newFakeAPI()}
	r.mgr = NewManager("wss://chat.test", discardLogger())
	r.mgr.dial = func(context.Context, string) (wsConn, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.dialErr != nil {
			return nil, r.dialErr
		}
		c := newFakeConn()
		r.conns = append(r.conns, c)
		return c, nil
	}
	r.sync = NewRoomSync(RoomSyncConfig{
		Manager: r.mgr,
		API:     r.api,
		Tokens:  StaticToken("tok"),
		Self:    selfUser,
		OnMessages: func(ms []Message) {
			r.mu.Lock()
			r.views = append(r.views, ms)
			r.mu.Unlock()
		},
		OnTyping: func(us []string) {
			r.mu.Lock()
			r.typings = append(r.typings, us)
			r.mu.Unlock()
		},
	}, discardLogger())

	t.Cleanup(r.sync.Close)
	return r
}

func (r *syncRig) setDialErr(err error) {
	r.mu.Lock()
	r.dialErr = err
	r.mu.Unlock()
}

// conn returns the most recently dialed connection.
func (r *syncRig) conn() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func (r *syncRig) dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// view returns the most recently emitted message view.
func (r *syncRig) view() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return nil
	}
	return r.views[len(r.views)-1]
}

// lastTyping returns the most recently emitted typing set.
func (r *syncRig) lastTyping() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.typings) == 0 {
		return nil
	}
	return r.typings[len(r.typings)-1]
}

func msgAt(id int64, sender User, text string, ts time.Time) Message {
	return Message{ID: id, Room: 1, Sender: sender, Text: text, Timestamp: ts}
}

func messageFrame(id int64, sender User, text string) string {
	f := MessageFrame{
		Type: frameChatMessage,
		Message: Message{
			ID:        id,
			Room:      1,
			Sender:    sender,
			Text:      text,
			Timestamp: time.Now(),
		},
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func typingFrame(u User, isTyping bool) string {
	f := TypingFrame{Type: frameTyping, UserID: u.ID, Username: u.Username, IsTyping: isTyping}
	b, _ := json.Marshal(f)
	return string(b)
}

func receiptFrame(messageID int64, u User) string {
	f := ReadReceiptFrame{Type: frameReadReceipt, MessageID: messageID, UserID: u.ID, Username: u.Username}
	b, _ := json.Marshal(f)
	return string(b)
}

// texts projects a view onto its message texts, in order.
func texts(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
