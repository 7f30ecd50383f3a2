package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// reconnectDelay is the fixed wait between reconnection attempts.
	reconnectDelay = 3 * time.Second

	// maxReconnectAttempts bounds automatic reconnection. Once exhausted
	// the manager stays Closed until something external reconnects it.
	maxReconnectAttempts = 5

	// readLimit caps inbound frame size. Chat frames are small; anything
	// near this limit is a protocol violation.
	readLimit = 1 << 20
)

// wsConn is the subset of *websocket.Conn the manager uses. Narrowed to
// an interface so tests can substitute a mock connection.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a push connection to the given URL.
type dialFunc func(ctx context.Context, u string) (wsConn, error)

func defaultDial(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscription is the capability returned by the Subscribe methods. Only
// the holder can remove the listener it was returned for; cancelling is
// idempotent and independent of every other subscription.
type Subscription struct {
	once   sync.Once
	remove func()
}

// Cancel removes the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.remove)
}

// Manager owns a single push connection to a room-scoped endpoint and
// fans decoded events out to per-kind subscriber registries.
//
// Lifecycle: Connect dials and authenticates; a reader goroutine then
// feeds every inbound frame through dispatch, so subscribers observe
// events in wire order. An unexpected close schedules a reconnect with a
// fixed delay, bounded by maxReconnectAttempts. Disconnect is explicit
// teardown: it suppresses reconnection and clears all registries, since
// they are scoped to the room the connection was opened for.
type Manager struct {
	logger *slog.Logger
	wsBase string
	dial   dialFunc

	mu       sync.Mutex
	state    ConnState
	conn     wsConn
	gen      uint64 // connection generation, guards stale reader callbacks
	roomID   int64
	token    string
	baseCtx  context.Context
	explicit bool // Disconnect was called; do not reconnect
	attempts int

	readCancel     context.CancelFunc
	reconnectTimer *time.Timer

	nextSubID   uint64
	msgSubs     map[uint64]func(Message)
	typingSubs  map[uint64]func(TypingFrame)
	receiptSubs map[uint64]func(ReadReceiptFrame)
	statusSubs  map[uint64]func(StatusUpdate)
}

// NewManager creates a Manager that dials against wsBase, e.g.
// "wss://chat.example.com".
func NewManager(wsBase string, logger *slog.Logger) *Manager {
	return &Manager{
		logger:      logger,
		wsBase:      strings.TrimRight(wsBase, "/"),
		dial:        defaultDial,
		state:       StateIdle,
		msgSubs:     make(map[uint64]func(Message)),
		typingSubs:  make(map[uint64]func(TypingFrame)),
		receiptSubs: make(map[uint64]func(ReadReceiptFrame)),
		statusSubs:  make(map[uint64]func(StatusUpdate)),
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) endpoint(roomID int64, token string) string {
	return fmt.Sprintf("%s/ws/chat/%d/?token=%s", m.wsBase, roomID, url.QueryEscape(token))
}

// Connect opens a push connection for the given room. Any previous
// connection is torn down first. An empty token or non-positive room id
// makes the call a no-op that leaves state unchanged: an unauthenticated
// client cannot connect, which is not an error worth surfacing.
//
// On dial failure the error is returned and a reconnect is scheduled,
// subject to the attempt ceiling. ctx is retained for reconnect dials.
func (m *Manager) Connect(ctx context.Context, roomID int64, token string) error {
	if roomID <= 0 || token == "" {
		m.logger.Debug("connect skipped, missing room or token",
			slog.Int64("room", roomID),
		)
		return nil
	}

	m.mu.Lock()
	m.teardownLocked()
	m.baseCtx = ctx
	m.roomID = roomID
	m.token = token
	m.explicit = false
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	dial := m.dial
	endpoint := m.endpoint(roomID, token)
	m.mu.Unlock()

	conn, err := dial(ctx, endpoint)

	m.mu.Lock()
	if m.gen != gen || m.explicit {
		// Superseded by a newer Connect or an explicit Disconnect while
		// we were dialing.
		m.mu.Unlock()
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return nil
	}
	if err != nil {
		m.state = StateClosed
		m.mu.Unlock()
		m.logger.Warn("connect failed",
			slog.Int64("room", roomID),
			slog.String("error", err.Error()),
		)
		m.notifyStatus(StatusError)
		m.scheduleReconnect()
		return fmt.Errorf("dialing push endpoint: %w", err)
	}

	conn.SetReadLimit(readLimit)
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	readCtx, cancel := context.WithCancel(ctx)
	m.readCancel = cancel
	m.mu.Unlock()

	m.logger.Info("push channel open", slog.Int64("room", roomID))
	m.notifyStatus(StatusConnected)

	go m.readLoop(readCtx, conn, gen)
	return nil
}

// Disconnect closes any live connection and clears every subscription.
// The registries are scoped to the room the connection served; clearing
// them here prevents listeners from a previous room receiving events for
// the next one. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	m.gen++
	m.stopReconnectLocked()
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	conn := m.conn
	m.conn = nil
	wasClosed := m.state == StateClosed
	if conn != nil {
		m.state = StateClosing
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	if !wasClosed {
		m.notifyStatus(StatusDisconnected)
	}

	// Clear in place: the registry maps are allocated once and shared
	// with subscription cancel closures.
	m.mu.Lock()
	clear(m.msgSubs)
	clear(m.typingSubs)
	clear(m.receiptSubs)
	clear(m.statusSubs)
	m.mu.Unlock()
}

// teardownLocked silently closes the current connection without touching
// subscriptions or scheduling a reconnect. Caller holds mu.
func (m *Manager) teardownLocked() {
	m.stopReconnectLocked()
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	if m.conn != nil {
		m.conn.Close(websocket.StatusNormalClosure, "replaced")
		m.conn = nil
	}
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// Send serializes frame and transmits it as a text frame. Returns true
// only when the connection is Open and the write succeeded; callers must
// fall back to the request/response path otherwise.
func (m *Manager) Send(ctx context.Context, frame any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen && conn != nil
	m.mu.Unlock()
	if !open {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("marshalling outbound frame", slog.String("error", err.Error()))
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		// The reader goroutine will observe the dead connection and
		// drive the reconnect; the caller only needs the failure.
		m.logger.Warn("writing frame", slog.String("error", err.Error()))
		return false
	}
	return true
}

// SubscribeMessages registers a listener for chat_message events.
func (m *Manager) SubscribeMessages(fn func(Message)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.msgSubs[id] = fn
	return &Subscription{remove: func() {
		m.mu.Lock()
		delete(m.msgSubs, id)
		m.mu.Unlock()
	}}
}

// SubscribeTyping registers a listener for typing events.
func (m *Manager) SubscribeTyping(fn func(TypingFrame)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.typingSubs[id] = fn
	return &Subscription{remove: func() {
		m.mu.Lock()
		delete(m.typingSubs, id)
		m.mu.Unlock()
	}}
}

// SubscribeReadReceipts registers a listener for read_receipt events.
func (m *Manager) SubscribeReadReceipts(fn func(ReadReceiptFrame)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.receiptSubs[id] = fn
	return &Subscription{remove: func() {
		m.mu.Lock()
		delete(m.receiptSubs, id)
		m.mu.Unlock()
	}}
}

// SubscribeStatus registers a listener for connection status changes.
func (m *Manager) SubscribeStatus(fn func(StatusUpdate)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.statusSubs[id] = fn
	return &Subscription{remove: func() {
		m.mu.Lock()
		delete(m.statusSubs, id)
		m.mu.Unlock()
	}}
}

// readLoop reads frames until the connection dies or readCtx is
// cancelled by teardown. Dispatch runs inline so subscribers see events
// in the order they arrived on the wire.
func (m *Manager) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // explicit teardown
			}
			m.handleReadError(gen, err)
			return
		}
		if typ != websocket.MessageText {
			m.logger.Debug("dropping non-text frame", slog.Int("bytes", len(data)))
			continue
		}
		m.dispatch(data)
	}
}

// handleReadError reacts to an unexpected close: transition to Closed,
// notify status subscribers, and schedule a bounded reconnect.
func (m *Manager) handleReadError(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.explicit {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateClosed
	room := m.roomID
	m.mu.Unlock()

	m.logger.Warn("push channel lost",
		slog.Int64("room", room),
		slog.String("error", err.Error()),
	)
	m.notifyStatus(StatusDisconnected)
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless the attempt ceiling
// is reached or teardown was explicit. Past the ceiling the manager goes
// quiet: recovery then requires an external re-trigger, such as the user
// re-selecting the room.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.explicit {
		m.mu.Unlock()
		return
	}
	if m.attempts >= maxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Warn("reconnect attempts exhausted", slog.Int("attempts", maxReconnectAttempts))
		return
	}
	m.attempts++
	attempt := m.attempts
	ctx := m.baseCtx
	roomID := m.roomID
	token := m.token
	m.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
		m.logger.Info("reconnecting",
			slog.Int64("room", roomID),
			slog.Int("attempt", attempt),
		)
		m.Connect(ctx, roomID, token)
	})
	m.mu.Unlock()
}

// dispatch decodes one inbound frame and fans it out to the matching
// registry. Malformed payloads are dropped and logged; unrecognized
// types are logged and ignored. Neither can crash the manager, and a
// panicking listener cannot prevent the remaining listeners from being
// notified.
func (m *Manager) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		m.logger.Warn("dropping malformed frame", slog.Int("bytes", len(data)))
		return
	}

	switch gjson.GetBytes(data, "type").Str {
	case frameChatMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("dropping undecodable chat_message", slog.String("error", err.Error()))
			return
		}
		for _, fn := range snapshotSubs(m, m.msgSubs) {
			m.invoke(func() { fn(f.Message) })
		}

	case frameTyping:
		var f TypingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("dropping undecodable typing frame", slog.String("error", err.Error()))
			return
		}
		for _, fn := range snapshotSubs(m, m.typingSubs) {
			m.invoke(func() { fn(f) })
		}

	case frameReadReceipt:
		var f ReadReceiptFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("dropping undecodable read_receipt", slog.String("error", err.Error()))
			return
		}
		for _, fn := range snapshotSubs(m, m.receiptSubs) {
			m.invoke(func() { fn(f) })
		}

	case frameConnected:
		var f ConnectedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("dropping undecodable connection ack", slog.String("error", err.Error()))
			return
		}
		m.logger.Debug("connection acknowledged", slog.String("message", f.Message))

	default:
		m.logger.Debug("ignoring unrecognized frame type",
			slog.String("type", gjson.GetBytes(data, "type").Str),
		)
	}
}

func (m *Manager) notifyStatus(st ConnStatus) {
	update := StatusUpdate{Status: st, State: m.State()}
	for _, fn := range snapshotSubs(m, m.statusSubs) {
		m.invoke(func() { fn(update) })
	}
}

// invoke runs a listener with panic isolation.
func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// snapshotSubs copies a registry's listeners under the manager lock so
// fan-out happens without holding it. Order is by subscription id, which
// keeps delivery deterministic without making it a priority.
func snapshotSubs[T any](m *Manager, reg map[uint64]func(T)) []func(T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, reg[id])
	}
	return fns
}
