package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	// typingStopAfter is how long after the last keystroke the local
	// typing burst is considered over and a stop signal is sent.
	typingStopAfter = 3 * time.Second

	// typingExpiry drops a remote typing indicator whose stop signal
	// never arrived (peer crashed, frame lost).
	typingExpiry = 10 * time.Second

	// pollInterval is the degraded-mode reload cadence used while the
	// push channel is down.
	pollInterval = 3 * time.Second
)

// RoomAPI is the request/response collaborator: bulk loads, the HTTP
// send fallback, and best-effort room read marking.
type RoomAPI interface {
	Messages(ctx context.Context, token string, roomID int64) ([]Message, error)
	SendMessage(ctx context.Context, token string, roomID int64, text string) (Message, error)
	MarkRoomRead(ctx context.Context, token string, roomID int64) error
}

// TokenSource supplies the current bearer token. An empty token means
// unauthenticated; the Manager treats that as "cannot connect".
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource for a token that never rotates.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// remoteTyping tracks one peer's typing indicator and its expiry timer.
type remoteTyping struct {
	username string
	expire   *time.Timer
}

// RoomSyncConfig wires a RoomSync to its collaborators.
type RoomSyncConfig struct {
	Manager *Manager
	API     RoomAPI
	Tokens  TokenSource
	Self    User

	// OnMessages receives the reconciled view after every change.
	// OnTyping receives the usernames currently typing. Both are
	// invoked without internal locks held and may be nil.
	OnMessages func([]Message)
	OnTyping   func([]string)
}

// RoomSync keeps one authoritative, duplicate-free view of the active
// room's messages, merging three write paths: the initial bulk load,
// live push arrivals, and locally-issued sends. It also derives the
// ephemeral typing set and read flags, none of which survive a room
// switch.
//
// All state is scoped to the currently active room. Activate tears the
// previous room down completely before touching the new one, and every
// asynchronous completion (bulk load, HTTP send, timer) is tagged with
// the epoch it started under so stale results are discarded instead of
// applied.
type RoomSync struct {
	mgr    *Manager
	api    RoomAPI
	tokens TokenSource
	self   User
	logger *slog.Logger

	onMessages func([]Message)
	onTyping   func([]string)

	mu        sync.Mutex
	epoch     int
	roomID    int64
	ctx       context.Context
	byID      map[int64]Message
	pending   []Message
	receipted map[int64]struct{}
	typing    map[int64]*remoteTyping
	subs      []*Subscription

	localTyping bool
	typingStop  *time.Timer
	pollCancel  context.CancelFunc
}

// NewRoomSync creates a synchronizer bound to the given manager and
// collaborators. No room is active until Activate is called.
func NewRoomSync(cfg RoomSyncConfig, logger *slog.Logger) *RoomSync {
	return &RoomSync{
		mgr:        cfg.Manager,
		api:        cfg.API,
		tokens:     cfg.Tokens,
		self:       cfg.Self,
		logger:     logger,
		onMessages: cfg.OnMessages,
		onTyping:   cfg.OnTyping,
		byID:       make(map[int64]Message),
		receipted:  make(map[int64]struct{}),
		typing:     make(map[int64]*remoteTyping),
	}
}

// Room returns the currently active room id, or 0.
func (s *RoomSync) Room() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Activate switches the synchronizer to roomID. Teardown of the old
// room happens strictly before the new room is touched: subscriptions
// are cancelled, ephemeral state and timers discarded, and only then is
// the bulk load issued and a fresh connection opened. A bulk load still
// in flight for the old room resolves against a stale epoch and is
// discarded.
func (s *RoomSync) Activate(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("invalid room id %d", roomID)
	}

	subs := s.beginEpoch(ctx, roomID)
	for _, sub := range subs {
		sub.Cancel()
	}
	s.mgr.Disconnect()

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	token := s.tokens.Token()

	msgs, err := s.api.Messages(ctx, token, roomID)
	if err != nil {
		s.logger.Warn("bulk load failed",
			slog.Int64("room", roomID),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil // switched away while loading
	}
	for _, m := range msgs {
		s.byID[m.ID] = m
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notifyMessages(snap)

	// Opening a room marks its history read on the server. Best effort:
	// a failure costs an unread badge, not the conversation.
	if err := s.api.MarkRoomRead(ctx, token, roomID); err != nil {
		s.logger.Debug("mark room read failed",
			slog.Int64("room", roomID),
			slog.String("error", err.Error()),
		)
	}

	newSubs := []*Subscription{
		s.mgr.SubscribeMessages(func(m Message) { s.handleMessage(epoch, m) }),
		s.mgr.SubscribeTyping(func(f TypingFrame) { s.handleTyping(epoch, f) }),
		s.mgr.SubscribeReadReceipts(func(f ReadReceiptFrame) { s.handleReceipt(epoch, f) }),
		s.mgr.SubscribeStatus(func(u StatusUpdate) { s.handleStatus(epoch, u) }),
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		for _, sub := range newSubs {
			sub.Cancel()
		}
		return nil
	}
	s.subs = newSubs
	s.mu.Unlock()

	if err := s.mgr.Connect(ctx, roomID, token); err != nil {
		// Push delivery could not be established; degrade to polling
		// until a reconnect attempt lands.
		s.startPolling(epoch)
	}
	return nil
}

// Close deactivates the current room and disconnects the push channel.
func (s *RoomSync) Close() {
	subs := s.beginEpoch(context.Background(), 0)
	for _, sub := range subs {
		sub.Cancel()
	}
	s.mgr.Disconnect()
}

// beginEpoch discards all room-scoped state under the lock and returns
// the old subscriptions for the caller to cancel outside it.
func (s *RoomSync) beginEpoch(ctx context.Context, roomID int64) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs
	s.subs = nil

	for _, t := range s.typing {
		t.expire.Stop()
	}
	s.typing = make(map[int64]*remoteTyping)
	if s.typingStop != nil {
		s.typingStop.Stop()
		s.typingStop = nil
	}
	s.localTyping = false
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}

	s.epoch++
	s.roomID = roomID
	s.ctx = ctx
	s.byID = make(map[int64]Message)
	s.pending = nil
	s.receipted = make(map[int64]struct{})

	return subs
}

// handleMessage merges a push arrival into the view. A known id is a
// replay or update and replaces the stored entry; a new id is inserted.
// Receiving someone else's message triggers a single read_receipt frame
// per distinct id, no matter how many times the id is delivered.
func (s *RoomSync) handleMessage(epoch int, msg Message) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if _, existed := s.byID[msg.ID]; !existed && msg.Sender.ID == s.self.ID {
		// Server echo of one of our own sends: the optimistic entry it
		// confirms is retired now that the message has a real id.
		s.dropPendingByTextLocked(msg.Text)
	}
	s.byID[msg.ID] = msg

	needReceipt := false
	if msg.Sender.ID != s.self.ID {
		if _, done := s.receipted[msg.ID]; !done {
			needReceipt = true
		}
	}
	ctx := s.ctx
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if needReceipt {
		if s.mgr.Send(ctx, ReadReceiptFrame{Type: frameReadReceipt, MessageID: msg.ID}) {
			s.mu.Lock()
			if s.epoch == epoch {
				s.receipted[msg.ID] = struct{}{}
			}
			s.mu.Unlock()
		}
	}
	s.notifyMessages(snap)
}

// handleReceipt flips the read flag on an existing message. A receipt
// for an unknown id never inserts anything.
func (s *RoomSync) handleReceipt(epoch int, f ReadReceiptFrame) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	msg, ok := s.byID[f.MessageID]
	if !ok || msg.IsRead {
		s.mu.Unlock()
		return
	}
	msg.IsRead = true
	s.byID[f.MessageID] = msg
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notifyMessages(snap)
}

// handleTyping maintains the remote typing set. Entries leave on an
// explicit stop signal or when the inactivity timer fires.
func (s *RoomSync) handleTyping(epoch int, f TypingFrame) {
	if f.UserID == s.self.ID {
		return
	}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if f.IsTyping {
		if prev, ok := s.typing[f.UserID]; ok {
			prev.expire.Stop()
		}
		uid := f.UserID
		s.typing[uid] = &remoteTyping{
			username: f.Username,
			expire:   time.AfterFunc(typingExpiry, func() { s.expireTyping(epoch, uid) }),
		}
	} else {
		if prev, ok := s.typing[f.UserID]; ok {
			prev.expire.Stop()
			delete(s.typing, f.UserID)
		}
	}
	names := s.typingUsersLocked()
	s.mu.Unlock()
	s.notifyTyping(names)
}

func (s *RoomSync) expireTyping(epoch int, userID int64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if _, ok := s.typing[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.typing, userID)
	names := s.typingUsersLocked()
	s.mu.Unlock()
	s.notifyTyping(names)
}

// handleStatus keeps fallback polling mutually exclusive with an open
// push channel.
func (s *RoomSync) handleStatus(epoch int, u StatusUpdate) {
	switch u.Status {
	case StatusConnected:
		s.stopPolling(epoch)
	case StatusDisconnected, StatusError:
		s.startPolling(epoch)
	}
}

// SendText sends a message to the active room. The push channel is
// tried first; when it is not open the HTTP collaborator is used. The
// message appears in the view immediately as an optimistic entry and is
// reconciled against the server-confirmed record, whichever path
// delivers it, so the same server id never appears twice. An HTTP
// failure removes the optimistic entry and is returned to the caller as
// a retryable error.
func (s *RoomSync) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return nil
	}

	// Sending ends the current typing burst.
	s.endTypingBurst(ctx)

	s.mu.Lock()
	epoch := s.epoch
	roomID := s.roomID
	if roomID <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("no active room")
	}
	opt := Message{
		localID:   uuid.NewString(),
		Room:      roomID,
		Sender:    s.self,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.pending = append(s.pending, opt)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notifyMessages(snap)

	if s.mgr.Send(ctx, OutboundMessageFrame{Type: frameChatMessage, Message: text}) {
		// The room-wide echo will arrive as a push and retire the
		// optimistic entry.
		return nil
	}

	msg, err := s.api.SendMessage(ctx, s.tokens.Token(), roomID, text)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil // room switched; the result no longer applies
	}
	s.dropPendingByLocalIDLocked(opt.localID)
	if err == nil {
		s.byID[msg.ID] = msg
	}
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.notifyMessages(snap)

	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// NotifyTyping records a local keystroke. The first keystroke of a
// burst sends a single start signal; each subsequent one only resets
// the stop timer, so a burst costs exactly one start and one stop frame.
func (s *RoomSync) NotifyTyping(ctx context.Context) {
	s.mu.Lock()
	epoch := s.epoch
	first := !s.localTyping
	s.localTyping = true
	if s.typingStop != nil {
		s.typingStop.Stop()
	}
	s.typingStop = time.AfterFunc(typingStopAfter, func() { s.typingIdle(epoch) })
	s.mu.Unlock()

	if first {
		s.mgr.Send(ctx, TypingFrame{Type: frameTyping, IsTyping: true})
	}
}

func (s *RoomSync) typingIdle(epoch int) {
	s.mu.Lock()
	if s.epoch != epoch || !s.localTyping {
		s.mu.Unlock()
		return
	}
	s.localTyping = false
	s.typingStop = nil
	ctx := s.ctx
	s.mu.Unlock()

	s.mgr.Send(ctx, TypingFrame{Type: frameTyping, IsTyping: false})
}

func (s *RoomSync) endTypingBurst(ctx context.Context) {
	s.mu.Lock()
	if !s.localTyping {
		s.mu.Unlock()
		return
	}
	s.localTyping = false
	if s.typingStop != nil {
		s.typingStop.Stop()
		s.typingStop = nil
	}
	s.mu.Unlock()

	s.mgr.Send(ctx, TypingFrame{Type: frameTyping, IsTyping: false})
}

// startPolling begins degraded-mode reloads. No-op while polling is
// already running or the epoch is stale.
func (s *RoomSync) startPolling(epoch int) {
	s.mu.Lock()
	if s.epoch != epoch || s.pollCancel != nil || s.roomID <= 0 {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pollCancel = cancel
	roomID := s.roomID
	s.mu.Unlock()

	s.logger.Info("push channel down, polling", slog.Int64("room", roomID))
	go s.pollLoop(ctx, epoch, roomID)
}

func (s *RoomSync) stopPolling(epoch int) {
	s.mu.Lock()
	if s.epoch == epoch && s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	s.mu.Unlock()
}

// pollLoop re-issues the bulk load on a fixed cadence and replaces the
// confirmed view wholesale, which subsumes dedup at the cost of latency.
// Optimistic entries are kept alongside until their echo arrives.
func (s *RoomSync) pollLoop(ctx context.Context, epoch int, roomID int64) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.mgr.State() == StateOpen {
			// The push channel came back; the status handler is about
			// to cancel us.
			continue
		}

		msgs, err := s.api.Messages(ctx, s.tokens.Token(), roomID)
		if err != nil {
			s.logger.Debug("poll failed",
				slog.Int64("room", roomID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		s.byID = make(map[int64]Message, len(msgs))
		for _, m := range msgs {
			s.byID[m.ID] = m
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notifyMessages(snap)
	}
}

// Snapshot returns the reconciled view: confirmed messages merged with
// optimistic pending entries, ordered by timestamp.
func (s *RoomSync) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// TypingUsers returns the usernames currently typing, sorted.
func (s *RoomSync) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingUsersLocked()
}

// UnreadCount returns how many confirmed messages from other senders
// are still unread.
func (s *RoomSync) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byID {
		if !m.IsRead && m.Sender.ID != s.self.ID {
			n++
		}
	}
	return n
}

func (s *RoomSync) snapshotLocked() []Message {
	out := make([]Message, 0, len(s.byID)+len(s.pending))
	for _, m := range s.byID {
		out = append(out, m)
	}
	out = append(out, s.pending...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *RoomSync) typingUsersLocked() []string {
	names := make([]string, 0, len(s.typing))
	for _, t := range s.typing {
		names = append(names, t.username)
	}
	sort.Strings(names)
	return names
}

func (s *RoomSync) dropPendingByTextLocked(text string) {
	for i, p := range s.pending {
		if p.Text == text {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *RoomSync) dropPendingByLocalIDLocked(localID string) {
	for i, p := range s.pending {
		if p.localID == localID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *RoomSync) notifyMessages(view []Message) {
	if s.onMessages != nil {
		s.onMessages(view)
	}
}

func (s *RoomSync) notifyTyping(users []string) {
	if s.onTyping != nil {
		s.onTyping(users)
	}
}
