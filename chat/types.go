package chat

import "time"

// User identifies a chat participant.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Message is a single message in a room. Identity is the server-assigned
// ID; a locally-sent message that has not been acknowledged yet carries
// an empty ID and is tracked by localID until the server echo arrives.
type Message struct {
	ID        int64     `json:"id"`
	Room      int64     `json:"chat_room"`
	Sender    User      `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`

	// localID correlates an optimistic entry with its eventual server
	// echo. Never serialized.
	localID string
}

// Confirmed reports whether the server has assigned this message an id.
// Optimistic entries from a local send are unconfirmed until their echo
// arrives.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// Room is a chat room record from the REST API.
type Room struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	IsGroup     bool     `json:"is_group"`
	Users       []User   `json:"users"`
	LastMessage *Message `json:"last_message"`
	UnreadCount int      `json:"unread_count"`
}

// Title returns a printable room name. Private rooms have no name on the
// server, so the participant usernames are joined instead.
func (r Room) Title() string {
	if r.Name != "" {
		return r.Name
	}
	names := make([]string, 0, len(r.Users))
	for _, u := range r.Users {
		names = append(names, u.Username)
	}
	if len(names) == 0 {
		return "(empty room)"
	}
	return joinNames(names)
}

func joinNames(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += " & " + n
	}
	return out
}

// Wire frame discriminants. The server tags every text frame with a
// "type" field from this set.
const (
	frameChatMessage = "chat_message"
	frameTyping      = "typing"
	frameReadReceipt = "read_receipt"
	frameConnected   = "connection_established"
)

// MessageFrame is an inbound chat_message frame carrying a full
// serialized message.
type MessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// OutboundMessageFrame is the client-to-server chat_message frame. The
// server assigns the id and echoes the stored message back to the room.
type OutboundMessageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TypingFrame carries a typing indicator. UserID and Username are only
// present on inbound frames; outbound frames identify the sender by the
// connection's credential.
type TypingFrame struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptFrame marks a message as read. Outbound frames set only
// MessageID; inbound frames also carry the reader's identity.
type ReadReceiptFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// ConnectedFrame is the server's acknowledgement after accepting and
// authenticating the socket.
type ConnectedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ConnState is the lifecycle state of the push connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnStatus is the coarse status tag delivered to status subscribers.
type ConnStatus int

const (
	StatusConnected ConnStatus = iota
	StatusDisconnected
	StatusError
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusUpdate is delivered to status subscribers on every connection
// state transition.
type StatusUpdate struct {
	Status ConnStatus
	State  ConnState
}

// LoginRequest is the payload for POST /api/auth/login/.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /api/auth/login/.
type LoginResponse struct {
	Token string `json:"token"`
}
