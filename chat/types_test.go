package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomTitle_NamedRoom(t *testing.T) {
	r := Room{Name: "general"}
	assert.Equal(t, "general", r.Title())
}

func TestRoomTitle_PrivateRoomJoinsUsernames(t *testing.T) {
	r := Room{Users: []User{{Username: "alice"}, {Username: "bob"}}}
	assert.Equal(t, "alice & bob", r.Title())
}

func TestRoomTitle_EmptyRoom(t *testing.T) {
	assert.Equal(t, "(empty room)", Room{}.Title())
}

func TestMessageConfirmed(t *testing.T) {
	assert.False(t, Message{localID: "x"}.Confirmed())
	assert.True(t, Message{ID: 42}.Confirmed())
}

func TestConnStateStrings(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
}

func TestConnStatusStrings(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "error", StatusError.String())
}
