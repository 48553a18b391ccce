package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func newTestClient(h *Hub, id, ns string) *Client {
	return NewClient(id, ns, middleware.Identity{UserID: "user-" + id}, h, nil, DefaultConfig())
}

func recv(t *testing.T, c *Client) domain.Frame {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		var f domain.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return domain.Frame{}
	}
}

func TestBroadcastReachesRoomMembersExceptSender(t *testing.T) {
	h, _ := runHub(t)
	a := newTestClient(h, "a", "messages")
	b := newTestClient(h, "b", "messages")
	other := newTestClient(h, "c", "notifications")
	for _, c := range []*Client{a, b, other} {
		require.True(t, h.Register(c))
		require.True(t, h.JoinRoom(c, "conv-1"))
	}
	assert.Equal(t, 2, h.RoomClientCount("messages", "conv-1"))
	assert.Equal(t, 3, h.ClientCount())

	require.NoError(t, h.BroadcastToRoom("messages", "conv-1", domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "user-a"}, a.ID))

	f := recv(t, b)
	assert.Equal(t, domain.EventTypingStart, f.Event)
	assert.JSONEq(t, `{"conversation_id":"conv-1","user_id":"user-a"}`, string(f.Data))

	assert.Empty(t, a.Send)
	assert.Empty(t, other.Send)
}

func TestBroadcastKeepsRawPayload(t *testing.T) {
	h, _ := runHub(t)
	a := newTestClient(h, "a", "messages")
	require.True(t, h.Register(a))
	require.True(t, h.JoinRoom(a, "conv-1"))

	raw := json.RawMessage(`{"id":"m1","content":"hi"}`)
	require.NoError(t, h.BroadcastToRoom("messages", "conv-1", domain.EventMessageNew, raw, ""))

	f := recv(t, a)
	assert.Equal(t, domain.EventMessageNew, f.Event)
	assert.JSONEq(t, string(raw), string(f.Data))
}

func TestJoinRequiresRegistration(t *testing.T) {
	h, _ := runHub(t)
	a := newTestClient(h, "a", "messages")
	assert.False(t, h.JoinRoom(a, "conv-1"))
	assert.False(t, h.InRoom(a, "conv-1"))
}

func TestUnregisterLeavesEveryRoom(t *testing.T) {
	h, _ := runHub(t)
	a := newTestClient(h, "a", "messages")
	require.True(t, h.Register(a))
	h.JoinRoom(a, "conv-1")
	h.JoinRoom(a, "conv-2")

	h.Unregister(a)

	_, ok := <-a.Send
	assert.False(t, ok)
	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.RoomClientCount("messages", "conv-1"))
	assert.Equal(t, 0, h.RoomClientCount("messages", "conv-2"))
}

func TestLeaveRoom(t *testing.T) {
	h, _ := runHub(t)
	a := newTestClient(h, "a", "messages")
	require.True(t, h.Register(a))
	h.JoinRoom(a, "conv-1")

	h.LeaveRoom(a, "conv-1")
	assert.False(t, h.InRoom(a, "conv-1"))
	assert.Equal(t, 0, h.RoomClientCount("messages", "conv-1"))
}

func TestStoppedHub(t *testing.T) {
	h, cancel := runHub(t)
	a := newTestClient(h, "a", "messages")
	require.True(t, h.Register(a))

	cancel()
	_, ok := <-a.Send
	assert.False(t, ok)

	assert.False(t, h.Register(newTestClient(h, "b", "messages")))
	assert.ErrorIs(t, h.BroadcastToRoom("messages", "conv-1", domain.EventTypingStop, nil, ""), ErrHubStopped)

	done := make(chan struct{})
	go func() {
		h.Unregister(a)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after shutdown")
	}
}
