package main

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/chat"
)

type failingStore struct {
	*memoryStore
}

func (failingStore) Append(storedMessage) error { return errors.New("disk full") }

func newTestHub(t *testing.T, store messageStore, cfg hubConfig) *hub {
	t.Helper()
	h, err := newHub(cfg, store, newLocalBus())
	require.NoError(t, err)
	h.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	t.Cleanup(func() {
		h.closeAll()
		h.wait()
	})
	return h
}

func frame(t *testing.T, event string, payload any) chat.Frame {
	t.Helper()
	f, err := chat.NewFrame(event, payload)
	require.NoError(t, err)
	return f
}

func next(t *testing.T, c *client) chat.Frame {
	t.Helper()
	select {
	case f := <-c.send:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued")
		return chat.Frame{}
	}
}

func nothing(t *testing.T, c *client) {
	t.Helper()
	select {
	case f := <-c.send:
		t.Fatalf("unexpected frame %s", f.Event)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubDeliversToRoomAndConfirmsSender(t *testing.T) {
	h := newTestHub(t, newMemoryStore(), hubConfig{})
	alice := h.register(chat.TransportWebsocket)
	bob := h.register(chat.TransportPolling)
	h.handleFrame(alice, frame(t, chat.EventJoin, "1"))
	h.handleFrame(bob, frame(t, chat.EventJoin, 2))

	h.handleFrame(alice, frame(t, chat.EventPrivateMessage, map[string]any{
		"to": 2, "from": "1", "message": "<b>hi</b> & bye", "client_id": "tmp-1",
	}))

	got := next(t, bob)
	require.Equal(t, chat.EventPrivateMessage, got.Event)
	var delivered chat.DeliveredMessage
	require.NoError(t, got.Decode(&delivered))
	assert.Equal(t, "hi & bye", delivered.Message)
	assert.Equal(t, chat.FlexibleID("1"), delivered.From)
	assert.Equal(t, chat.FlexibleID("2"), delivered.To)
	assert.Equal(t, "1", delivered.ID.String())
	assert.Empty(t, delivered.ClientID)
	assert.Equal(t, "2026-03-04T05:06:07Z", delivered.Timestamp)

	conf := next(t, alice)
	require.Equal(t, chat.EventMessageSentConfirmation, conf.Event)
	var confirmed chat.DeliveredMessage
	require.NoError(t, conf.Decode(&confirmed))
	assert.Equal(t, delivered.ID, confirmed.ID)
	assert.Equal(t, "tmp-1", confirmed.ClientID)
	nothing(t, alice)

	h.wait()
	msgs, err := h.store.Conversation("1", "2", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi & bye", msgs[0].Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.messages.WithLabelValues("delivered")))
}

func TestHubRejoinMovesRoom(t *testing.T) {
	h := newTestHub(t, newMemoryStore(), hubConfig{})
	c := h.register(chat.TransportWebsocket)
	sender := h.register(chat.TransportWebsocket)
	h.handleFrame(c, frame(t, chat.EventJoin, "1"))
	h.handleFrame(c, frame(t, chat.EventJoin, "3"))
	assert.Equal(t, 1, h.roomCount())

	h.handleFrame(sender, frame(t, chat.EventPrivateMessage, chat.OutgoingMessage{To: "1", From: "9", Message: "old room"}))
	next(t, sender)
	nothing(t, c)

	h.handleFrame(c, frame(t, chat.EventLeaveRoom, nil))
	assert.Equal(t, 0, h.roomCount())
}

func TestHubRejectsInvalidFrames(t *testing.T) {
	h := newTestHub(t, newMemoryStore(), hubConfig{})
	c := h.register(chat.TransportWebsocket)

	for _, payload := range []any{
		map[string]any{"to": "2", "message": "no sender"},
		map[string]any{"to": "2", "from": "1", "message": "<p></p>"},
		"not an object",
	} {
		h.handleFrame(c, frame(t, chat.EventPrivateMessage, payload))
		got := next(t, c)
		require.Equal(t, chat.EventError, got.Event)
		var e chat.ServerError
		require.NoError(t, got.Decode(&e))
		assert.Equal(t, "Invalid message format", e.Message)
	}

	h.handleFrame(c, chat.Frame{Event: "typing"})
	got := next(t, c)
	require.Equal(t, chat.EventError, got.Event)
	var e chat.ServerError
	require.NoError(t, got.Decode(&e))
	assert.Contains(t, e.Message, "Unknown event")
}

func TestHubRateLimitsSender(t *testing.T) {
	h := newTestHub(t, newMemoryStore(), hubConfig{SendRate: 0.001, SendBurst: 1})
	c := h.register(chat.TransportWebsocket)
	msg := chat.OutgoingMessage{To: "2", From: "1", Message: "hi"}

	h.handleFrame(c, frame(t, chat.EventPrivateMessage, msg))
	assert.Equal(t, chat.EventMessageSentConfirmation, next(t, c).Event)

	h.handleFrame(c, frame(t, chat.EventPrivateMessage, msg))
	got := next(t, c)
	require.Equal(t, chat.EventError, got.Event)
	var e chat.ServerError
	require.NoError(t, got.Decode(&e))
	assert.Equal(t, "rate limited", e.Message)
}

func TestHubReportsPersistFailure(t *testing.T) {
	h := newTestHub(t, failingStore{newMemoryStore()}, hubConfig{})
	c := h.register(chat.TransportWebsocket)
	h.handleFrame(c, frame(t, chat.EventPrivateMessage, chat.OutgoingMessage{To: "2", From: "1", Message: "hi"}))

	assert.Equal(t, chat.EventMessageSentConfirmation, next(t, c).Event)
	got := next(t, c)
	require.Equal(t, chat.EventDatabaseError, got.Event)
	var dbErr chat.DatabaseError
	require.NoError(t, got.Decode(&dbErr))
	assert.Equal(t, "Failed to save message", dbErr.Message)
	assert.Equal(t, "disk full", dbErr.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.persistFailures))
}

func TestClientPushDropsOldest(t *testing.T) {
	c := newClient(chat.TransportWebsocket, 1, 1)
	for i := 0; i < sendBufferSize+3; i++ {
		c.pushEvent(chat.EventError, chat.ServerError{Message: strconv.Itoa(i)})
	}
	assert.Len(t, c.send, sendBufferSize)
	var oldest chat.ServerError
	require.NoError(t, next(t, c).Decode(&oldest))
	assert.Equal(t, "3", oldest.Message)

	require.True(t, c.close())
	assert.False(t, c.close())
	before := len(c.send)
	c.pushEvent(chat.EventError, chat.ServerError{Message: "late"})
	assert.Equal(t, before, len(c.send))
}

func TestHubUnregisterCleansUp(t *testing.T) {
	h := newTestHub(t, newMemoryStore(), hubConfig{})
	c := h.register(chat.TransportPolling)
	h.handleFrame(c, frame(t, chat.EventJoin, "1"))
	require.Same(t, c, h.pollClient(c.id))
	assert.Equal(t, 1, h.clientCount())

	h.unregister(c)
	h.unregister(c)
	assert.Nil(t, h.pollClient(c.id))
	assert.Equal(t, 0, h.clientCount())
	assert.Equal(t, 0, h.roomCount())
}
