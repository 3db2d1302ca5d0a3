package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/chat"
)

func startServer(t *testing.T, store messageStore) *httptest.Server {
	t.Helper()
	h := newTestHub(t, store, hubConfig{PollTimeout: 100 * time.Millisecond})
	h.now = time.Now
	srv := httptest.NewServer(NewHandler("e2e", h))
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, endpoint string, transports []string, self, peer string) *chat.Session {
	t.Helper()
	cfg := chat.Config{
		Endpoint:          endpoint,
		Transports:        transports,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 50 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
	}
	s, err := chat.Open(context.Background(), cfg, self, peer, chat.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == chat.StateConnected && snap.Baseline == chat.GateReady
	}, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestEndToEnd(t *testing.T) {
	for name, transports := range map[string][]string{
		"websocket": {chat.TransportWebsocket},
		"polling":   {chat.TransportPolling},
	} {
		t.Run(name, func(t *testing.T) {
			store := newMemoryStore()
			srv := startServer(t, store)

			alice := openSession(t, srv.URL, transports, "1", "2")
			bob := openSession(t, srv.URL, transports, "2", "1")
			assert.Equal(t, transports[0], alice.Snapshot().Transport)

			sent, err := alice.Send("  hello bob  ")
			require.NoError(t, err)
			assert.Equal(t, chat.DeliveryPending, sent.DeliveryState)
			assert.Equal(t, "hello bob", sent.Body)

			require.Eventually(t, func() bool {
				msgs := alice.Messages()
				return len(msgs) == 1 && msgs[0].DeliveryState == chat.DeliveryConfirmed
			}, 5*time.Second, 10*time.Millisecond)
			confirmed := alice.Messages()[0]
			assert.Equal(t, "hello bob", confirmed.Body)
			assert.NotEmpty(t, confirmed.ID)

			require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
			received := bob.Messages()[0]
			assert.Equal(t, confirmed.ID, received.ID)
			assert.Equal(t, "1", received.SenderID)
			assert.Equal(t, chat.DeliveryReceived, received.DeliveryState)

			require.Eventually(t, func() bool {
				msgs, err := store.Conversation("1", "2", 0)
				return err == nil && len(msgs) == 1
			}, 5*time.Second, 10*time.Millisecond)

			// A fresh session sees the same message through history.
			later := openSession(t, srv.URL, transports, "2", "1")
			msgs := later.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, confirmed.ID, msgs[0].ID)
			assert.Equal(t, chat.OriginHistory, msgs[0].Origin)

			_, count := alice.Diagnostics()
			assert.Zero(t, count)
		})
	}
}

func TestEndToEndServerWarning(t *testing.T) {
	srv := startServer(t, failingStore{newMemoryStore()})
	alice := openSession(t, srv.URL, []string{chat.TransportWebsocket}, "1", "2")

	_, err := alice.Send("hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, count := alice.Diagnostics()
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)
	diags, _ := alice.Diagnostics()
	assert.Equal(t, chat.CategoryPersistence, diags[0].Category)
	assert.Contains(t, diags[0].Message, "Failed to save message")

	msgs := alice.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.DeliveryConfirmed, msgs[0].DeliveryState)
}
