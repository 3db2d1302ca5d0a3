package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/chat"
)

func TestViewRendersIncrementally(t *testing.T) {
	var out bytes.Buffer
	v := newView(&out)
	key := chat.NewConversationKey("1", "2")
	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	pending := chat.Message{ProvisionalID: "tmp-1", SenderID: "1", RecipientID: "2", Body: "hi", Timestamp: ts, DeliveryState: chat.DeliveryPending}
	incoming := chat.Message{ID: "7", SenderID: "2", RecipientID: "1", Body: "yo", Timestamp: ts, DeliveryState: chat.DeliveryReceived}

	v.render(chat.Snapshot{Key: key, State: chat.StateConnected, Transport: "websocket", Baseline: chat.GateReady})
	v.render(chat.Snapshot{Key: key, State: chat.StateConnected, Baseline: chat.GateReady, Messages: []chat.Message{pending}})

	confirmed := pending
	confirmed.ID = "8"
	confirmed.DeliveryState = chat.DeliveryConfirmed
	v.render(chat.Snapshot{Key: key, State: chat.StateConnected, Baseline: chat.GateReady, Messages: []chat.Message{confirmed, incoming}})
	v.render(chat.Snapshot{Key: key, State: chat.StateConnected, Baseline: chat.GateReady, Messages: []chat.Message{confirmed, incoming}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "── conversation with 2 ──", lines[0])
	assert.Equal(t, "* connected (websocket)", lines[1])
	assert.Equal(t, "(no messages yet)", lines[2])
	assert.True(t, strings.HasSuffix(lines[3], "me: hi "+pendingMark), lines[3])
	assert.Equal(t, "  ✓ delivered: hi", lines[4])
	assert.True(t, strings.HasSuffix(lines[5], "2: yo"), lines[5])
}

func TestViewResetsOnPeerChange(t *testing.T) {
	var out bytes.Buffer
	v := newView(&out)
	msg := chat.Message{ID: "1", SenderID: "2", Body: "old"}
	v.render(chat.Snapshot{Key: chat.NewConversationKey("1", "2"), Messages: []chat.Message{msg}})
	out.Reset()

	v.render(chat.Snapshot{Key: chat.NewConversationKey("1", "3"), Messages: []chat.Message{msg}})
	assert.Contains(t, out.String(), "conversation with 3")
	assert.Contains(t, out.String(), "old")
}

func TestViewShowsNewDiagnostics(t *testing.T) {
	var out bytes.Buffer
	v := newView(&out)
	key := chat.NewConversationKey("1", "2")
	d := chat.Diagnostic{Category: chat.CategoryPersistence, Message: "Failed to save message: disk full"}

	v.render(chat.Snapshot{Key: key, Diagnostics: []chat.Diagnostic{d}, DiagnosticCount: 1})
	v.render(chat.Snapshot{Key: key, Diagnostics: []chat.Diagnostic{d}, DiagnosticCount: 1})
	assert.Equal(t, 1, strings.Count(out.String(), "! persistence: Failed to save message"))
}

func TestFormatDiagnostics(t *testing.T) {
	assert.Equal(t, "no warnings", formatDiagnostics(nil, 0))
	got := formatDiagnostics([]chat.Diagnostic{{Category: "server", Message: "slow down"}}, 3)
	assert.Contains(t, got, "3 warning(s), showing 1 most recent")
	assert.Contains(t, got, "[server] slow down")
}

func TestHandleLineCommands(t *testing.T) {
	var out bytes.Buffer
	eng := chat.NewEngine(chat.Config{})

	assert.True(t, handleLine(context.Background(), eng, &out, "/quit"))
	assert.False(t, handleLine(context.Background(), eng, &out, ""))

	assert.False(t, handleLine(context.Background(), eng, &out, "hello"))
	assert.Contains(t, out.String(), "! not sent")

	out.Reset()
	assert.False(t, handleLine(context.Background(), eng, &out, "/peer"))
	assert.Contains(t, out.String(), "usage: /peer <id>")

	out.Reset()
	assert.False(t, handleLine(context.Background(), eng, &out, "/diag"))
	assert.Equal(t, "no warnings\n", out.String())

	out.Reset()
	assert.False(t, handleLine(context.Background(), eng, &out, "/bogus"))
	assert.Contains(t, out.String(), "unknown command /bogus")
}
