package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/gosuda/portal-chat/chat"
)

const pendingMark = "…"

// view prints snapshots incrementally: new messages, delivery updates,
// connection changes and fresh diagnostics.
type view struct {
	out   io.Writer
	key   chat.ConversationKey
	shown map[string]chat.DeliveryState
	state chat.ConnectionState
	diags int
	ready bool
}

func newView(out io.Writer) *view {
	return &view{out: out, shown: make(map[string]chat.DeliveryState)}
}

func (v *view) render(snap chat.Snapshot) {
	if snap.Key != v.key {
		v.key = snap.Key
		v.shown = make(map[string]chat.DeliveryState)
		v.diags = 0
		v.ready = false
		fmt.Fprintf(v.out, "── conversation with %s ──\n", snap.Key.PeerID)
	}
	if snap.State != v.state {
		v.state = snap.State
		fmt.Fprintln(v.out, formatState(snap))
	}
	if snap.Baseline == chat.GateReady && !v.ready {
		v.ready = true
		if len(snap.Messages) == 0 {
			fmt.Fprintln(v.out, "(no messages yet)")
		}
	}
	for _, m := range snap.Messages {
		k := messageKey(m)
		prev, seen := v.shown[k]
		switch {
		case !seen:
			fmt.Fprintln(v.out, formatMessage(m, snap.Key.SelfID))
		case prev == chat.DeliveryPending && m.DeliveryState == chat.DeliveryConfirmed:
			fmt.Fprintf(v.out, "  ✓ delivered: %s\n", truncate(m.Body, 40))
		}
		v.shown[k] = m.DeliveryState
	}
	if snap.DiagnosticCount > v.diags {
		if n := len(snap.Diagnostics); n > 0 {
			d := snap.Diagnostics[n-1]
			fmt.Fprintf(v.out, "! %s: %s\n", d.Category, d.Message)
		}
	}
	v.diags = snap.DiagnosticCount
}

func messageKey(m chat.Message) string {
	if m.ProvisionalID != "" {
		return "p:" + m.ProvisionalID
	}
	return "id:" + m.ID
}

func formatMessage(m chat.Message, self string) string {
	who := m.SenderID
	if m.SentBy(self) {
		who = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04:05"), who, m.Body)
	if m.DeliveryState == chat.DeliveryPending {
		line += " " + pendingMark
	}
	return line
}

func formatState(snap chat.Snapshot) string {
	if snap.Transport != "" && snap.State == chat.StateConnected {
		return fmt.Sprintf("* %s (%s)", snap.State, snap.Transport)
	}
	return "* " + string(snap.State)
}

func formatDiagnostics(diags []chat.Diagnostic, count int) string {
	if count == 0 {
		return "no warnings"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d warning(s), showing %d most recent:\n", count, len(diags))
	for _, d := range diags {
		fmt.Fprintf(&b, "  %s [%s] %s\n", d.Timestamp.Local().Format("15:04:05"), d.Category, d.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
