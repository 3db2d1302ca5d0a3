package chat

import (
	"slices"
	"time"
)

// Gate orders the history baseline before realtime events for one key.
type Gate int

const (
	GatePending Gate = iota
	GateReady
)

func (g Gate) String() string {
	if g == GateReady {
		return "ready"
	}
	return "pending"
}

type eventKind int

const (
	kindIncoming eventKind = iota
	kindConfirmation
)

type realtimeEvent struct {
	kind eventKind
	msg  DeliveredMessage
}

// merger owns the message list of one conversation. Realtime events that
// arrive while the baseline is loading are held in arrival order and replayed
// once it settles. Owned by the session loop.
type merger struct {
	key     ConversationKey
	gate    Gate
	now     func() time.Time
	maxHeld int

	baseline []Message
	live     []Message
	held     []realtimeEvent
	ids      map[string]struct{}
	// baseline ids; true once a pending send has been folded into the entry
	baseIDs map[string]bool
}

func newMerger(key ConversationKey, maxHeld int, now func() time.Time) *merger {
	if now == nil {
		now = time.Now
	}
	return &merger{
		key:     key,
		now:     now,
		maxHeld: maxHeld,
		ids:     make(map[string]struct{}),
		baseIDs: make(map[string]bool),
	}
}

func (m *merger) Gate() Gate { return m.gate }

func (m *merger) Held() int { return len(m.held) }

// Offer routes an event for this conversation. Events for any other pair are
// ignored. While the gate is pending the event is held; overflow reports that
// the oldest held event had to be dropped.
func (m *merger) Offer(ev realtimeEvent) (accepted, overflow bool) {
	if !m.accepts(ev) {
		return false, false
	}
	if m.gate == GatePending {
		if m.maxHeld > 0 && len(m.held) >= m.maxHeld {
			m.held = m.held[1:]
			overflow = true
		}
		m.held = append(m.held, ev)
		return true, overflow
	}
	m.apply(ev)
	return true, false
}

// Ready installs the baseline in server order, opens the gate and replays
// held events. Calling it again for the same key is a no-op.
func (m *merger) Ready(baseline []Message) {
	if m.gate == GateReady {
		return
	}
	m.baseline = make([]Message, 0, len(baseline))
	for _, msg := range baseline {
		if msg.ID != "" {
			if _, dup := m.ids[msg.ID]; dup {
				continue
			}
			m.ids[msg.ID] = struct{}{}
			m.baseIDs[msg.ID] = false
		}
		m.baseline = append(m.baseline, msg)
	}
	m.gate = GateReady

	held := m.held
	m.held = nil
	for _, ev := range held {
		m.apply(ev)
	}
}

// AddPending appends an optimistic outbound message.
func (m *merger) AddPending(msg Message) {
	m.live = append(m.live, msg)
}

// Messages returns the baseline followed by realtime arrivals.
func (m *merger) Messages() []Message {
	out := make([]Message, 0, len(m.baseline)+len(m.live))
	out = append(out, m.baseline...)
	return append(out, m.live...)
}

func (m *merger) accepts(ev realtimeEvent) bool {
	from, to := ev.msg.From.String(), ev.msg.To.String()
	switch ev.kind {
	case kindIncoming:
		return from == m.key.PeerID && (to == "" || to == m.key.SelfID)
	case kindConfirmation:
		return from == m.key.SelfID && (to == "" || to == m.key.PeerID)
	}
	return false
}

func (m *merger) apply(ev realtimeEvent) {
	switch ev.kind {
	case kindIncoming:
		m.applyIncoming(ev.msg)
	case kindConfirmation:
		m.applyConfirmation(ev.msg)
	}
}

func (m *merger) applyIncoming(d DeliveredMessage) {
	id := d.ID.String()
	if m.seen(id) {
		return
	}
	m.remember(id)
	m.live = append(m.live, Message{
		ID:            id,
		SenderID:      m.key.PeerID,
		RecipientID:   m.key.SelfID,
		Body:          d.Message,
		Timestamp:     m.timestamp(d.Timestamp),
		Origin:        OriginRealtime,
		DeliveryState: DeliveryReceived,
	})
}

// applyConfirmation promotes the matching pending message, or appends the
// confirmation as a new message when nothing matches.
func (m *merger) applyConfirmation(d DeliveredMessage) {
	id := d.ID.String()
	if folded, ok := m.baseIDs[id]; ok {
		// The baseline already carries this message; the pending copy goes,
		// once.
		if folded {
			return
		}
		m.baseIDs[id] = true
		if idx := m.matchPending(d); idx >= 0 {
			m.live = slices.Delete(m.live, idx, idx+1)
		}
		return
	}
	if m.seen(id) {
		return
	}
	idx := m.matchPending(d)
	if idx < 0 && d.ClientID != "" && m.hasProvisional(d.ClientID) {
		return
	}
	m.remember(id)
	if idx >= 0 {
		msg := &m.live[idx]
		msg.ID = id
		msg.DeliveryState = DeliveryConfirmed
		if ts := m.parseTime(d.Timestamp); !ts.IsZero() {
			msg.Timestamp = ts
		}
		return
	}
	m.live = append(m.live, Message{
		ID:            id,
		ProvisionalID: d.ClientID,
		SenderID:      m.key.SelfID,
		RecipientID:   m.key.PeerID,
		Body:          d.Message,
		Timestamp:     m.timestamp(d.Timestamp),
		Origin:        OriginRealtime,
		DeliveryState: DeliveryConfirmed,
	})
}

// matchPending finds the pending message a confirmation refers to: by
// provisional id when echoed, otherwise the oldest pending with the same body.
func (m *merger) matchPending(d DeliveredMessage) int {
	for i, msg := range m.live {
		if msg.DeliveryState != DeliveryPending {
			continue
		}
		if d.ClientID != "" {
			if msg.ProvisionalID == d.ClientID {
				return i
			}
			continue
		}
		if msg.RecipientID == m.key.PeerID && msg.Body == d.Message {
			return i
		}
	}
	return -1
}

func (m *merger) hasProvisional(clientID string) bool {
	for _, msg := range m.live {
		if msg.ProvisionalID == clientID {
			return true
		}
	}
	return false
}

func (m *merger) seen(id string) bool {
	if id == "" {
		return false
	}
	_, ok := m.ids[id]
	return ok
}

func (m *merger) remember(id string) {
	if id != "" {
		m.ids[id] = struct{}{}
	}
}

func (m *merger) parseTime(s string) time.Time {
	t, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (m *merger) timestamp(s string) time.Time {
	if t := m.parseTime(s); !t.IsZero() {
		return t
	}
	return m.now().UTC()
}
