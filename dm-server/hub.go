package main

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/portal-chat/chat"
)

// inboundMessage is a private_message as sent by clients. Ids may arrive as
// numbers.
type inboundMessage struct {
	To       chat.FlexibleID `json:"to"`
	From     chat.FlexibleID `json:"from"`
	Message  string          `json:"message"`
	ClientID string          `json:"client_id,omitempty"`
}

// hub routes frames between clients. Each user id names a room; a client
// joins the room of its own id and receives every message addressed to it.
type hub struct {
	cfg     hubConfig
	store   messageStore
	bus     fanoutBus
	metrics *metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	polls   map[string]*client

	wg sync.WaitGroup
}

func newHub(cfg hubConfig, store messageStore, bus fanoutBus) (*hub, error) {
	h := &hub{
		cfg:     cfg.withDefaults(),
		store:   store,
		bus:     bus,
		now:     time.Now,
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
		polls:   make(map[string]*client),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.metrics = newMetrics(h)
	if err := bus.Subscribe(h.ctx, h.deliver); err != nil {
		h.cancel()
		return nil, err
	}
	go h.reapPolls()
	return h, nil
}

func (h *hub) register(transport string) *client {
	c := newClient(transport, rate.Limit(h.cfg.SendRate), h.cfg.SendBurst)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if transport == chat.TransportPolling {
		h.polls[c.id] = c
	}
	h.mu.Unlock()
	log.Debug().Str("client", c.id).Str("transport", transport).Msg("[dm-server] client connected")
	return c
}

func (h *hub) unregister(c *client) {
	if !c.close() {
		return
	}
	h.mu.Lock()
	h.leaveLocked(c)
	delete(h.clients, c)
	delete(h.polls, c.id)
	h.mu.Unlock()
	log.Debug().Str("client", c.id).Msg("[dm-server] client disconnected")
}

func (h *hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	c.room = room
}

func (h *hub) leave(c *client) {
	h.mu.Lock()
	h.leaveLocked(c)
	h.mu.Unlock()
}

func (h *hub) leaveLocked(c *client) {
	if c.room == "" {
		return
	}
	if set, ok := h.rooms[c.room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// handleFrame applies one client frame.
func (h *hub) handleFrame(c *client, f chat.Frame) {
	switch f.Event {
	case chat.EventJoin:
		var room chat.FlexibleID
		if err := f.Decode(&room); err != nil {
			c.pushEvent(chat.EventError, chat.ServerError{Message: "Invalid room"})
			return
		}
		id := sanitizeUserID(room.String())
		if id == "" {
			c.pushEvent(chat.EventError, chat.ServerError{Message: "Invalid room"})
			return
		}
		h.join(c, id)
		log.Debug().Str("client", c.id).Str("room", id).Msg("[dm-server] joined room")
	case chat.EventLeaveRoom:
		h.leave(c)
	case chat.EventPrivateMessage:
		h.privateMessage(c, f)
	default:
		c.pushEvent(chat.EventError, chat.ServerError{Message: "Unknown event " + strconv.Quote(f.Event)})
	}
}

func (h *hub) privateMessage(c *client, f chat.Frame) {
	var in inboundMessage
	if err := f.Decode(&in); err != nil {
		h.reject(c, "Invalid message format")
		return
	}
	to, from := sanitizeUserID(in.To.String()), sanitizeUserID(in.From.String())
	body := sanitizeMessage(in.Message)
	if to == "" || from == "" || body == "" {
		h.reject(c, "Invalid message format")
		return
	}
	if !c.limiter.Allow() {
		h.metrics.messages.WithLabelValues("rate_limited").Inc()
		c.pushEvent(chat.EventError, chat.ServerError{Message: "rate limited"})
		return
	}

	stored := storedMessage{
		ID:         h.store.NextID(),
		SenderID:   from,
		ReceiverID: to,
		Message:    body,
		CreatedAt:  h.now().UTC(),
	}
	out := chat.DeliveredMessage{
		ID:        chat.FlexibleID(strconv.FormatUint(stored.ID, 10)),
		From:      chat.FlexibleID(from),
		To:        chat.FlexibleID(to),
		Message:   body,
		Timestamp: stored.CreatedAt.Format(time.RFC3339Nano),
	}
	frame, err := chat.NewFrame(chat.EventPrivateMessage, out)
	if err != nil {
		h.reject(c, "Invalid message format")
		return
	}
	if err := h.bus.Publish(h.ctx, roomFrame{Room: to, Frame: frame}); err != nil {
		log.Warn().Err(err).Str("room", to).Msg("[dm-server] publish failed")
	}

	out.ClientID = in.ClientID
	c.pushEvent(chat.EventMessageSentConfirmation, out)
	h.metrics.messages.WithLabelValues("delivered").Inc()
	h.persist(c, stored)
}

func (h *hub) reject(c *client, reason string) {
	h.metrics.messages.WithLabelValues("rejected").Inc()
	c.pushEvent(chat.EventError, chat.ServerError{Message: reason})
}

// persist writes the message in the background and warns the sender on
// failure. Delivery has already happened either way.
func (h *hub) persist(c *client, m storedMessage) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.store.Append(m); err != nil {
			h.metrics.persistFailures.Inc()
			log.Error().Err(err).Uint64("id", m.ID).Msg("[dm-server] persist message failed")
			c.pushEvent(chat.EventDatabaseError, chat.DatabaseError{
				Message: "Failed to save message",
				Error:   err.Error(),
			})
		}
	}()
}

// deliver fans a bus frame out to the local members of its room.
func (h *hub) deliver(rf roomFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[rf.Room] {
		c.push(rf.Frame)
	}
}

func (h *hub) pollClient(sid string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.polls[sid]
}

// reapPolls drops polling sessions that stopped polling.
func (h *hub) reapPolls() {
	ticker := time.NewTicker(h.cfg.PollIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-ticker.C:
			h.mu.RLock()
			var idle []*client
			for _, c := range h.polls {
				if c.idleSince(now) > h.cfg.PollIdle {
					idle = append(idle, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range idle {
				h.unregister(c)
			}
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) roomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// closeAll disconnects every client and stops background work (used during
// shutdown).
func (h *hub) closeAll() {
	h.cancel()
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

// wait blocks until connection handlers and pending writes have finished.
func (h *hub) wait() {
	h.wg.Wait()
}
