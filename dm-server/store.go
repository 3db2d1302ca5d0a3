package main

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// storedMessage is one persisted private message.
type storedMessage struct {
	ID         uint64    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m storedMessage) counterpart(user string) string {
	if m.SenderID == user {
		return m.ReceiverID
	}
	return m.SenderID
}

// messageStore persists private messages. IDs are reserved with NextID before
// the message is delivered so realtime events and history agree on them.
type messageStore interface {
	NextID() uint64
	Append(m storedMessage) error
	// Conversation returns up to limit of the newest messages between a and b,
	// oldest first.
	Conversation(a, b string, limit int) ([]storedMessage, error)
	// Inbox returns the newest message per counterpart of user, newest first.
	Inbox(user string) ([]storedMessage, error)
	Close() error
}

// memoryStore keeps messages in process. Used when no data path is set.
type memoryStore struct {
	next atomic.Uint64
	mu   sync.RWMutex
	msgs []storedMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (s *memoryStore) NextID() uint64 {
	return s.next.Add(1)
}

func (s *memoryStore) Append(m storedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *memoryStore) Conversation(a, b string, limit int) ([]storedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storedMessage
	for _, m := range s.msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryStore) Inbox(user string) ([]storedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]storedMessage)
	for _, m := range s.msgs {
		if m.SenderID != user && m.ReceiverID != user {
			continue
		}
		peer := m.counterpart(user)
		if cur, ok := latest[peer]; !ok || m.ID > cur.ID {
			latest[peer] = m
		}
	}
	out := make([]storedMessage, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
