package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble/v2"
)

// Key layout:
//
//	m/<id>                    message by id
//	c/<lo>\x00<hi>\x00<id>    conversation index, participants sorted
//	u/<user>\x00<id>          per-user index for the inbox
//
// <id> is an 8-byte big-endian sequence number, so lexical order is id order.
var (
	prefixMessage      = []byte("m/")
	prefixConversation = []byte("c/")
	prefixUser         = []byte("u/")
)

// pebbleStore persists messages in a PebbleDB key-value store.
type pebbleStore struct {
	db   *pebble.DB
	next atomic.Uint64
}

func openPebbleStore(dir string) (*pebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &pebbleStore{db: db}

	// Discover the last id from the message keyspace.
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: prefixMessage, UpperBound: prefixEnd(prefixMessage)})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	defer func() { _ = it.Close() }()
	if it.Last() {
		key := it.Key()
		if len(key) == len(prefixMessage)+8 {
			s.next.Store(binary.BigEndian.Uint64(key[len(prefixMessage):]))
		}
	}
	return s, nil
}

func (s *pebbleStore) NextID() uint64 {
	return s.next.Add(1)
}

func (s *pebbleStore) Append(m storedMessage) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	keys := [][]byte{
		messageKey(m.ID),
		conversationKey(m.SenderID, m.ReceiverID, m.ID),
		userKey(m.SenderID, m.ID),
	}
	if m.ReceiverID != m.SenderID {
		keys = append(keys, userKey(m.ReceiverID, m.ID))
	}
	for _, k := range keys {
		if err := b.Set(k, val, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *pebbleStore) Conversation(a, b string, limit int) ([]storedMessage, error) {
	prefix := conversationPrefix(a, b)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []storedMessage
	for valid := it.Last(); valid; valid = it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		m, err := decodeStored(it)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, it.Error()
}

func (s *pebbleStore) Inbox(user string) ([]storedMessage, error) {
	prefix := append(append([]byte{}, prefixUser...), user...)
	prefix = append(prefix, 0)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	seen := make(map[string]struct{})
	var out []storedMessage
	for valid := it.Last(); valid; valid = it.Prev() {
		m, err := decodeStored(it)
		if err != nil {
			return nil, err
		}
		peer := m.counterpart(user)
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, m)
	}
	return out, it.Error()
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

func decodeStored(it *pebble.Iterator) (storedMessage, error) {
	raw, err := it.ValueAndErr()
	if err != nil {
		return storedMessage{}, err
	}
	var m storedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return storedMessage{}, fmt.Errorf("decode %q: %w", it.Key(), err)
	}
	return m, nil
}

func messageKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixMessage...), id)
}

func conversationPrefix(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	k := append([]byte{}, prefixConversation...)
	k = append(k, a...)
	k = append(k, 0)
	k = append(k, b...)
	return append(k, 0)
}

func conversationKey(a, b string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(conversationPrefix(a, b), id)
}

func userKey(user string, id uint64) []byte {
	k := append([]byte{}, prefixUser...)
	k = append(k, user...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, id)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
