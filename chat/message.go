package chat

import (
	"strings"
	"time"
)

// Origin records which data source produced a message.
type Origin string

const (
	OriginHistory  Origin = "history"
	OriginRealtime Origin = "realtime"
)

// DeliveryState tracks an outbound message from send to server echo.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"   // sent, awaiting confirmation
	DeliveryConfirmed DeliveryState = "confirmed" // echoed back by the server
	DeliveryReceived  DeliveryState = "received"  // pushed from the peer
)

// ConversationKey scopes a session to an unordered pair of participants.
type ConversationKey struct {
	SelfID string `json:"self_id"`
	PeerID string `json:"peer_id"`
}

func NewConversationKey(selfID, peerID string) ConversationKey {
	return ConversationKey{SelfID: strings.TrimSpace(selfID), PeerID: strings.TrimSpace(peerID)}
}

// Valid reports whether both participants are known and distinct.
func (k ConversationKey) Valid() bool {
	return k.SelfID != "" && k.PeerID != "" && k.SelfID != k.PeerID
}

// Equal compares two keys regardless of participant order.
func (k ConversationKey) Equal(o ConversationKey) bool {
	return (k.SelfID == o.SelfID && k.PeerID == o.PeerID) ||
		(k.SelfID == o.PeerID && k.PeerID == o.SelfID)
}

// Involves reports whether id is one of the two participants.
func (k ConversationKey) Involves(id string) bool {
	return id != "" && (id == k.SelfID || id == k.PeerID)
}

func (k ConversationKey) String() string {
	return k.SelfID + "<->" + k.PeerID
}

// Message is the canonical unit shown to the host.
type Message struct {
	ID            string        `json:"id,omitempty"`
	ProvisionalID string        `json:"provisional_id,omitempty"`
	SenderID      string        `json:"sender_id"`
	RecipientID   string        `json:"recipient_id"`
	Body          string        `json:"body"`
	Timestamp     time.Time     `json:"timestamp"`
	Origin        Origin        `json:"origin"`
	DeliveryState DeliveryState `json:"delivery_state"`
}

// SentBy reports whether the message was authored by userID.
func (m Message) SentBy(userID string) bool {
	return m.SenderID == userID
}
