package chat

import (
	"strings"
	"time"
)

// validateSend checks a send request before anything touches the network.
func validateSend(key ConversationKey, body string, state ConnectionState) (string, error) {
	text := strings.TrimSpace(body)
	switch {
	case text == "":
		return "", &SendValidationError{Reason: ErrEmptyBody}
	case !key.Valid():
		return "", &SendValidationError{Reason: ErrNoConversation}
	case state != StateConnected:
		return "", &SendValidationError{Reason: ErrNotConnected}
	}
	return text, nil
}

// pendingMessage builds the optimistic entry and its wire frame.
func pendingMessage(key ConversationKey, text, provisionalID string, now time.Time) (Message, Frame, error) {
	msg := Message{
		ProvisionalID: provisionalID,
		SenderID:      key.SelfID,
		RecipientID:   key.PeerID,
		Body:          text,
		Timestamp:     now.UTC(),
		Origin:        OriginRealtime,
		DeliveryState: DeliveryPending,
	}
	f, err := NewFrame(EventPrivateMessage, OutgoingMessage{
		To:       key.PeerID,
		From:     key.SelfID,
		Message:  text,
		ClientID: provisionalID,
	})
	return msg, f, err
}
