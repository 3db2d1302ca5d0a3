package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HistorySource fetches the persisted baseline of a conversation, oldest first.
// A *BaselineWarning error comes with a baseline that is still usable.
type HistorySource interface {
	Load(ctx context.Context, key ConversationKey) ([]Message, error)
}

// HTTPHistory reads history from GET {APIBase}/messages?user1=&user2=.
type HTTPHistory struct {
	APIBase string
	Client  *http.Client
}

func NewHTTPHistory(apiBase string, client *http.Client) *HTTPHistory {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHistory{APIBase: strings.TrimSuffix(apiBase, "/"), Client: client}
}

type historyRow struct {
	ID         FlexibleID `json:"id"`
	SenderID   FlexibleID `json:"sender_id"`
	ReceiverID FlexibleID `json:"receiver_id"`
	Message    string     `json:"message"`
	CreatedAt  string     `json:"created_at"`
}

type historyResponse struct {
	Messages []historyRow `json:"messages"`
	Error    string       `json:"error,omitempty"`
}

func (h *HTTPHistory) Load(ctx context.Context, key ConversationKey) ([]Message, error) {
	if !key.Valid() {
		return nil, ErrNoConversation
	}
	q := url.Values{"user1": {key.SelfID}, "user2": {key.PeerID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.APIBase+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	var out historyResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("history: %s: %s", resp.Status, out.Error)
		}
		return nil, fmt.Errorf("history: %s", resp.Status)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode history: %w", decodeErr)
	}
	msgs, bad := baselineFromRows(key, out.Messages)
	if len(bad) > 0 {
		return msgs, &BaselineWarning{Key: key, Timestamps: bad}
	}
	return msgs, nil
}

// baselineFromRows converts persisted rows into messages in server order,
// skipping rows that do not belong to the pair. It also returns the
// created_at values it could not parse.
func baselineFromRows(key ConversationKey, rows []historyRow) ([]Message, []string) {
	var bad []string
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		sender, receiver := row.SenderID.String(), row.ReceiverID.String()
		if !key.Involves(sender) {
			continue
		}
		if receiver == "" {
			receiver = counterpart(key, sender)
		} else if !key.Involves(receiver) {
			continue
		}
		ts, err := ParseTimestamp(row.CreatedAt)
		if err != nil {
			bad = append(bad, row.CreatedAt)
		}
		state := DeliveryReceived
		if sender == key.SelfID {
			state = DeliveryConfirmed
		}
		msgs = append(msgs, Message{
			ID:            row.ID.String(),
			SenderID:      sender,
			RecipientID:   receiver,
			Body:          row.Message,
			Timestamp:     ts,
			Origin:        OriginHistory,
			DeliveryState: state,
		})
	}
	return msgs, bad
}

func counterpart(key ConversationKey, id string) string {
	if id == key.SelfID {
		return key.PeerID
	}
	return key.SelfID
}
