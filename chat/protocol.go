package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Socket events exchanged with the relay server.
const (
	EventJoin                    = "join"
	EventLeaveRoom               = "leave_room"
	EventPrivateMessage          = "private_message"
	EventMessageSentConfirmation = "message_sent_confirmation"
	EventDatabaseError           = "database_error"
	EventError                   = "error"
)

// Lifecycle events raised locally by the Connection. They travel through the
// same ordered stream as socket events but never cross the wire.
const (
	EventConnect         = "connect"
	EventConnectError    = "connect_error"
	EventDisconnect      = "disconnect"
	EventReconnectFailed = "reconnect_failed"
	EventProtocolError   = "protocol_error"
)

// Frame is the JSON envelope carried by every framing.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes v as the frame payload. A nil v produces an empty payload.
func NewFrame(event string, v any) (Frame, error) {
	f := Frame{Event: event}
	if v == nil {
		return f, nil
	}
	data, err := marshalNoEscape(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}

// OutgoingMessage is the payload of an outbound private_message. ClientID is
// the sender's provisional id; servers that support it echo it back in the
// confirmation.
type OutgoingMessage struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// DeliveredMessage is the payload of an inbound private_message and of
// message_sent_confirmation.
type DeliveredMessage struct {
	ID        FlexibleID `json:"id,omitempty"`
	From      FlexibleID `json:"from"`
	To        FlexibleID `json:"to,omitempty"`
	Message   string     `json:"message"`
	Timestamp string     `json:"timestamp,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
}

// DatabaseError is the payload of database_error.
type DatabaseError struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ServerError is the payload of error.
type ServerError struct {
	Message string `json:"message"`
}

// LifecycleInfo is the payload of the locally raised lifecycle events.
type LifecycleInfo struct {
	Attempt   int    `json:"attempt,omitempty"`
	Transport string `json:"transport,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FlexibleID is a participant or message id that also accepts JSON numbers,
// so rows keyed by integer columns decode the same as string ids.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 as well as the space separated SQL form.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// marshalNoEscape encodes v without HTML escaping so <, > and & survive the
// round trip unchanged.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
