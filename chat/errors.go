package chat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBody       = errors.New("message body is empty")
	ErrNoConversation  = errors.New("conversation participants unknown")
	ErrNotConnected    = errors.New("no active connection")
	ErrSessionClosed   = errors.New("chat session closed")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrNoFramings      = errors.New("no transport framings configured")
	errConnectionGone  = errors.New("connection closed")
	errPollingRejected = errors.New("polling session rejected")
)

// SendValidationError is returned synchronously when a send is refused
// before any network call. Reason is one of ErrEmptyBody, ErrNoConversation
// or ErrNotConnected.
type SendValidationError struct {
	Reason error
}

func (e *SendValidationError) Error() string {
	return "send rejected: " + e.Reason.Error()
}

func (e *SendValidationError) Unwrap() error { return e.Reason }

// ConnectionError reports that the transport gave up after Attempts
// consecutive failed connection attempts.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HistoryLoadError reports a failed baseline fetch. The session continues
// with an empty baseline.
type HistoryLoadError struct {
	Key ConversationKey
	Err error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history %s: %v", e.Key, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// BaselineWarning accompanies a usable baseline whose rows could not all be
// read cleanly. Rows with an unreadable created_at keep a zero Timestamp and
// their server position.
type BaselineWarning struct {
	Key        ConversationKey
	Timestamps []string
}

func (e *BaselineWarning) Error() string {
	return fmt.Sprintf("history %s: %d row(s) with unreadable created_at %q", e.Key, len(e.Timestamps), e.Timestamps)
}
