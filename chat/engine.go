package chat

import (
	"context"
	"sync"
)

// Engine is the host-facing entry point. It holds at most one Session and
// decides whether a new conversation can reuse the live connection.
type Engine struct {
	cfg  Config
	opts []Option

	mu      sync.Mutex
	session *Session
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	return &Engine{cfg: cfg, opts: opts}
}

// OpenSession focuses the engine on the pair. With the same self id and a
// connection that has not given up, the peer is changed on the existing
// connection; otherwise the old session is torn down and a new one dials.
// Unknown ids close any open session and return ErrNoConversation.
func (e *Engine) OpenSession(ctx context.Context, selfID, peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := NewConversationKey(selfID, peerID)
	cur := e.session
	if !key.Valid() {
		if cur != nil {
			e.session = nil
			_ = cur.Close()
		}
		return ErrNoConversation
	}
	if cur != nil && cur.Key().SelfID == key.SelfID && cur.State() != StateErrored {
		return cur.SwitchPeer(key.PeerID)
	}
	if cur != nil {
		e.session = nil
		_ = cur.Close()
	}
	s, err := Open(ctx, e.cfg, key.SelfID, key.PeerID, e.opts...)
	if err != nil {
		return err
	}
	e.session = s
	return nil
}

// CloseSession tears down the active session, if any.
func (e *Engine) CloseSession() error {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Session returns the active session or nil.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) SendMessage(body string) (Message, error) {
	s := e.Session()
	if s == nil {
		return Message{}, &SendValidationError{Reason: ErrNoConversation}
	}
	return s.Send(body)
}

func (e *Engine) Messages() []Message {
	if s := e.Session(); s != nil {
		return s.Messages()
	}
	return nil
}

func (e *Engine) ConnectionState() ConnectionState {
	if s := e.Session(); s != nil {
		return s.State()
	}
	return StateDisconnected
}

func (e *Engine) Diagnostics() ([]Diagnostic, int) {
	if s := e.Session(); s != nil {
		return s.Diagnostics()
	}
	return nil, 0
}

func (e *Engine) ClearDiagnostics() {
	if s := e.Session(); s != nil {
		_ = s.ClearDiagnostics()
	}
}

// Subscribe follows the active session. The channel closes when that
// session ends; subscribe again after opening another one.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	if s := e.Session(); s != nil {
		return s.Subscribe()
	}
	ch := make(chan Snapshot)
	close(ch)
	return ch, func() {}
}
