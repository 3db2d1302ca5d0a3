package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of a session handed to the host.
type Snapshot struct {
	Key             ConversationKey `json:"key"`
	Messages        []Message       `json:"messages"`
	State           ConnectionState `json:"state"`
	Transport       string          `json:"transport,omitempty"`
	Baseline        Gate            `json:"baseline"`
	Held            int             `json:"held"`
	Diagnostics     []Diagnostic    `json:"diagnostics,omitempty"`
	DiagnosticCount int             `json:"diagnostic_count"`
}

type command struct {
	fn   func()
	done chan struct{}
}

// Session is one conversation over one realtime connection. All state is
// owned by a single loop goroutine; transport events, history results and
// host calls are serialized through it in arrival order.
type Session struct {
	cfg Config
	opt options
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn  *Connection
	rooms *roomController
	diag  *Diagnostics

	// loop-owned
	key           ConversationKey
	gen           uint64
	merger        *merger
	historyCancel context.CancelFunc

	commands  chan command
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snapMu sync.RWMutex
	last   Snapshot
	subs   map[chan Snapshot]struct{}
}

// Open starts a session for the pair and begins connecting. The history
// baseline loads concurrently with the connection handshake.
func Open(ctx context.Context, cfg Config, selfID, peerID string, opts ...Option) (*Session, error) {
	key := NewConversationKey(selfID, peerID)
	if !key.Valid() {
		return nil, ErrNoConversation
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	o.resolve(cfg)

	s := &Session{
		cfg:      cfg,
		opt:      o,
		log:      o.logger.With().Str("self", key.SelfID).Logger(),
		diag:     NewDiagnostics(o.now),
		commands: make(chan command, 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[chan Snapshot]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.conn = NewConnection(cfg.Endpoint, o.framings, ReconnectPolicy{
		MaxAttempts:    cfg.ReconnectAttempts,
		AttemptTimeout: cfg.ConnectTimeout,
		Delay:          cfg.ReconnectDelay,
		MaxDelay:       cfg.ReconnectDelayMax,
	}, s.onFrame, s.log)
	s.rooms = newRoomController(s.emit, s.log)

	go s.loop()
	err := s.call(func() {
		s.switchTo(key)
		s.conn.Start(s.ctx)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("peer", key.PeerID).Msg("[chat] session opened")
	return s, nil
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case c := <-s.commands:
			c.fn()
			s.publish()
			if c.done != nil {
				close(c.done)
			}
		case <-s.closing:
			return
		}
	}
}

// post enqueues fn without waiting. Unlike a lossy room queue, events are
// never dropped: post blocks until the loop accepts fn or the session closes.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.commands <- command{fn: fn}:
		return true
	case <-s.closing:
		return false
	}
}

// call runs fn on the loop and waits until the resulting snapshot is published.
func (s *Session) call(fn func()) error {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	select {
	case s.commands <- c:
	case <-s.closing:
		return ErrSessionClosed
	}
	select {
	case <-c.done:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Key returns the current conversation.
func (s *Session) Key() ConversationKey {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.last.Key
}

// Snapshot returns the most recently published view.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.last
}

func (s *Session) Messages() []Message {
	return s.Snapshot().Messages
}

// State reports the live connection state.
func (s *Session) State() ConnectionState {
	return s.conn.State()
}

// Diagnostics returns the visible recent diagnostics and the total count.
func (s *Session) Diagnostics() ([]Diagnostic, int) {
	snap := s.Snapshot()
	return snap.Diagnostics, snap.DiagnosticCount
}

func (s *Session) ClearDiagnostics() error {
	return s.call(func() { s.diag.Clear() })
}

// Subscribe returns a channel carrying every published snapshot, starting
// with the current one. A slow reader only ever sees the newest snapshot.
// The channel is closed when the session closes or cancel is called.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.snapMu.Lock()
	select {
	case <-s.done:
		s.snapMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	ch <- s.last
	s.snapMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.snapMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.snapMu.Unlock()
		})
	}
}

// SwitchPeer moves the session to a new peer on the same connection. The old
// baseline load is invalidated and realtime events for the old pair stop
// being applied.
func (s *Session) SwitchPeer(peerID string) error {
	var err error
	cerr := s.call(func() {
		key := NewConversationKey(s.key.SelfID, peerID)
		if !key.Valid() {
			err = ErrNoConversation
			return
		}
		if key == s.key {
			return
		}
		if lerr := s.rooms.Leave(); lerr != nil {
			s.log.Warn().Err(lerr).Msg("[chat] leave room failed")
		}
		s.switchTo(key)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// Send validates and emits a message. The returned message is already
// visible in the session as pending.
func (s *Session) Send(body string) (Message, error) {
	var (
		msg Message
		err error
	)
	if cerr := s.call(func() { msg, err = s.send(body) }); cerr != nil {
		return Message{}, &SendValidationError{Reason: ErrNotConnected}
	}
	return msg, err
}

// Close leaves the room, stops the loop and closes the connection. Pending
// history loads are cancelled and subscribers are released.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.call(func() {
			s.gen++
			s.cancelHistory()
			if lerr := s.rooms.Leave(); lerr != nil {
				s.log.Debug().Err(lerr).Msg("[chat] leave room on close")
			}
		})
		close(s.closing)
		<-s.done
		err = s.conn.Close()
		s.cancel()

		s.snapMu.Lock()
		s.last.State = StateDisconnected
		s.last.Transport = ""
		for ch := range s.subs {
			close(ch)
		}
		s.subs = nil
		peer := s.last.Key.PeerID
		s.snapMu.Unlock()
		s.log.Info().Str("peer", peer).Msg("[chat] session closed")
	})
	return err
}

// switchTo resets all per-conversation state for key and starts its
// baseline load. Runs on the loop.
func (s *Session) switchTo(key ConversationKey) {
	s.gen++
	s.cancelHistory()
	s.key = key
	s.merger = newMerger(key, s.cfg.HeldEvents, s.opt.now)
	s.diag.Clear()
	if err := s.rooms.Join(key.SelfID); err != nil {
		s.recordf(CategoryConnection, "join room: %v", err)
	}
	s.loadHistory()
}

func (s *Session) loadHistory() {
	gen, key := s.gen, s.key
	ctx, cancel := context.WithCancel(s.ctx)
	s.historyCancel = cancel
	go func() {
		msgs, err := s.opt.history.Load(ctx, key)
		s.post(func() { s.onHistory(gen, key, msgs, err) })
	}()
}

func (s *Session) onHistory(gen uint64, key ConversationKey, msgs []Message, err error) {
	if gen != s.gen || key != s.key {
		s.log.Debug().Str("peer", key.PeerID).Msg("[chat] discarding stale history result")
		return
	}
	s.cancelHistory()
	var warn *BaselineWarning
	if errors.As(err, &warn) {
		s.log.Warn().Err(warn).Msg("[chat] history rows with unreadable timestamps")
		s.diag.Record(CategoryProtocol, warn.Error())
		err = nil
	}
	if err != nil {
		herr := &HistoryLoadError{Key: key, Err: err}
		s.log.Warn().Err(herr).Msg("[chat] history load failed, continuing with empty baseline")
		s.diag.Record(CategoryHistory, herr.Error())
		msgs = nil
	}
	s.merger.Ready(msgs)
	s.log.Debug().Int("baseline", len(msgs)).Str("peer", key.PeerID).Msg("[chat] baseline ready")
}

func (s *Session) cancelHistory() {
	if s.historyCancel != nil {
		s.historyCancel()
		s.historyCancel = nil
	}
}

func (s *Session) send(body string) (Message, error) {
	text, err := validateSend(s.key, body, s.conn.State())
	if err != nil {
		s.diag.Record(CategorySend, err.Error())
		return Message{}, err
	}
	msg, f, err := pendingMessage(s.key, text, s.opt.newID(), s.opt.now())
	if err != nil {
		return Message{}, err
	}
	if err := s.emit(f); err != nil {
		if errors.Is(err, ErrNotConnected) {
			verr := &SendValidationError{Reason: ErrNotConnected}
			s.diag.Record(CategorySend, verr.Error())
			return Message{}, verr
		}
		s.recordf(CategorySend, "send failed: %v", err)
		return Message{}, err
	}
	s.merger.AddPending(msg)
	return msg, nil
}

func (s *Session) emit(f Frame) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Emit(ctx, f)
}

// onFrame is the connection sink. It runs on the connection goroutine and
// hands the frame to the loop in arrival order.
func (s *Session) onFrame(f Frame) {
	s.post(func() { s.handleFrame(f) })
}

func (s *Session) handleFrame(f Frame) {
	if e := s.log.Trace(); e.Enabled() {
		if len(f.Data) > 0 {
			e = e.RawJSON("data", f.Data)
		}
		e.Str("event", f.Event).Msg("[chat] event")
	}
	switch f.Event {
	case EventConnect:
		if err := s.rooms.OnConnect(); err != nil {
			s.recordf(CategoryConnection, "join room: %v", err)
		}
	case EventDisconnect:
		s.rooms.OnDisconnect()
	case EventConnectError:
		var info LifecycleInfo
		_ = f.Decode(&info)
		s.log.Debug().Int("attempt", info.Attempt).Str("error", info.Error).Msg("[chat] connect attempt failed")
	case EventReconnectFailed:
		var info LifecycleInfo
		_ = f.Decode(&info)
		s.rooms.OnDisconnect()
		s.log.Error().Str("error", info.Error).Msg("[chat] giving up on connection")
		s.diag.Record(CategoryConnection, info.Error)
	case EventProtocolError:
		var info LifecycleInfo
		_ = f.Decode(&info)
		s.diag.Record(CategoryProtocol, info.Error)
	case EventPrivateMessage:
		s.offer(kindIncoming, f)
	case EventMessageSentConfirmation:
		s.offer(kindConfirmation, f)
	case EventDatabaseError:
		var p DatabaseError
		if err := f.Decode(&p); err != nil {
			s.diag.Record(CategoryProtocol, err.Error())
			return
		}
		msg := p.Message
		if p.Error != "" {
			msg += ": " + p.Error
		}
		s.diag.Record(CategoryPersistence, msg)
	case EventError:
		var p ServerError
		if err := f.Decode(&p); err != nil {
			s.diag.Record(CategoryProtocol, err.Error())
			return
		}
		s.diag.Record(CategoryServer, p.Message)
	default:
		s.log.Debug().Str("event", f.Event).Msg("[chat] ignoring unknown event")
	}
}

func (s *Session) offer(kind eventKind, f Frame) {
	var d DeliveredMessage
	if err := f.Decode(&d); err != nil {
		s.diag.Record(CategoryProtocol, err.Error())
		return
	}
	accepted, overflow := s.merger.Offer(realtimeEvent{kind: kind, msg: d})
	if !accepted {
		s.log.Debug().Str("event", f.Event).Str("from", d.From.String()).Msg("[chat] event outside current conversation")
		return
	}
	if overflow {
		s.recordf(CategoryProtocol, "dropped oldest held event, more than %d arrived before history", s.cfg.HeldEvents)
	}
}

func (s *Session) recordf(category, format string, args ...any) {
	d := s.diag.Record(category, fmt.Sprintf(format, args...))
	s.log.Warn().Str("category", category).Msg("[chat] " + d.Message)
}

func (s *Session) publish() {
	snap := Snapshot{
		Key:             s.key,
		Messages:        s.merger.Messages(),
		State:           s.conn.State(),
		Transport:       s.conn.Transport(),
		Baseline:        s.merger.Gate(),
		Held:            s.merger.Held(),
		Diagnostics:     s.diag.Recent(s.cfg.VisibleDiagnostics),
		DiagnosticCount: s.diag.Count(),
	}
	s.snapMu.Lock()
	s.last = snap
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.snapMu.Unlock()
}
