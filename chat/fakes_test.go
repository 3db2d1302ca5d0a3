package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeConn is an in-memory frame stream. The test plays the server side.
type fakeConn struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Frame),
		out:    make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.in:
		if f.Event == "" {
			return Frame{}, fmt.Errorf("%w: empty event", ErrMalformedFrame)
		}
		return f, nil
	case <-c.closed:
		return Frame{}, errConnectionGone
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-c.closed:
		return errConnectionGone
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server frame and returns once the client has read it.
func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	f, err := NewFrame(event, payload)
	require.NoError(t, err)
	c.pushFrame(t, f)
}

func (c *fakeConn) pushFrame(t *testing.T, f Frame) {
	t.Helper()
	select {
	case c.in <- f:
	case <-time.After(waitFor):
		t.Fatalf("client did not read %s", f.Event)
	}
}

// expect returns the next frame written by the client and checks its event.
func (c *fakeConn) expect(t *testing.T, event string) Frame {
	t.Helper()
	select {
	case f := <-c.out:
		require.Equal(t, event, f.Event, "unexpected frame %s", string(f.Data))
		return f
	case <-time.After(waitFor):
		t.Fatalf("client did not send %s", event)
	}
	return Frame{}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.out:
		t.Fatalf("unexpected frame %s %s", f.Event, string(f.Data))
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeFraming hands out fakeConns. fail decides per attempt whether the dial fails.
type fakeFraming struct {
	name  string
	fail  func(attempt int) error
	conns chan *fakeConn

	mu    sync.Mutex
	dials int
}

func newFakeFraming(name string, fail func(attempt int) error) *fakeFraming {
	return &fakeFraming{name: name, fail: fail, conns: make(chan *fakeConn, 16)}
}

func (f *fakeFraming) Name() string { return f.name }

func (f *fakeFraming) Dial(ctx context.Context, _ string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	n := f.dials
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	f.conns <- c
	return c, nil
}

func (f *fakeFraming) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeFraming) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(waitFor):
		t.Fatalf("%s: no connection dialed", f.name)
	}
	return nil
}

func alwaysFail(int) error { return errors.New("connection refused") }

type historyResult struct {
	msgs []Message
	err  error
}

type historyCall struct {
	key   ConversationKey
	reply chan historyResult
}

func (c *historyCall) resolve(msgs []Message, err error) {
	c.reply <- historyResult{msgs: msgs, err: err}
}

// fakeHistory lets a test decide when and how each baseline load settles.
// With ignoreCancel a load keeps waiting for its reply after cancellation,
// modelling a response already in flight.
type fakeHistory struct {
	calls        chan *historyCall
	ignoreCancel bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{calls: make(chan *historyCall, 16)}
}

func (h *fakeHistory) Load(ctx context.Context, key ConversationKey) ([]Message, error) {
	call := &historyCall{key: key, reply: make(chan historyResult, 1)}
	h.calls <- call
	if h.ignoreCancel {
		r := <-call.reply
		return r.msgs, r.err
	}
	select {
	case r := <-call.reply:
		return r.msgs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *fakeHistory) next(t *testing.T) *historyCall {
	t.Helper()
	select {
	case c := <-h.calls:
		return c
	case <-time.After(waitFor):
		t.Fatal("no history load issued")
	}
	return nil
}

func testConfig() Config {
	return Config{
		Endpoint:          "http://chat.test",
		ReconnectAttempts: 5,
		ConnectTimeout:    time.Second,
		ReconnectDelay:    time.Millisecond,
		ReconnectDelayMax: 5 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tmp-%d", n)
	}
}

type harness struct {
	session *Session
	framing *fakeFraming
	history *fakeHistory
}

func openHarness(t *testing.T, self, peer string, framing *fakeFraming, history *fakeHistory) *harness {
	t.Helper()
	if framing == nil {
		framing = newFakeFraming(TransportWebsocket, nil)
	}
	if history == nil {
		history = newFakeHistory()
	}
	s, err := Open(context.Background(), testConfig(), self, peer,
		WithLogger(zerolog.Nop()),
		WithFramings(framing),
		WithHistory(history),
		WithIDGenerator(sequentialIDs()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &harness{session: s, framing: framing, history: history}
}

// connect accepts the dial and consumes the join the session sends.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	c := h.framing.accept(t)
	join := c.expect(t, EventJoin)
	var room string
	require.NoError(t, json.Unmarshal(join.Data, &room))
	require.Equal(t, h.session.Key().SelfID, room)
	eventually(t, func() bool { return h.session.State() == StateConnected })
	return c
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 5*time.Millisecond, msgAndArgs...)
}

func bodies(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
