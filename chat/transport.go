package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// ConnectionState is the lifecycle of the realtime connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateErrored      ConnectionState = "errored"
)

// Conn is one established bidirectional frame stream.
type Conn interface {
	WriteFrame(ctx context.Context, f Frame) error
	// ReadFrame blocks until a frame arrives or the stream fails. Errors
	// wrapping ErrMalformedFrame are recoverable; any other error ends the stream.
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Framing dials a Conn over one wire protocol.
type Framing interface {
	Name() string
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// ReconnectPolicy bounds connection attempts.
type ReconnectPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Delay          time.Duration
	MaxDelay       time.Duration
}

func (p ReconnectPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Connection owns the realtime link for one session. It dials the framings in
// order, retries with backoff and hands every inbound frame, plus locally
// raised lifecycle frames, to sink in arrival order from a single goroutine.
type Connection struct {
	endpoint string
	framings []Framing
	policy   ReconnectPolicy
	sink     func(Frame)
	log      zerolog.Logger

	mu        sync.Mutex
	state     ConnectionState
	conn      Conn
	transport string
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewConnection(endpoint string, framings []Framing, policy ReconnectPolicy, sink func(Frame), logger zerolog.Logger) *Connection {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Connection{
		endpoint: endpoint,
		framings: framings,
		policy:   policy,
		sink:     sink,
		log:      logger,
		state:    StateDisconnected,
	}
}

// Start launches the connect loop. It is a no-op if already started.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.state = StateConnecting
	go c.run(ctx)
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport names the framing of the live connection, or "" when not connected.
func (c *Connection) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Emit writes one frame on the live connection.
func (c *Connection) Emit(ctx context.Context, f Frame) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("emit %s: %w", f.Event, err)
	}
	return nil
}

// Close stops reconnecting, closes the live connection and waits for the
// connect loop to exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	cancel, conn, done := c.cancel, c.conn, c.done
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-done
	c.mu.Lock()
	c.state = StateDisconnected
	c.conn = nil
	c.transport = ""
	c.mu.Unlock()
	return err
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	bo := c.policy.backoff()
	failures := 0
	for {
		conn, transport, err := c.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			failures++
			c.log.Debug().Err(err).Int("attempt", failures).Msg("[chat] connect failed")
			if failures >= c.policy.MaxAttempts {
				c.setState(StateErrored)
				c.deliver(ctx, EventReconnectFailed, LifecycleInfo{
					Attempt: failures,
					Error:   (&ConnectionError{Attempts: failures, Err: err}).Error(),
				})
				return
			}
			c.deliver(ctx, EventConnectError, LifecycleInfo{Attempt: failures, Error: err.Error()})
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}

		failures = 0
		bo.Reset()
		if !c.attach(ctx, conn, transport) {
			_ = conn.Close()
			return
		}
		c.log.Info().Str("transport", transport).Msg("[chat] connected")
		c.deliver(ctx, EventConnect, LifecycleInfo{Transport: transport})

		err = c.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.detach()
		c.log.Warn().Err(err).Str("transport", transport).Msg("[chat] disconnected, reconnecting")
		c.deliver(ctx, EventDisconnect, LifecycleInfo{Transport: transport, Error: errString(err)})
	}
}

// dial tries every framing in order within a single attempt timeout.
func (c *Connection) dial(ctx context.Context) (Conn, string, error) {
	if len(c.framings) == 0 {
		return nil, "", ErrNoFramings
	}
	actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	var errs []error
	for _, f := range c.framings {
		conn, err := f.Dial(actx, c.endpoint)
		if err == nil {
			return conn, f.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
		if actx.Err() != nil {
			break
		}
		c.log.Debug().Err(err).Str("transport", f.Name()).Msg("[chat] framing unavailable, falling back")
	}
	return nil, "", errors.Join(errs...)
}

func (c *Connection) readLoop(ctx context.Context, conn Conn) error {
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				c.deliver(ctx, EventProtocolError, LifecycleInfo{Error: err.Error()})
				continue
			}
			return err
		}
		c.sink(f)
	}
}

func (c *Connection) deliver(ctx context.Context, event string, info LifecycleInfo) {
	data, _ := json.Marshal(info)
	if ctx.Err() != nil {
		return
	}
	c.sink(Frame{Event: event, Data: data})
}

// attach publishes conn unless Close already ran, in which case Close could
// not have seen it.
func (c *Connection) attach(ctx context.Context, conn Conn, transport string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	c.transport = transport
	c.state = StateConnected
	return true
}

func (c *Connection) detach() {
	c.mu.Lock()
	c.conn = nil
	c.transport = ""
	c.state = StateConnecting
	c.mu.Unlock()
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
