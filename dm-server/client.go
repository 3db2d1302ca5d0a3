package main

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gosuda/portal-chat/chat"
)

const sendBufferSize = 64

// client is one connected socket, either a websocket or a polling session.
type client struct {
	id        string
	transport string
	send      chan chat.Frame
	done      chan struct{}
	closed    atomic.Bool
	limiter   *rate.Limiter
	lastSeen  atomic.Int64

	room string // guarded by hub.mu
}

func newClient(transport string, limit rate.Limit, burst int) *client {
	c := &client{
		id:        uuid.New().String(),
		transport: transport,
		send:      make(chan chat.Frame, sendBufferSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(limit, burst),
	}
	c.touch()
	return c
}

// push queues f without blocking; when the queue is full the oldest frame is
// dropped.
func (c *client) push(f chat.Frame) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- f:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- f:
	default:
	}
}

func (c *client) pushEvent(event string, payload any) {
	f, err := chat.NewFrame(event, payload)
	if err != nil {
		return
	}
	c.push(f)
}

// close marks the client closed. It reports whether this call closed it.
func (c *client) close() bool {
	if c.closed.Swap(true) {
		return false
	}
	close(c.done)
	return true
}

func (c *client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *client) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}
