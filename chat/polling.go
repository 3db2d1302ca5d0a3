package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	pollDefaultPath    = "/poll"
	pollRequestTimeout = 40 * time.Second
	pollInboxSize      = 64
)

// PollingFraming carries frames over HTTP long-polling. It is the fallback
// when a websocket cannot be established.
type PollingFraming struct {
	Client *http.Client
	Path   string
}

func NewPollingFraming(client *http.Client) *PollingFraming {
	if client == nil {
		client = &http.Client{}
	}
	return &PollingFraming{Client: client, Path: pollDefaultPath}
}

func (p *PollingFraming) Name() string { return TransportPolling }

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func (p *PollingFraming) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := baseURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.Scheme = httpScheme(u.Scheme)
	path := p.Path
	if path == "" {
		path = pollDefaultPath
	}
	u.Path += "/" + strings.TrimPrefix(path, "/")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling handshake %s: %s", u, resp.Status)
	}
	var open pollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil || open.SID == "" {
		return nil, fmt.Errorf("polling handshake %s: missing session id", u)
	}

	pctx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		client: client,
		base:   *u,
		sid:    open.SID,
		in:     make(chan pollItem, pollInboxSize),
		dead:   make(chan struct{}),
		cancel: cancel,
	}
	go c.pollLoop(pctx)
	return c, nil
}

type pollItem struct {
	frame Frame
	err   error
}

type pollConn struct {
	client *http.Client
	base   url.URL
	sid    string

	in     chan pollItem
	dead   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	err     error
	closing sync.Once
}

func (c *pollConn) endpoint(suffix string) string {
	u := c.base
	u.Path += suffix
	u.RawQuery = url.Values{"sid": {c.sid}}.Encode()
	return u.String()
}

func (c *pollConn) pollLoop(ctx context.Context) {
	for {
		items, err := c.poll(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		for _, it := range items {
			select {
			case c.in <- it:
			case <-ctx.Done():
				return
			}
		}
	}
}

// poll performs one long-poll round trip. A malformed batch is reported as a
// single recoverable item.
func (c *pollConn) poll(ctx context.Context) ([]pollItem, error) {
	rctx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.endpoint(""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errPollingRejected
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, wsReadLimit))
	if err != nil {
		return nil, err
	}
	var frames []Frame
	if err := json.Unmarshal(body, &frames); err != nil {
		return []pollItem{{err: fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(string(body), 64))}}, nil
	}
	items := make([]pollItem, 0, len(frames))
	for _, f := range frames {
		if f.Event == "" {
			items = append(items, pollItem{err: fmt.Errorf("%w: frame without event", ErrMalformedFrame)})
			continue
		}
		items = append(items, pollItem{frame: f})
	}
	return items, nil
}

func (c *pollConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.dead)
}

func (c *pollConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case it := <-c.in:
		return it.frame, it.err
	default:
	}
	select {
	case it := <-c.in:
		return it.frame, it.err
	case <-c.dead:
		select {
		case it := <-c.in:
			return it.frame, it.err
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return Frame{}, c.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *pollConn) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-c.dead:
		return errConnectionGone
	default:
	}
	body, err := marshalNoEscape([]Frame{f})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/send"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("poll send: %s", resp.Status)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.closing.Do(func() {
		c.cancel()
		c.fail(errConnectionGone)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint(""), nil)
		if err != nil {
			return
		}
		if resp, err := c.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}
