package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsReadLimit   = 1 << 20
	wsDefaultPath = "/ws"
)

// WebsocketFraming carries frames as websocket text messages.
type WebsocketFraming struct {
	Dialer *websocket.Dialer
	Path   string
	Header http.Header
}

func NewWebsocketFraming() *WebsocketFraming {
	return &WebsocketFraming{
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		Path:   wsDefaultPath,
	}
}

func (w *WebsocketFraming) Name() string { return TransportWebsocket }

func (w *WebsocketFraming) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := baseURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.Scheme = wsScheme(u.Scheme)
	path := w.Path
	if path == "" {
		path = wsDefaultPath
	}
	u.Path += "/" + strings.TrimPrefix(path, "/")

	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), w.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake %s: %s: %w", u, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (c *wsConn) ReadFrame(context.Context) (Frame, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	if mt != websocket.TextMessage {
		return Frame{}, fmt.Errorf("%w: unexpected message type %d", ErrMalformedFrame, mt)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(string(data), 64))
	}
	return f, nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
