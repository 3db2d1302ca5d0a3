package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/chat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// writeJSON writes v without HTML escaping so <, > and & arrive as sent.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := h.register(chat.TransportWebsocket)
	h.wg.Add(1)
	defer h.wg.Done()

	go h.wsWriteLoop(c, conn)
	h.wsReadLoop(c, conn)
}

func (h *hub) wsReadLoop(c *client, conn *websocket.Conn) {
	defer h.unregister(c)
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("[dm-server] read message")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var f chat.Frame
		if err := json.Unmarshal(payload, &f); err != nil || f.Event == "" {
			c.pushEvent(chat.EventError, chat.ServerError{Message: "Invalid message format"})
			continue
		}
		h.handleFrame(c, f)
	}
}

// wsWriteLoop is the only writer on conn.
func (h *hub) wsWriteLoop(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case f := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeJSON(conn, f); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("[dm-server] write frame")
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
