package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gosuda/portal-chat/chat"
)

var errUnknownSession = errors.New("unknown polling session")

func (h *hub) handlePollOpen(w http.ResponseWriter, r *http.Request) {
	c := h.register(chat.TransportPolling)
	respondJSON(w, http.StatusOK, map[string]string{"sid": c.id})
}

// handlePoll holds the request until at least one frame is queued or the
// poll timeout passes, then returns every queued frame as a JSON array.
func (h *hub) handlePoll(w http.ResponseWriter, r *http.Request) {
	c := h.pollClient(r.URL.Query().Get("sid"))
	if c == nil {
		respondError(w, http.StatusNotFound, errUnknownSession)
		return
	}
	c.touch()
	defer c.touch()

	timer := time.NewTimer(h.cfg.PollTimeout)
	defer timer.Stop()

	frames := make([]chat.Frame, 0, 8)
	select {
	case f := <-c.send:
		frames = append(frames, f)
	case <-timer.C:
	case <-c.done:
		respondError(w, http.StatusNotFound, errUnknownSession)
		return
	case <-r.Context().Done():
		return
	}
drain:
	for len(frames) < sendBufferSize {
		select {
		case f := <-c.send:
			frames = append(frames, f)
		default:
			break drain
		}
	}
	respondJSON(w, http.StatusOK, frames)
}

func (h *hub) handlePollSend(w http.ResponseWriter, r *http.Request) {
	c := h.pollClient(r.URL.Query().Get("sid"))
	if c == nil {
		respondError(w, http.StatusNotFound, errUnknownSession)
		return
	}
	c.touch()
	var frames []chat.Frame
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&frames); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("Invalid message format"))
		return
	}
	for _, f := range frames {
		if f.Event == "" {
			c.pushEvent(chat.EventError, chat.ServerError{Message: "Invalid message format"})
			continue
		}
		h.handleFrame(c, f)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hub) handlePollClose(w http.ResponseWriter, r *http.Request) {
	if c := h.pollClient(r.URL.Query().Get("sid")); c != nil {
		h.unregister(c)
	}
	w.WriteHeader(http.StatusNoContent)
}
