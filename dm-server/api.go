package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// messageRow is the JSON shape of a persisted message in API responses.
type messageRow struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Message    string `json:"message"`
	CreatedAt  string `json:"created_at"`
	IsRead     bool   `json:"is_read"`
}

func toRow(m storedMessage) messageRow {
	return messageRow{
		ID:         strconv.FormatUint(m.ID, 10),
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Message:    m.Message,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toRows(msgs []storedMessage) []messageRow {
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, toRow(m))
	}
	return rows
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Warn().Err(err).Msg("[dm-server] encode json response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// NewHandler builds the HTTP surface: history API, realtime endpoints and
// metrics.
func NewHandler(name string, h *hub) http.Handler {
	r := chi.NewRouter()

	health := func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"name":        name,
			"connections": h.clientCount(),
		})
	}
	r.Get("/healthz", health)
	r.Get("/api/health", health)

	r.Get("/api/messages", h.handleConversation)
	r.Get("/api/messages/inbox", h.handleInbox)

	r.Get("/ws", h.handleWS)
	r.Post("/poll", h.handlePollOpen)
	r.Get("/poll", h.handlePoll)
	r.Delete("/poll", h.handlePollClose)
	r.Post("/poll/send", h.handlePollSend)

	r.Method(http.MethodGet, "/metrics", h.metrics.handler())
	return r
}

func (h *hub) handleConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user1, user2 := sanitizeUserID(q.Get("user1")), sanitizeUserID(q.Get("user2"))
	if user1 == "" || user2 == "" {
		respondError(w, http.StatusBadRequest, errors.New("Both user1 and user2 are required"))
		return
	}
	limit := h.cfg.HistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, h.cfg.HistoryLimit)
	}
	msgs, err := h.store.Conversation(user1, user2, limit)
	if err != nil {
		log.Error().Err(err).Str("user1", user1).Str("user2", user2).Msg("[dm-server] load conversation")
		respondError(w, http.StatusInternalServerError, errors.New("Failed to fetch messages"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": toRows(msgs)})
}

func (h *hub) handleInbox(w http.ResponseWriter, r *http.Request) {
	user := sanitizeUserID(r.URL.Query().Get("userId"))
	if user == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	msgs, err := h.store.Inbox(user)
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("[dm-server] load inbox")
		respondError(w, http.StatusInternalServerError, errors.New("Failed to fetch inbox"))
		return
	}
	type entry struct {
		PeerID string     `json:"peer_id"`
		Last   messageRow `json:"last_message"`
	}
	out := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, entry{PeerID: m.counterpart(user), Last: toRow(m)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}
