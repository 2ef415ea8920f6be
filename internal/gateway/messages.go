package gateway

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// handlePostMessage persists a CEO chat message and hands it to the
// orchestrator, which schedules replies, delegation or announcement
// fan-out depending on the receiver.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content      string `json:"content"`
		ReceiverType string `json:"receiver_type"`
		ReceiverID   string `json:"receiver_id"`
		MessageType  string `json:"message_type"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		badRequest(w, "content_required", "content must not be empty")
		return
	}
	switch body.ReceiverType {
	case store.ReceiverAgent, store.ReceiverDepartment, store.ReceiverAll:
	default:
		badRequest(w, "invalid_receiver", "receiver_type must be agent, department or all")
		return
	}
	if body.ReceiverType != store.ReceiverAll && body.ReceiverID == "" {
		badRequest(w, "receiver_id_required", "receiver_id must be set for "+body.ReceiverType)
		return
	}
	if body.MessageType == "" {
		body.MessageType = store.MsgChat
	}

	msg := &store.Message{
		ID:           uuid.NewString(),
		SenderType:   store.SenderCEO,
		SenderID:     "ceo",
		ReceiverType: body.ReceiverType,
		ReceiverID:   body.ReceiverID,
		Content:      body.Content,
		MessageType:  body.MessageType,
	}
	if err := s.store.CreateMessage(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(protocol.EventNewMessage, msg)

	s.orc.HandleInbound(r.Context(), msg)

	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// agent_id asks for the two-way conversation with that agent,
	// broadcasts included, which is what the chat panel renders.
	if agentID := q.Get("agent_id"); agentID != "" {
		messages, err := s.store.ListConversation(r.Context(), agentID, queryInt(r, "limit", 0))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	filter := store.MessageFilter{
		ReceiverType: q.Get("receiver_type"),
		ReceiverID:   q.Get("receiver_id"),
		Limit:        queryInt(r, "limit", 0),
	}
	messages, err := s.store.ListMessages(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleDeleteMessages clears chat history, either one agent's thread
// (scope=agent) or everything.
func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	scope := q.Get("scope")
	if scope == "" {
		scope = "all"
	}

	deleted, err := s.store.DeleteMessages(r.Context(), agentID, scope)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(protocol.EventMessagesCleared, map[string]any{
		"agent_id": agentID,
		"scope":    scope,
		"deleted":  deleted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// handlePostAnnouncement is the company-wide channel: receiver all,
// type announcement, staggered leader acknowledgments.
func (s *Server) handlePostAnnouncement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		badRequest(w, "content_required", "content must not be empty")
		return
	}

	msg := &store.Message{
		ID:           uuid.NewString(),
		SenderType:   store.SenderCEO,
		SenderID:     "ceo",
		ReceiverType: store.ReceiverAll,
		Content:      body.Content,
		MessageType:  store.MsgAnnouncement,
	}
	if err := s.store.CreateMessage(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(protocol.EventAnnouncement, msg)

	s.orc.HandleInbound(r.Context(), msg)

	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}
