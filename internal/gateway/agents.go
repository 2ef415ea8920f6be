package gateway

import (
	"net/http"

	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// agentFields are the columns PATCH /api/agents/{id} may touch.
var agentFields = []string{
	"name", "name_ko", "department_id", "role", "cli_provider",
	"avatar_emoji", "personality", "status", "current_task_id",
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body map[string]any
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}

	updates := make(map[string]any)
	for _, field := range agentFields {
		if v, ok := body[field]; ok {
			updates[field] = v
		}
	}
	if len(updates) == 0 {
		badRequest(w, "no_fields", "no updatable fields in body")
		return
	}

	if _, err := s.store.GetAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateAgent(r.Context(), id, updates); err != nil {
		writeError(w, err)
		return
	}

	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(protocol.EventAgentStatus, agent)
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}
