package gateway

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.version,
		"app":     AppName,
		"dbPath":  s.cfg.DBPath,
	})
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := s.store.ListDepartments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": departments})
}

// handleCliStatus reports per-provider install/auth detection. refresh=1
// bypasses the 30 s cache.
func (s *Server) handleCliStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cliauth.Statuses(queryBool(r, "refresh")))
}

func (s *Server) handleCliUsage(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.usage.Cached(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleCliUsageRefresh(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.usage.RefreshAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// handlePutSettings upserts the posted keys. String values are stored
// verbatim, anything else is stored as its JSON encoding.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if len(body) == 0 {
		badRequest(w, "no_settings", "body must be a non-empty object")
		return
	}
	for key, value := range body {
		text, ok := value.(string)
		if !ok {
			raw, err := json.Marshal(value)
			if err != nil {
				badRequest(w, "invalid_value", key+": "+err.Error())
				return
			}
			text = string(raw)
		}
		if err := s.store.SetSetting(r.Context(), key, text); err != nil {
			writeError(w, err)
			return
		}
	}
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}
