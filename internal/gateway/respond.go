package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/climpire/internal/orchestrator"
	"github.com/nextlevelbuilder/climpire/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// readJSON decodes a request body. An empty body decodes into the zero
// value so action endpoints may omit their optional bodies.
func readJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// errorCode maps operation errors onto the REST error vocabulary.
var errorCode = []struct {
	err  error
	code string
}{
	{orchestrator.ErrAlreadyRunning, "already_running"},
	{orchestrator.ErrAgentBusy, "agent_busy"},
	{orchestrator.ErrUnsupportedProvider, "unsupported_provider"},
	{orchestrator.ErrNoAgent, "no_agent"},
	{orchestrator.ErrNotRunning, "not_running"},
	{orchestrator.ErrBadStatus, "bad_status"},
	{orchestrator.ErrNoWorktree, "no_worktree"},
}

// writeError renders err per the four error kinds: not-found rows map
// to 404, precondition failures to 400 with a stable code, everything
// else to 500.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	for _, m := range errorCode {
		if errors.Is(err, m.err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   m.code,
				"message": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "internal",
		"message": err.Error(),
	})
}

func badRequest(w http.ResponseWriter, code, message string) {
	body := map[string]string{"error": code}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, http.StatusBadRequest, body)
}

// queryInt reads an integer query parameter, falling back on absence
// or garbage.
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}
