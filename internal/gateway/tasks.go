package gateway

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/pretty"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:       q.Get("status"),
		DepartmentID: q.Get("department_id"),
		AgentID:      q.Get("agent_id"),
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title           string  `json:"title"`
		Description     string  `json:"description"`
		DepartmentID    *string `json:"department_id"`
		AssignedAgentID *string `json:"assigned_agent_id"`
		Status          string  `json:"status"`
		Priority        int     `json:"priority"`
		TaskType        string  `json:"task_type"`
		ProjectPath     string  `json:"project_path"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		badRequest(w, "title_required", "title must not be empty")
		return
	}
	if body.Status == "" {
		body.Status = store.TaskInbox
	}
	if body.Priority == 0 {
		body.Priority = 3
	}
	if body.TaskType == "" {
		body.TaskType = "general"
	}

	task := &store.Task{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(body.Title),
		Description:     body.Description,
		DepartmentID:    body.DepartmentID,
		AssignedAgentID: body.AssignedAgentID,
		Status:          body.Status,
		Priority:        body.Priority,
		TaskType:        body.TaskType,
		ProjectPath:     body.ProjectPath,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.store.GetTask(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(protocol.EventTaskUpdate, created)
	writeJSON(w, http.StatusCreated, map[string]any{"id": task.ID, "task": created})
}

// taskFields are the columns PATCH /api/tasks/{id} may touch.
var taskFields = []string{
	"title", "description", "status", "priority", "department_id",
	"assigned_agent_id", "task_type", "project_path", "result",
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body map[string]any
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}

	updates := make(map[string]any)
	for _, field := range taskFields {
		if v, ok := body[field]; ok {
			updates[field] = v
		}
	}
	if len(updates) == 0 {
		badRequest(w, "no_fields", "no updatable fields in body")
		return
	}

	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	// Status moves stamp their timestamps so manual board edits look
	// the same as orchestrated ones.
	switch updates["status"] {
	case store.TaskDone:
		updates["completed_at"] = time.Now().UTC()
	case store.TaskInProgress:
		updates["started_at"] = time.Now().UTC()
	}

	if err := s.store.UpdateTask(r.Context(), id, updates); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(protocol.EventTaskUpdate, task)
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleDeleteTask tears the task down: running execution, agent,
// worktree, log file, chat history, then the row itself.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	s.orc.ReleaseTask(r.Context(), id)

	if err := s.store.DeleteMessagesByTask(r.Context(), id); err != nil {
		s.logger.Warn("task message cleanup failed", "task", id, "error", err)
	}
	if err := s.store.DeleteTaskLogs(r.Context(), id); err != nil {
		s.logger.Warn("task log cleanup failed", "task", id, "error", err)
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	s.broadcast(protocol.EventTaskUpdate, map[string]any{"id": id, "deleted": true})
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if body.AgentID == "" {
		badRequest(w, "agent_id_required", "agent_id must not be empty")
		return
	}
	task, err := s.orc.AssignTask(r.Context(), r.PathValue("id"), body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID     string `json:"agent_id"`
		ProjectPath string `json:"project_path"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if err := s.orc.RunTask(r.Context(), r.PathValue("id"), body.AgentID, body.ProjectPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "invalid_json", err.Error())
		return
	}
	if body.Mode == "" {
		body.Mode = "cancel"
	}
	pid, err := s.orc.StopTask(r.Context(), r.PathValue("id"), body.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pid": pid})
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orc.ResumeTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleTaskTerminal tails the run log. pretty=1 pipes the tail through
// the stream-JSON printer.
func (s *Server) handleTaskTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	lines := queryInt(r, "lines", 200)
	if lines <= 0 {
		lines = 200
	}
	content := tailLines(filepath.Join(s.cfg.LogsDir, id+".log"), lines)
	if queryBool(r, "pretty") {
		content = pretty.Render(content)
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content, "lines": lines})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.store.ListTaskLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleTaskSubtasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	subtasks, err := s.store.ListSubtasks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtasks": subtasks})
}

func (s *Server) handleTaskDiff(w http.ResponseWriter, r *http.Request) {
	patch, stat, err := s.orc.TaskDiff(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patch": patch, "stat": stat})
}

func (s *Server) handleTaskMerge(w http.ResponseWriter, r *http.Request) {
	res, err := s.orc.MergeTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTaskDiscard(w http.ResponseWriter, r *http.Request) {
	summary, err := s.orc.DiscardTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

func (s *Server) handleMeetingMinutes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	meetings, err := s.store.ListMeetings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meetings": meetings})
}

// tailLines returns the last n lines of the file. Missing files read as
// empty; at most the final 512 KiB are scanned.
func tailLines(path string, n int) string {
	const window = 512 * 1024

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	if st, err := f.Stat(); err == nil && st.Size() > window {
		if _, err := f.Seek(-window, io.SeekEnd); err != nil {
			return ""
		}
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	text := strings.TrimRight(string(raw), "\n")
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "\n")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "\n")
}
