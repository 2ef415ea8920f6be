package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

const subtaskCols = `id, task_id, title, description, status, assigned_agent_id,
	blocked_reason, cli_tool_use_id, target_department_id, delegated_task_id,
	created_at, updated_at`

func scanSubtask(sc interface{ Scan(...any) error }) (store.Subtask, error) {
	var (
		st                   store.Subtask
		agentID, targetDept  sql.NullString
		delegated            sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&st.ID, &st.TaskID, &st.Title, &st.Description, &st.Status, &agentID,
		&st.BlockedReason, &st.CliToolUseID, &targetDept, &delegated,
		&createdAt, &updatedAt)
	if err != nil {
		return st, err
	}
	st.AssignedAgentID = strPtr(agentID)
	st.TargetDepartmentID = strPtr(targetDept)
	st.DelegatedTaskID = strPtr(delegated)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

func (s *Store) CreateSubtask(ctx context.Context, st *store.Subtask) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = store.SubtaskPending
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subtasks (id, task_id, title, description, status, assigned_agent_id,
		                       blocked_reason, cli_tool_use_id, target_department_id, delegated_task_id,
		                       created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TaskID, st.Title, st.Description, st.Status, nullable(st.AssignedAgentID),
		st.BlockedReason, st.CliToolUseID, nullable(st.TargetDepartmentID), nullable(st.DelegatedTaskID),
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("sqlite: create subtask: %w", err)
	}
	return nil
}

func (s *Store) GetSubtask(ctx context.Context, id string) (*store.Subtask, error) {
	st, err := scanSubtask(s.db.QueryRowContext(ctx,
		`SELECT `+subtaskCols+` FROM subtasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get subtask: %w", err)
	}
	return &st, nil
}

func (s *Store) GetSubtaskByToolUseID(ctx context.Context, taskID, toolUseID string) (*store.Subtask, error) {
	st, err := scanSubtask(s.db.QueryRowContext(ctx,
		`SELECT `+subtaskCols+` FROM subtasks WHERE task_id = ? AND cli_tool_use_id = ?`, taskID, toolUseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get subtask by tool use: %w", err)
	}
	return &st, nil
}

func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]store.Subtask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subtaskCols+` FROM subtasks WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list subtasks: %w", err)
	}
	defer rows.Close()

	var out []store.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSubtask(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.execMapUpdate("subtasks", id, updates)
}
