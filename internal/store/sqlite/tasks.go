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

const taskCols = `t.id, t.title, t.description, t.department_id, t.assigned_agent_id,
	t.status, t.priority, t.task_type, t.project_path, t.result,
	t.started_at, t.completed_at, t.created_at, t.updated_at`

func scanTask(sc interface{ Scan(...any) error }, withCounts bool) (store.Task, error) {
	var (
		t                    store.Task
		deptID, agentID      sql.NullString
		startedAt, doneAt    sql.NullString
		createdAt, updatedAt string
	)
	dest := []any{&t.ID, &t.Title, &t.Description, &deptID, &agentID,
		&t.Status, &t.Priority, &t.TaskType, &t.ProjectPath, &t.Result,
		&startedAt, &doneAt, &createdAt, &updatedAt}
	if withCounts {
		dest = append(dest, &t.SubtaskCount, &t.SubtaskDoneCount)
	}
	if err := sc.Scan(dest...); err != nil {
		return t, err
	}
	t.DepartmentID = strPtr(deptID)
	t.AssignedAgentID = strPtr(agentID)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(doneAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = store.TaskInbox
	}
	if t.TaskType == "" {
		t.TaskType = "general"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, department_id, assigned_agent_id, status,
		                    priority, task_type, project_path, result, started_at, completed_at,
		                    created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, nullable(t.DepartmentID), nullable(t.AssignedAgentID), t.Status,
		t.Priority, t.TaskType, t.ProjectPath, t.Result, fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, id), false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get task: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	q := `SELECT ` + taskCols + `,
	        COUNT(st.id),
	        COALESCE(SUM(CASE WHEN st.status = 'done' THEN 1 ELSE 0 END), 0)
	      FROM tasks t
	      LEFT JOIN subtasks st ON st.task_id = t.id
	      WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND t.status = ?`
		args = append(args, f.Status)
	}
	if f.DepartmentID != "" {
		q += ` AND t.department_id = ?`
		args = append(args, f.DepartmentID)
	}
	if f.AgentID != "" {
		q += ` AND t.assigned_agent_id = ?`
		args = append(args, f.AgentID)
	}
	q += ` GROUP BY t.id ORDER BY t.created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.execMapUpdate("tasks", id, updates)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
