package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func (s *Store) AppendTaskLog(ctx context.Context, taskID, kind, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		taskID, kind, message, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: append task log: %w", err)
	}
	return nil
}

func (s *Store) ListTaskLogs(ctx context.Context, taskID string) ([]store.TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, kind, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list task logs: %w", err)
	}
	defer rows.Close()

	var out []store.TaskLog
	for rows.Next() {
		var (
			l         store.TaskLog
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Kind, &l.Message, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTaskLogs(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("sqlite: delete task logs: %w", err)
	}
	return nil
}
