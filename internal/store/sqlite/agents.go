package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

const agentCols = `a.id, a.name, a.name_ko, a.department_id, a.role, a.cli_provider,
	a.avatar_emoji, a.personality, a.status, a.current_task_id,
	a.stats_tasks_done, a.stats_xp, a.created_at, a.updated_at,
	COALESCE(d.name, '')`

const agentFrom = ` FROM agents a LEFT JOIN departments d ON d.id = a.department_id`

func scanAgent(sc interface{ Scan(...any) error }) (store.Agent, error) {
	var (
		a                     store.Agent
		deptID, provider      sql.NullString
		currentTask           sql.NullString
		createdAt, updatedAt  string
	)
	err := sc.Scan(&a.ID, &a.Name, &a.NameKo, &deptID, &a.Role, &provider,
		&a.AvatarEmoji, &a.Personality, &a.Status, &currentTask,
		&a.StatsTasksDone, &a.StatsXP, &createdAt, &updatedAt,
		&a.DepartmentName)
	if err != nil {
		return a, err
	}
	a.DepartmentID = strPtr(deptID)
	a.CliProvider = strPtr(provider)
	a.CurrentTaskID = strPtr(currentTask)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (s *Store) queryAgents(ctx context.Context, where string, args ...any) ([]store.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+agentFrom+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query agents: %w", err)
	}
	defer rows.Close()

	var out []store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListAgents(ctx context.Context) ([]store.Agent, error) {
	return s.queryAgents(ctx, ` ORDER BY d.sort_order, a.role, a.name`)
}

func (s *Store) ListAgentsByDepartment(ctx context.Context, departmentID string) ([]store.Agent, error) {
	return s.queryAgents(ctx, ` WHERE a.department_id = ? ORDER BY a.role, a.name`, departmentID)
}

func (s *Store) ListTeamLeaders(ctx context.Context) ([]store.Agent, error) {
	return s.queryAgents(ctx,
		` WHERE a.role = ? AND a.status != ? ORDER BY d.sort_order`,
		store.RoleTeamLeader, store.AgentOffline)
}

func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentCols+agentFrom+` WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+agentFrom+` WHERE a.name = ? COLLATE NOCASE OR a.name_ko = ?`, name, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent by name: %w", err)
	}
	return &a, nil
}

func (s *Store) GetTeamLeader(ctx context.Context, departmentID string) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+agentFrom+` WHERE a.department_id = ? AND a.role = ?`,
		departmentID, store.RoleTeamLeader))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get team leader: %w", err)
	}
	return &a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.execMapUpdate("agents", id, updates)
}

func (s *Store) SetAgentStatus(ctx context.Context, id, status string, currentTaskID *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task_id = ?, updated_at = ? WHERE id = ?`,
		status, nullable(currentTaskID), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddAgentStats(ctx context.Context, id string, tasksDone, xp int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET stats_tasks_done = stats_tasks_done + ?, stats_xp = stats_xp + ?, updated_at = ? WHERE id = ?`,
		tasksDone, xp, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: add agent stats: %w", err)
	}
	return nil
}
