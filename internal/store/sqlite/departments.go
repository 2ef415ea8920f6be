package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func (s *Store) ListDepartments(ctx context.Context) ([]store.Department, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.name, d.name_ko, d.icon, d.color, d.sort_order,
		        COUNT(a.id)
		 FROM departments d
		 LEFT JOIN agents a ON a.department_id = d.id
		 GROUP BY d.id
		 ORDER BY d.sort_order`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list departments: %w", err)
	}
	defer rows.Close()

	var out []store.Department
	for rows.Next() {
		var d store.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.NameKo, &d.Icon, &d.Color, &d.SortOrder, &d.AgentCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDepartment(ctx context.Context, id string) (*store.Department, error) {
	var d store.Department
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, name_ko, icon, color, sort_order FROM departments WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.NameKo, &d.Icon, &d.Color, &d.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get department: %w", err)
	}
	return &d, nil
}
