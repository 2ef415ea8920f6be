package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func (s *Store) UpsertCliUsage(ctx context.Context, provider, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cli_usage_cache (provider, payload, refreshed_at) VALUES (?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET payload = excluded.payload, refreshed_at = excluded.refreshed_at`,
		provider, payload, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: upsert cli usage: %w", err)
	}
	return nil
}

func (s *Store) ListCliUsage(ctx context.Context) ([]store.CliUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, payload, refreshed_at FROM cli_usage_cache ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list cli usage: %w", err)
	}
	defer rows.Close()

	var out []store.CliUsage
	for rows.Next() {
		var (
			u           store.CliUsage
			refreshedAt string
		)
		if err := rows.Scan(&u.Provider, &u.Payload, &refreshedAt); err != nil {
			return nil, err
		}
		u.RefreshedAt = parseTime(refreshedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set setting: %w", err)
	}
	return nil
}

func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
