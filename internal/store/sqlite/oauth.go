package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func (s *Store) UpsertOAuthCredential(ctx context.Context, c *store.OAuthCredential) error {
	now := time.Now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_credentials
		 (provider, source, email, scope, expires_at, encrypted_data, access_token, refresh_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
		   source = excluded.source,
		   email = excluded.email,
		   scope = excluded.scope,
		   expires_at = excluded.expires_at,
		   encrypted_data = excluded.encrypted_data,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   updated_at = excluded.updated_at`,
		c.Provider, c.Source, c.Email, c.Scope, fmtTimePtr(c.ExpiresAt),
		c.EncryptedData, c.AccessToken, c.RefreshToken,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert oauth credential: %w", err)
	}
	return nil
}

const oauthCols = `provider, source, email, scope, expires_at, encrypted_data,
	access_token, refresh_token, created_at, updated_at`

func scanOAuthCredential(sc interface{ Scan(...any) error }) (store.OAuthCredential, error) {
	var (
		c                    store.OAuthCredential
		expiresAt            sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&c.Provider, &c.Source, &c.Email, &c.Scope, &expiresAt,
		&c.EncryptedData, &c.AccessToken, &c.RefreshToken, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.ExpiresAt = parseTimePtr(expiresAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func (s *Store) GetOAuthCredential(ctx context.Context, provider string) (*store.OAuthCredential, error) {
	c, err := scanOAuthCredential(s.db.QueryRowContext(ctx,
		`SELECT `+oauthCols+` FROM oauth_credentials WHERE provider = ?`, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get oauth credential: %w", err)
	}
	return &c, nil
}

func (s *Store) ListOAuthCredentials(ctx context.Context) ([]store.OAuthCredential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+oauthCols+` FROM oauth_credentials ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list oauth credentials: %w", err)
	}
	defer rows.Close()

	var out []store.OAuthCredential
	for rows.Next() {
		c, err := scanOAuthCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOAuthCredential(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_credentials WHERE provider = ?`, provider)
	if err != nil {
		return fmt.Errorf("sqlite: delete oauth credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateOAuthState(ctx context.Context, st *store.OAuthState) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	if st.CodeVerifier == "" {
		st.CodeVerifier = "none"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_states (id, provider, code_verifier, redirect_to, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.Provider, st.CodeVerifier, st.RedirectTo, fmtTime(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create oauth state: %w", err)
	}
	return nil
}

func (s *Store) ConsumeOAuthState(ctx context.Context, id, provider string, ttl time.Duration) (*store.OAuthState, error) {
	var (
		st        store.OAuthState
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, code_verifier, redirect_to, created_at FROM oauth_states WHERE id = ?`, id).
		Scan(&st.ID, &st.Provider, &st.CodeVerifier, &st.RedirectTo, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: consume oauth state: %w", err)
	}

	// One-time use: the row is gone regardless of the outcome.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("sqlite: delete oauth state: %w", err)
	}

	st.CreatedAt = parseTime(createdAt)
	if st.Provider != provider || time.Since(st.CreatedAt) > ttl {
		return nil, store.ErrNotFound
	}
	return &st, nil
}
