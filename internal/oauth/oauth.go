// Package oauth connects the office to GitHub Copilot and Google
// Antigravity accounts. It owns both handshakes (GitHub web + device
// flow, Google authorization-code with PKCE), persists tokens through
// the vault, and hands decrypted tokens to the HTTP agent runner.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/vault"
)

// Credential row keys. The UI talks about copilot and antigravity;
// the vault rows are keyed by the account provider behind them.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// State row provider tags, one per handshake kind.
const (
	stateGitHub = "github_copilot"
	stateGoogle = "google_antigravity"
)

const (
	// StateTTL bounds how long a handshake may sit between the start
	// redirect and the callback.
	StateTTL = 10 * time.Minute

	// googleRefreshMargin forces a refresh when the stored access
	// token is about to expire.
	googleRefreshMargin = 60 * time.Second
)

// Service drives both OAuth handshakes and serves as the runner's
// token source. Endpoint fields are swappable for tests.
type Service struct {
	store  store.OAuthStore
	vault  *vault.Vault
	logger *slog.Logger
	client *http.Client

	baseURL            string
	githubClientID     string
	githubClientSecret string
	googleClientID     string
	googleClientSecret string

	githubAuthorizeURL string
	githubTokenURL     string
	githubDeviceURL    string
	githubAPIBase      string
	googleAuthURL      string
	googleTokenURL     string
	googleUserinfoURL  string
}

func New(st store.OAuthStore, v *vault.Vault, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		vault:  v,
		logger: logger.With("component", "oauth"),
		client: &http.Client{Timeout: 30 * time.Second},

		baseURL:            strings.TrimRight(cfg.OAuthBaseURL, "/"),
		githubClientID:     cfg.GitHubClientID,
		githubClientSecret: cfg.GitHubClientSecret,
		googleClientID:     cfg.GoogleClientID,
		googleClientSecret: cfg.GoogleClientSecret,

		githubAuthorizeURL: "https://github.com/login/oauth/authorize",
		githubTokenURL:     "https://github.com/login/oauth/access_token",
		githubDeviceURL:    "https://github.com/login/device/code",
		githubAPIBase:      "https://api.github.com",
		googleAuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		googleTokenURL:     "https://oauth2.googleapis.com/token",
		googleUserinfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
	}
}

// NormalizeProvider maps UI provider names onto credential rows.
func NormalizeProvider(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "github", "github-copilot", "copilot":
		return ProviderGitHub, nil
	case "google", "google-antigravity", "antigravity":
		return ProviderGoogle, nil
	}
	return "", fmt.Errorf("oauth: unknown provider %q", p)
}

// StartURL creates a one-time state row and returns the authorize URL
// the browser should be redirected to.
func (s *Service) StartURL(ctx context.Context, provider, redirectTo string) (string, error) {
	p, err := NormalizeProvider(provider)
	if err != nil {
		return "", err
	}
	if p == ProviderGitHub {
		return s.githubStartURL(ctx, redirectTo)
	}
	return s.googleStartURL(ctx, redirectTo)
}

// ProviderStatus is one row of the connection status report.
type ProviderStatus struct {
	Connected bool       `json:"connected"`
	Source    string     `json:"source,omitempty"`
	Email     string     `json:"email,omitempty"`
	Scope     string     `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Status reports connection state per agent provider. Both keys are
// always present so the UI can render disconnected cards.
func (s *Service) Status(ctx context.Context) (map[string]ProviderStatus, error) {
	out := map[string]ProviderStatus{
		"copilot":     {},
		"antigravity": {},
	}
	creds, err := s.store.ListOAuthCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: list credentials: %w", err)
	}
	for _, c := range creds {
		ps := ProviderStatus{
			Connected: true,
			Source:    c.Source,
			Email:     c.Email,
			Scope:     c.Scope,
			ExpiresAt: c.ExpiresAt,
		}
		switch c.Provider {
		case ProviderGitHub:
			out["copilot"] = ps
		case ProviderGoogle:
			out["antigravity"] = ps
		}
	}
	return out, nil
}

// Disconnect drops the stored credential for a provider.
func (s *Service) Disconnect(ctx context.Context, provider string) error {
	p, err := NormalizeProvider(provider)
	if err != nil {
		return err
	}
	if err := s.store.DeleteOAuthCredential(ctx, p); err != nil {
		return fmt.Errorf("oauth: disconnect %s: %w", p, err)
	}
	s.logger.Info("credential disconnected", "provider", p)
	return nil
}

func (s *Service) redirectURI(path string) string {
	return s.baseURL + path
}

// postForm sends a urlencoded POST and decodes a JSON response. Both
// GitHub and Google token endpoints speak this shape.
func (s *Service) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("oauth: post %s: http %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oauth: decode %s response: %w", endpoint, err)
	}
	return nil
}

func (s *Service) getJSON(ctx context.Context, endpoint, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth: get %s: http %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oauth: decode %s response: %w", endpoint, err)
	}
	return nil
}
