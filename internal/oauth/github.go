package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

const githubScope = "read:user"

// githubStartURL is the web-application flow. No PKCE; the verifier
// column carries the "none" sentinel.
func (s *Service) githubStartURL(ctx context.Context, redirectTo string) (string, error) {
	if s.githubClientSecret == "" {
		return "", errors.New("oauth: github web flow needs OAUTH_GITHUB_CLIENT_SECRET, use the device flow instead")
	}
	st := &store.OAuthState{
		ID:           uuid.NewString(),
		Provider:     stateGitHub,
		CodeVerifier: "none",
		RedirectTo:   redirectTo,
	}
	if err := s.store.CreateOAuthState(ctx, st); err != nil {
		return "", fmt.Errorf("oauth: create state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", s.githubClientID)
	q.Set("redirect_uri", s.redirectURI("/api/oauth/callback/github-copilot"))
	q.Set("scope", githubScope)
	q.Set("state", st.ID)
	return s.githubAuthorizeURL + "?" + q.Encode(), nil
}

type githubTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int    `json:"interval"`
}

// HandleGitHubCallback consumes the state row, trades the code for an
// access token and persists it encrypted. It returns the page the
// browser should land on.
func (s *Service) HandleGitHubCallback(ctx context.Context, code, stateID string) (string, error) {
	st, err := s.store.ConsumeOAuthState(ctx, stateID, stateGitHub, StateTTL)
	if err != nil {
		return "", fmt.Errorf("oauth: github state: %w", err)
	}

	form := url.Values{}
	form.Set("client_id", s.githubClientID)
	form.Set("client_secret", s.githubClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", s.redirectURI("/api/oauth/callback/github-copilot"))

	var tok githubTokenResponse
	if err := s.postForm(ctx, s.githubTokenURL, form, &tok); err != nil {
		return "", err
	}
	if tok.Error != "" {
		return "", fmt.Errorf("oauth: github token exchange: %s: %s", tok.Error, tok.ErrorDescription)
	}
	if tok.AccessToken == "" {
		return "", errors.New("oauth: github token exchange returned no token")
	}

	if err := s.saveGitHubCredential(ctx, tok.AccessToken, tok.Scope); err != nil {
		return "", err
	}
	if st.RedirectTo == "" {
		return "/", nil
	}
	return st.RedirectTo, nil
}

// DeviceAuthorization is the code the user types at github.com/login/device.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceStart begins the GitHub device flow. This is the path that
// works without a client secret, so it is the default for local setups.
func (s *Service) DeviceStart(ctx context.Context) (*DeviceAuthorization, error) {
	form := url.Values{}
	form.Set("client_id", s.githubClientID)
	form.Set("scope", githubScope)

	var out DeviceAuthorization
	if err := s.postForm(ctx, s.githubDeviceURL, form, &out); err != nil {
		return nil, err
	}
	if out.DeviceCode == "" {
		return nil, errors.New("oauth: github device flow returned no device code")
	}
	if out.Interval == 0 {
		out.Interval = 5
	}
	return &out, nil
}

// Device poll outcomes. "complete" means the credential is stored.
const (
	DevicePending  = "pending"
	DeviceSlowDown = "slow_down"
	DeviceComplete = "complete"
)

// DevicePollResult reports one poll round of the device flow.
type DevicePollResult struct {
	Status string `json:"status"`
	Email  string `json:"email,omitempty"`
}

// DevicePoll asks GitHub whether the user has approved the device code
// yet. Pending and slow_down are normal outcomes, not errors.
func (s *Service) DevicePoll(ctx context.Context, deviceCode string) (*DevicePollResult, error) {
	form := url.Values{}
	form.Set("client_id", s.githubClientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	var tok githubTokenResponse
	if err := s.postForm(ctx, s.githubTokenURL, form, &tok); err != nil {
		return nil, err
	}
	switch tok.Error {
	case "":
	case "authorization_pending":
		return &DevicePollResult{Status: DevicePending}, nil
	case "slow_down":
		return &DevicePollResult{Status: DeviceSlowDown}, nil
	default:
		return nil, fmt.Errorf("oauth: github device flow: %s: %s", tok.Error, tok.ErrorDescription)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("oauth: github device flow returned no token")
	}

	if err := s.saveGitHubCredential(ctx, tok.AccessToken, tok.Scope); err != nil {
		return nil, err
	}
	cred, err := s.store.GetOAuthCredential(ctx, ProviderGitHub)
	if err != nil {
		return nil, fmt.Errorf("oauth: reload github credential: %w", err)
	}
	return &DevicePollResult{Status: DeviceComplete, Email: cred.Email}, nil
}

func (s *Service) saveGitHubCredential(ctx context.Context, token, scope string) error {
	enc, err := s.vault.Encrypt(token)
	if err != nil {
		return fmt.Errorf("oauth: encrypt github token: %w", err)
	}
	cred := &store.OAuthCredential{
		Provider:    ProviderGitHub,
		Source:      store.OAuthSourceWeb,
		Email:       s.githubEmail(ctx, token),
		Scope:       scope,
		AccessToken: enc,
	}
	if err := s.store.UpsertOAuthCredential(ctx, cred); err != nil {
		return fmt.Errorf("oauth: save github credential: %w", err)
	}
	s.logger.Info("github account connected", "email", cred.Email)
	return nil
}

// githubEmail is best-effort account labeling; a failed lookup never
// blocks the connect.
func (s *Service) githubEmail(ctx context.Context, token string) string {
	var user struct {
		Login string `json:"login"`
		Email string `json:"email"`
	}
	if err := s.getJSON(ctx, s.githubAPIBase+"/user", "token "+token, &user); err != nil {
		s.logger.Debug("github user lookup failed", "error", err)
		return ""
	}
	if user.Email != "" {
		return user.Email
	}
	return user.Login
}

// GitHubToken returns the decrypted GitHub access token. GitHub OAuth
// app tokens do not expire, so there is no refresh path.
func (s *Service) GitHubToken(ctx context.Context) (string, error) {
	cred, err := s.store.GetOAuthCredential(ctx, ProviderGitHub)
	if err != nil {
		return "", fmt.Errorf("oauth: github credential: %w", err)
	}
	token, err := s.vault.Decrypt(cred.AccessToken)
	if err != nil {
		return "", fmt.Errorf("oauth: decrypt github token: %w", err)
	}
	return token, nil
}

// expiryFrom converts an expires_in count into an absolute UTC instant.
func expiryFrom(expiresIn int) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)
	return &t
}
