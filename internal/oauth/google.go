package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

// Antigravity drives Code Assist, so the token needs cloud-platform
// reach plus enough identity to label the account in the UI.
var googleScopes = strings.Join([]string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}, " ")

// googleStartURL is the authorization-code flow with PKCE. The
// verifier never leaves the process unencrypted: it rides in the state
// row as a vault payload until the callback needs it.
func (s *Service) googleStartURL(ctx context.Context, redirectTo string) (string, error) {
	verifier, challenge, err := newPKCE()
	if err != nil {
		return "", err
	}
	encVerifier, err := s.vault.Encrypt(verifier)
	if err != nil {
		return "", fmt.Errorf("oauth: encrypt verifier: %w", err)
	}
	st := &store.OAuthState{
		ID:           uuid.NewString(),
		Provider:     stateGoogle,
		CodeVerifier: encVerifier,
		RedirectTo:   redirectTo,
	}
	if err := s.store.CreateOAuthState(ctx, st); err != nil {
		return "", fmt.Errorf("oauth: create state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", s.googleClientID)
	q.Set("redirect_uri", s.redirectURI("/api/oauth/callback/antigravity"))
	q.Set("response_type", "code")
	q.Set("scope", googleScopes)
	// offline + consent is what makes Google hand back a refresh token.
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", st.ID)
	return s.googleAuthURL + "?" + q.Encode(), nil
}

func newPKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("oauth: generate verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

type googleTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// HandleGoogleCallback consumes the state row, exchanges the code with
// the stored PKCE verifier and persists both tokens encrypted.
func (s *Service) HandleGoogleCallback(ctx context.Context, code, stateID string) (string, error) {
	st, err := s.store.ConsumeOAuthState(ctx, stateID, stateGoogle, StateTTL)
	if err != nil {
		return "", fmt.Errorf("oauth: google state: %w", err)
	}
	verifier, err := s.vault.Decrypt(st.CodeVerifier)
	if err != nil {
		return "", fmt.Errorf("oauth: decrypt verifier: %w", err)
	}

	form := url.Values{}
	form.Set("client_id", s.googleClientID)
	form.Set("client_secret", s.googleClientSecret)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", s.redirectURI("/api/oauth/callback/antigravity"))
	form.Set("grant_type", "authorization_code")

	var tok googleTokenResponse
	if err := s.postForm(ctx, s.googleTokenURL, form, &tok); err != nil {
		return "", err
	}
	if tok.Error != "" {
		return "", fmt.Errorf("oauth: google token exchange: %s: %s", tok.Error, tok.ErrorDescription)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return "", errors.New("oauth: google token exchange returned incomplete tokens")
	}

	encAccess, err := s.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("oauth: encrypt access token: %w", err)
	}
	encRefresh, err := s.vault.Encrypt(tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("oauth: encrypt refresh token: %w", err)
	}
	cred := &store.OAuthCredential{
		Provider:     ProviderGoogle,
		Source:       store.OAuthSourceWeb,
		Email:        s.googleEmail(ctx, tok.AccessToken),
		Scope:        tok.Scope,
		ExpiresAt:    expiryFrom(tok.ExpiresIn),
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
	}
	if err := s.store.UpsertOAuthCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("oauth: save google credential: %w", err)
	}
	s.logger.Info("google account connected", "email", cred.Email)

	if st.RedirectTo == "" {
		return "/", nil
	}
	return st.RedirectTo, nil
}

func (s *Service) googleEmail(ctx context.Context, token string) string {
	var user struct {
		Email string `json:"email"`
	}
	if err := s.getJSON(ctx, s.googleUserinfoURL, "Bearer "+token, &user); err != nil {
		s.logger.Debug("google userinfo lookup failed", "error", err)
		return ""
	}
	return user.Email
}

// GoogleToken returns a live decrypted access token, refreshing and
// persisting it first when the stored one is within the expiry margin.
func (s *Service) GoogleToken(ctx context.Context) (string, error) {
	cred, err := s.store.GetOAuthCredential(ctx, ProviderGoogle)
	if err != nil {
		return "", fmt.Errorf("oauth: google credential: %w", err)
	}
	if cred.ExpiresAt == nil || time.Until(*cred.ExpiresAt) > googleRefreshMargin {
		token, err := s.vault.Decrypt(cred.AccessToken)
		if err != nil {
			return "", fmt.Errorf("oauth: decrypt google token: %w", err)
		}
		return token, nil
	}
	return s.refreshGoogle(ctx, cred)
}

func (s *Service) refreshGoogle(ctx context.Context, cred *store.OAuthCredential) (string, error) {
	refresh, err := s.vault.Decrypt(cred.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("oauth: decrypt refresh token: %w", err)
	}

	form := url.Values{}
	form.Set("client_id", s.googleClientID)
	form.Set("client_secret", s.googleClientSecret)
	form.Set("refresh_token", refresh)
	form.Set("grant_type", "refresh_token")

	var tok googleTokenResponse
	if err := s.postForm(ctx, s.googleTokenURL, form, &tok); err != nil {
		return "", err
	}
	if tok.Error != "" {
		return "", fmt.Errorf("oauth: google refresh: %s: %s", tok.Error, tok.ErrorDescription)
	}
	if tok.AccessToken == "" {
		return "", errors.New("oauth: google refresh returned no token")
	}

	encAccess, err := s.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("oauth: encrypt access token: %w", err)
	}
	cred.AccessToken = encAccess
	cred.ExpiresAt = expiryFrom(tok.ExpiresIn)
	if err := s.store.UpsertOAuthCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("oauth: persist refreshed token: %w", err)
	}
	s.logger.Debug("google access token refreshed", "expires_at", cred.ExpiresAt)
	return tok.AccessToken, nil
}
