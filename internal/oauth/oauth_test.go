package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/httpagent"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
	"github.com/nextlevelbuilder/climpire/internal/vault"
)

var _ httpagent.TokenSource = (*Service)(nil)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		OAuthBaseURL:       "http://127.0.0.1:4000",
		GitHubClientID:     "gh-client",
		GitHubClientSecret: "gh-secret",
		GoogleClientID:     "g-client",
		GoogleClientSecret: "g-secret",
	}
	return New(st, vault.New("test-secret"), cfg, logger), st
}

func stateParam(t *testing.T, rawURL string) (string, url.Values) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse start url: %v", err)
	}
	q := u.Query()
	if q.Get("state") == "" {
		t.Fatal("start url has no state param")
	}
	return q.Get("state"), q
}

func TestNormalizeProvider(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"github", ProviderGitHub, true},
		{"github-copilot", ProviderGitHub, true},
		{"Copilot", ProviderGitHub, true},
		{"google", ProviderGoogle, true},
		{"antigravity", ProviderGoogle, true},
		{"google-antigravity", ProviderGoogle, true},
		{"openai", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeProvider(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("NormalizeProvider(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("NormalizeProvider(%q) succeeded, want error", tt.in)
		}
	}
}

func TestGitHubWebFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("api path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token gho_secret123" {
			t.Errorf("api authorization = %q", got)
		}
		fmt.Fprint(w, `{"login":"octocat","email":"octo@github.com"}`)
	}))
	defer api.Close()

	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("accept = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "gh-client" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "gh-secret" {
			t.Errorf("client_secret = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "code-abc" {
			t.Errorf("code = %q", got)
		}
		if got := r.PostForm.Get("redirect_uri"); got != "http://127.0.0.1:4000/api/oauth/callback/github-copilot" {
			t.Errorf("redirect_uri = %q", got)
		}
		fmt.Fprint(w, `{"access_token":"gho_secret123","token_type":"bearer","scope":"read:user"}`)
	}))
	defer tokens.Close()

	svc.githubTokenURL = tokens.URL
	svc.githubAPIBase = api.URL

	startURL, err := svc.StartURL(ctx, "github-copilot", "/settings")
	if err != nil {
		t.Fatalf("StartURL: %v", err)
	}
	stateID, q := stateParam(t, startURL)
	if got := q.Get("redirect_uri"); got != "http://127.0.0.1:4000/api/oauth/callback/github-copilot" {
		t.Errorf("authorize redirect_uri = %q", got)
	}
	if got := q.Get("scope"); got != "read:user" {
		t.Errorf("authorize scope = %q", got)
	}

	redirect, err := svc.HandleGitHubCallback(ctx, "code-abc", stateID)
	if err != nil {
		t.Fatalf("HandleGitHubCallback: %v", err)
	}
	if redirect != "/settings" {
		t.Errorf("redirect = %q, want /settings", redirect)
	}

	// The round trip through the vault must hand back the exact token.
	got, err := svc.GitHubToken(ctx)
	if err != nil {
		t.Fatalf("GitHubToken: %v", err)
	}
	if got != "gho_secret123" {
		t.Errorf("token = %q, want gho_secret123", got)
	}

	cred, err := svc.store.GetOAuthCredential(ctx, ProviderGitHub)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.Source != store.OAuthSourceWeb {
		t.Errorf("source = %q", cred.Source)
	}
	if cred.Email != "octo@github.com" {
		t.Errorf("email = %q", cred.Email)
	}
	if !strings.HasPrefix(cred.AccessToken, "v1:") || strings.Contains(cred.AccessToken, "gho_secret123") {
		t.Errorf("access token stored unencrypted: %q", cred.AccessToken)
	}

	// States are single-use.
	if _, err := svc.HandleGitHubCallback(ctx, "code-abc", stateID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second callback err = %v, want ErrNotFound", err)
	}
}

func TestGitHubWebFlowNeedsSecret(t *testing.T) {
	svc, _ := newTestService(t)
	svc.githubClientSecret = ""
	if _, err := svc.StartURL(context.Background(), "copilot", ""); err == nil || !strings.Contains(err.Error(), "device flow") {
		t.Fatalf("err = %v, want device flow hint", err)
	}
}

func TestGitHubDeviceFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("scope"); got != "read:user" {
			t.Errorf("scope = %q", got)
		}
		fmt.Fprint(w, `{"device_code":"dc-1","user_code":"ABCD-1234","verification_uri":"https://github.com/login/device","expires_in":900,"interval":5}`)
	}))
	defer device.Close()

	var polls atomic.Int32
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "urn:ietf:params:oauth:grant-type:device_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("device_code"); got != "dc-1" {
			t.Errorf("device_code = %q", got)
		}
		switch polls.Add(1) {
		case 1:
			fmt.Fprint(w, `{"error":"authorization_pending"}`)
		case 2:
			fmt.Fprint(w, `{"error":"slow_down","interval":10}`)
		default:
			fmt.Fprint(w, `{"access_token":"gho_device","token_type":"bearer","scope":"read:user"}`)
		}
	}))
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"login":"hubber","email":""}`)
	}))
	defer api.Close()

	svc.githubDeviceURL = device.URL
	svc.githubTokenURL = tokens.URL
	svc.githubAPIBase = api.URL

	auth, err := svc.DeviceStart(ctx)
	if err != nil {
		t.Fatalf("DeviceStart: %v", err)
	}
	if auth.UserCode != "ABCD-1234" || auth.Interval != 5 {
		t.Fatalf("device authorization = %+v", auth)
	}

	wantStatuses := []string{DevicePending, DeviceSlowDown, DeviceComplete}
	for i, want := range wantStatuses {
		res, err := svc.DevicePoll(ctx, auth.DeviceCode)
		if err != nil {
			t.Fatalf("DevicePoll %d: %v", i, err)
		}
		if res.Status != want {
			t.Fatalf("poll %d status = %q, want %q", i, res.Status, want)
		}
	}

	// Login stands in when the account exposes no public email.
	cred, err := svc.store.GetOAuthCredential(ctx, ProviderGitHub)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.Email != "hubber" {
		t.Errorf("email = %q, want hubber", cred.Email)
	}

	got, err := svc.GitHubToken(ctx)
	if err != nil {
		t.Fatalf("GitHubToken: %v", err)
	}
	if got != "gho_device" {
		t.Errorf("token = %q", got)
	}
}

func TestGitHubDeviceFlowDenied(t *testing.T) {
	svc, _ := newTestService(t)
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"access_denied","error_description":"user canceled"}`)
	}))
	defer tokens.Close()
	svc.githubTokenURL = tokens.URL

	if _, err := svc.DevicePoll(context.Background(), "dc-x"); err == nil || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("err = %v, want access_denied", err)
	}
}

func TestGoogleFlowAndRefresh(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer ya29.") {
			t.Errorf("userinfo authorization = %q", got)
		}
		fmt.Fprint(w, `{"email":"dev@example.com"}`)
	}))
	defer userinfo.Close()

	var gotVerifier atomic.Value
	var tokenCalls atomic.Int32
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		tokenCalls.Add(1)
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if got := r.PostForm.Get("code"); got != "auth-code" {
				t.Errorf("code = %q", got)
			}
			gotVerifier.Store(r.PostForm.Get("code_verifier"))
			fmt.Fprint(w, `{"access_token":"ya29.initial","refresh_token":"1//refresh-token-xyz","expires_in":3600,"scope":"openid"}`)
		case "refresh_token":
			if got := r.PostForm.Get("refresh_token"); got != "1//refresh-token-xyz" {
				t.Errorf("refresh_token = %q", got)
			}
			fmt.Fprint(w, `{"access_token":"ya29.fresh","expires_in":3599}`)
		default:
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
	}))
	defer tokens.Close()

	svc.googleTokenURL = tokens.URL
	svc.googleUserinfoURL = userinfo.URL

	startURL, err := svc.StartURL(ctx, "antigravity", "")
	if err != nil {
		t.Fatalf("StartURL: %v", err)
	}
	stateID, q := stateParam(t, startURL)
	if got := q.Get("access_type"); got != "offline" {
		t.Errorf("access_type = %q", got)
	}
	if got := q.Get("prompt"); got != "consent" {
		t.Errorf("prompt = %q", got)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q", got)
	}
	if !strings.Contains(q.Get("scope"), "cloud-platform") {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	redirect, err := svc.HandleGoogleCallback(ctx, "auth-code", stateID)
	if err != nil {
		t.Fatalf("HandleGoogleCallback: %v", err)
	}
	if redirect != "/" {
		t.Errorf("redirect = %q, want /", redirect)
	}

	// The verifier sent on exchange must match the challenge from the
	// authorize URL after the encrypt/store/decrypt round trip.
	verifier, _ := gotVerifier.Load().(string)
	sum := sha256.Sum256([]byte(verifier))
	if got := base64.RawURLEncoding.EncodeToString(sum[:]); got != q.Get("code_challenge") {
		t.Fatalf("verifier does not match challenge: %q vs %q", got, q.Get("code_challenge"))
	}

	// Fresh token, no refresh needed.
	got, err := svc.GoogleToken(ctx)
	if err != nil {
		t.Fatalf("GoogleToken: %v", err)
	}
	if got != "ya29.initial" {
		t.Errorf("token = %q, want ya29.initial", got)
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", n)
	}

	cred, err := svc.store.GetOAuthCredential(ctx, ProviderGoogle)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.Email != "dev@example.com" {
		t.Errorf("email = %q", cred.Email)
	}

	// Shrink the expiry inside the margin to force a refresh.
	soon := time.Now().UTC().Add(30 * time.Second)
	cred.ExpiresAt = &soon
	if err := svc.store.UpsertOAuthCredential(ctx, cred); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err = svc.GoogleToken(ctx)
	if err != nil {
		t.Fatalf("GoogleToken after expiry: %v", err)
	}
	if got != "ya29.fresh" {
		t.Errorf("refreshed token = %q, want ya29.fresh", got)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Fatalf("token endpoint calls = %d, want 2", n)
	}

	// The refreshed token and expiry are persisted, so the next read
	// skips the endpoint entirely.
	got, err = svc.GoogleToken(ctx)
	if err != nil {
		t.Fatalf("GoogleToken after refresh: %v", err)
	}
	if got != "ya29.fresh" {
		t.Errorf("token = %q", got)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Fatalf("token endpoint calls = %d, want 2 (no extra refresh)", n)
	}
}

func TestGoogleCallbackStaleState(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	enc, err := svc.vault.Encrypt("stale-verifier")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	old := &store.OAuthState{
		ID:           "stale-1",
		Provider:     stateGoogle,
		CodeVerifier: enc,
		CreatedAt:    time.Now().UTC().Add(-11 * time.Minute),
	}
	if err := st.CreateOAuthState(ctx, old); err != nil {
		t.Fatalf("create state: %v", err)
	}

	if _, err := svc.HandleGoogleCallback(ctx, "auth-code", "stale-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// The stale row is gone, not retryable.
	if _, err := st.ConsumeOAuthState(ctx, "stale-1", stateGoogle, time.Hour); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale row survived: %v", err)
	}
}

func TestStatusAndDisconnect(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status["copilot"].Connected || status["antigravity"].Connected {
		t.Fatalf("fresh store reports connections: %+v", status)
	}

	enc, _ := svc.vault.Encrypt("gho_x")
	err = st.UpsertOAuthCredential(ctx, &store.OAuthCredential{
		Provider:    ProviderGitHub,
		Source:      store.OAuthSourceWeb,
		Email:       "octo@github.com",
		AccessToken: enc,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	status, err = svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status["copilot"].Connected || status["copilot"].Email != "octo@github.com" {
		t.Fatalf("copilot status = %+v", status["copilot"])
	}
	if status["antigravity"].Connected {
		t.Fatalf("antigravity status = %+v", status["antigravity"])
	}

	if err := svc.Disconnect(ctx, "copilot"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := st.GetOAuthCredential(ctx, ProviderGitHub); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("credential survived disconnect: %v", err)
	}
	if err := svc.Disconnect(ctx, "copilot"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second disconnect err = %v, want ErrNotFound", err)
	}
}

func TestTokenWithoutCredential(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.GitHubToken(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GitHubToken err = %v, want ErrNotFound", err)
	}
	if _, err := svc.GoogleToken(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GoogleToken err = %v, want ErrNotFound", err)
	}
}
