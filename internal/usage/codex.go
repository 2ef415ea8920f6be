package usage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// codexToken pulls the ChatGPT access token and account id from the
// codex CLI's auth file. API-key-only installs have no usage API.
func (s *Service) codexToken() (token, accountID string, err error) {
	raw, err := os.ReadFile(filepath.Join(s.home, ".codex", "auth.json"))
	if err != nil {
		return "", "", errUnauthenticated
	}
	var auth struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
			AccountID   string `json:"account_id"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return "", "", fmt.Errorf("usage: parse codex auth: %w", err)
	}
	token = auth.Tokens.AccessToken
	if token == "" {
		return "", "", errUnauthenticated
	}
	accountID = auth.Tokens.AccountID
	if accountID == "" {
		accountID = chatGPTAccountID(token)
	}
	if accountID == "" {
		return "", "", errUnauthenticated
	}
	return token, accountID, nil
}

// chatGPTAccountID extracts the account id claim from a ChatGPT JWT.
// Old auth files carry it only inside the token.
func chatGPTAccountID(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Auth struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return ""
	}
	return claims.Auth.ChatGPTAccountID
}

type codexUsageWindow struct {
	UsedPercent float64 `json:"used_percent"`
	ResetAt     int64   `json:"reset_at"` // unix seconds
}

func (s *Service) probeCodex(ctx context.Context) ([]Window, error) {
	token, accountID, err := s.codexToken()
	if err != nil {
		return nil, err
	}

	var resp struct {
		RateLimit struct {
			PrimaryWindow   *codexUsageWindow `json:"primary_window"`
			SecondaryWindow *codexUsageWindow `json:"secondary_window"`
		} `json:"rate_limit"`
	}
	headers := map[string]string{
		"Authorization":      "Bearer " + token,
		"ChatGPT-Account-Id": accountID,
	}
	if err := s.doJSON(ctx, http.MethodGet, s.codexUsageURL, headers, nil, &resp); err != nil {
		return nil, err
	}

	var windows []Window
	add := func(label string, w *codexUsageWindow) {
		if w == nil {
			return
		}
		win := Window{Label: label, Utilization: w.UsedPercent / 100}
		if w.ResetAt > 0 {
			win.ResetsAt = time.Unix(w.ResetAt, 0).UTC().Format(time.RFC3339)
		}
		windows = append(windows, win)
	}
	add("5-hour", resp.RateLimit.PrimaryWindow)
	add("7-day", resp.RateLimit.SecondaryWindow)
	return windows, nil
}
