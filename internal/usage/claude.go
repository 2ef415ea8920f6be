package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// claudeToken reads the OAuth access token Claude Code keeps next to
// its config. There is no refresh path here; a stale token just means
// unauthenticated until the CLI is used again.
func (s *Service) claudeToken() (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.home, ".claude", ".credentials.json"))
	if err != nil {
		return "", errUnauthenticated
	}
	var creds struct {
		ClaudeAiOauth struct {
			AccessToken string `json:"accessToken"`
			ExpiresAt   int64  `json:"expiresAt"` // unix ms
		} `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return "", fmt.Errorf("usage: parse claude credentials: %w", err)
	}
	tok := creds.ClaudeAiOauth.AccessToken
	if tok == "" {
		return "", errUnauthenticated
	}
	if creds.ClaudeAiOauth.ExpiresAt > 0 && stale(time.UnixMilli(creds.ClaudeAiOauth.ExpiresAt)) {
		return "", errUnauthenticated
	}
	return tok, nil
}

type claudeUsageWindow struct {
	Utilization float64 `json:"utilization"` // 0..100
	ResetsAt    string  `json:"resets_at"`
}

func (s *Service) probeClaude(ctx context.Context) ([]Window, error) {
	token, err := s.claudeToken()
	if err != nil {
		return nil, err
	}

	var resp struct {
		FiveHour       *claudeUsageWindow `json:"five_hour"`
		SevenDay       *claudeUsageWindow `json:"seven_day"`
		SevenDaySonnet *claudeUsageWindow `json:"seven_day_sonnet"`
		SevenDayOpus   *claudeUsageWindow `json:"seven_day_opus"`
	}
	headers := map[string]string{
		"Authorization":  "Bearer " + token,
		"anthropic-beta": "oauth-2025-04-20",
	}
	if err := s.doJSON(ctx, http.MethodGet, s.claudeUsageURL, headers, nil, &resp); err != nil {
		return nil, err
	}

	var windows []Window
	add := func(label string, w *claudeUsageWindow) {
		if w == nil {
			return
		}
		windows = append(windows, Window{
			Label:       label,
			Utilization: round2(w.Utilization / 100),
			ResetsAt:    w.ResetsAt,
		})
	}
	add("5-hour", resp.FiveHour)
	add("7-day", resp.SevenDay)
	add("7-day-sonnet", resp.SevenDaySonnet)
	add("7-day-opus", resp.SevenDayOpus)
	return windows, nil
}
