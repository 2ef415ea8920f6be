package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Public installed-app client the gemini CLI itself authenticates
// with. Refreshing through it keeps the on-disk credentials usable by
// the CLI afterwards.
const (
	geminiOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiOAuthClientSecret = "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"
)

// geminiToken loads the CLI's cached OAuth token, refreshing it when
// it is inside the freshness margin. A refreshed token is written back
// to the file so the CLI and this server stay in sync.
func (s *Service) geminiToken(ctx context.Context) (string, error) {
	path := filepath.Join(s.home, ".gemini", "oauth_creds.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errUnauthenticated
	}
	// Decoded as a map so unknown fields survive the write-back.
	var creds map[string]any
	if err := json.Unmarshal(raw, &creds); err != nil {
		return "", fmt.Errorf("usage: parse gemini credentials: %w", err)
	}
	access, _ := creds["access_token"].(string)
	refresh, _ := creds["refresh_token"].(string)
	var expiry int64
	if v, ok := creds["expiry_date"].(float64); ok {
		expiry = int64(v)
	}

	if access != "" && (expiry == 0 || !stale(time.UnixMilli(expiry))) {
		return access, nil
	}
	if refresh == "" {
		return "", errUnauthenticated
	}

	tok, expiresAt, err := s.refreshGeminiToken(ctx, refresh)
	if err != nil {
		return "", err
	}
	creds["access_token"] = tok
	creds["expiry_date"] = expiresAt.UnixMilli()
	if updated, err := json.MarshalIndent(creds, "", "  "); err == nil {
		if err := os.WriteFile(path, updated, 0o600); err != nil {
			s.logger.Warn("gemini credential write-back failed", "error", err)
		}
	}
	return tok, nil
}

func (s *Service) refreshGeminiToken(ctx context.Context, refresh string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", geminiOAuthClientID)
	form.Set("client_secret", geminiOAuthClientSecret)
	form.Set("refresh_token", refresh)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.googleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("usage: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("usage: gemini refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &httpStatusError{code: resp.StatusCode}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", time.Time{}, fmt.Errorf("usage: decode refresh response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, errUnauthenticated
	}
	return tok.AccessToken, time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second), nil
}

// geminiProject resolves the Code Assist project id: the discovery
// endpoint first, then the env var, then the CLI settings file.
func (s *Service) geminiProject(ctx context.Context, token string) (string, error) {
	var resp struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
	}
	body := map[string]any{"metadata": map[string]string{
		"ideType":    "GEMINI_CLI",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}}
	headers := map[string]string{"Authorization": "Bearer " + token}
	err := s.doJSON(ctx, http.MethodPost, s.geminiBase+"/v1internal:loadCodeAssist", headers, body, &resp)
	if err == nil && resp.CloudAICompanionProject != "" {
		return resp.CloudAICompanionProject, nil
	}

	if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
		return p, nil
	}
	if p := s.geminiSettingsProject(); p != "" {
		return p, nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("usage: gemini project discovery came back empty")
}

// geminiSettingsProject reads ~/.gemini/settings.json, which users
// hand-edit and often sprinkle with comments, hence json5.
func (s *Service) geminiSettingsProject() string {
	raw, err := os.ReadFile(filepath.Join(s.home, ".gemini", "settings.json"))
	if err != nil {
		return ""
	}
	var settings struct {
		CloudcodeProject string `json:"cloudcodeProject"`
	}
	if err := json5.Unmarshal(raw, &settings); err != nil {
		return ""
	}
	return settings.CloudcodeProject
}

type geminiQuotaBucket struct {
	BucketID          string  `json:"bucketId"`
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime"`
}

func (s *Service) probeGemini(ctx context.Context) ([]Window, error) {
	token, err := s.geminiToken(ctx)
	if err != nil {
		return nil, err
	}
	project, err := s.geminiProject(ctx, token)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Buckets []geminiQuotaBucket `json:"buckets"`
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	err = s.doJSON(ctx, http.MethodPost, s.geminiBase+"/v1internal:retrieveUserQuota",
		headers, map[string]string{"project": project}, &resp)
	if err != nil {
		return nil, err
	}

	var windows []Window
	for _, b := range resp.Buckets {
		// Vertex buckets mirror the standard ones and would render as
		// duplicate rows.
		if strings.HasSuffix(b.BucketID, "_vertex") {
			continue
		}
		windows = append(windows, Window{
			Label:       b.BucketID,
			Utilization: round2(1 - b.RemainingFraction),
			ResetsAt:    b.ResetTime,
		})
	}
	return windows, nil
}
