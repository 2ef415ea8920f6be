package httpagent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	copilotDefaultBase  = "https://api.githubcopilot.com"
	copilotDefaultModel = "gpt-4o"

	// Copilot bearer tokens are short-lived; refresh this long before
	// the advertised expiry.
	copilotTokenMargin = 5 * time.Minute
)

// copilotTokenCache caches exchanged Copilot tokens keyed by the
// SHA-256 of the source GitHub token, so reconnecting with a different
// GitHub account never reuses a stale bearer.
type copilotTokenCache struct {
	mu      sync.Mutex
	entries map[string]copilotToken
}

type copilotToken struct {
	token     string
	base      string
	expiresAt time.Time
}

type copilotExchangeResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Endpoints struct {
		API string `json:"api"`
	} `json:"endpoints"`
}

// copilotToken exchanges the stored GitHub OAuth token for a Copilot
// bearer token, serving from cache while fresh.
func (r *Runner) copilotToken(ctx context.Context) (copilotToken, error) {
	github, err := r.tokens.GitHubToken(ctx)
	if err != nil {
		return copilotToken{}, fmt.Errorf("httpagent: github token: %w", err)
	}
	sum := sha256.Sum256([]byte(github))
	key := hex.EncodeToString(sum[:])

	r.copilotTokens.mu.Lock()
	cached, ok := r.copilotTokens.entries[key]
	r.copilotTokens.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > copilotTokenMargin {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.githubAPIBase+"/copilot_internal/v2/token", nil)
	if err != nil {
		return copilotToken{}, fmt.Errorf("httpagent: token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+github)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return copilotToken{}, fmt.Errorf("httpagent: token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return copilotToken{}, fmt.Errorf("httpagent: token exchange: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var exch copilotExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exch); err != nil {
		return copilotToken{}, fmt.Errorf("httpagent: token exchange: decode: %w", err)
	}
	if exch.Token == "" {
		return copilotToken{}, fmt.Errorf("httpagent: token exchange: empty token")
	}

	tok := copilotToken{
		token:     exch.Token,
		base:      copilotBaseURL(exch, r.copilotBase),
		expiresAt: time.Unix(exch.ExpiresAt, 0),
	}

	r.copilotTokens.mu.Lock()
	if r.copilotTokens.entries == nil {
		r.copilotTokens.entries = map[string]copilotToken{}
	}
	r.copilotTokens.entries[key] = tok
	r.copilotTokens.mu.Unlock()
	return tok, nil
}

// copilotBaseURL picks the chat endpoint root: the proxy-ep hint baked
// into the token wins, then the advertised api endpoint, then the
// public default. An explicit override (tests) beats everything.
func copilotBaseURL(exch copilotExchangeResponse, override string) string {
	if override != "" {
		return override
	}
	for _, part := range strings.Split(exch.Token, ";") {
		if v, ok := strings.CutPrefix(part, "proxy-ep="); ok && v != "" {
			if !strings.Contains(v, "://") {
				v = "https://" + v
			}
			return strings.TrimSuffix(v, "/")
		}
	}
	if exch.Endpoints.API != "" {
		return strings.TrimSuffix(exch.Endpoints.API, "/")
	}
	return copilotDefaultBase
}

type copilotChatRequest struct {
	Model    string           `json:"model"`
	Messages []copilotMessage `json:"messages"`
	Stream   bool             `json:"stream"`
}

type copilotMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type copilotChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (r *Runner) runCopilot(ctx context.Context, spec Spec, emit func(string)) error {
	tok, err := r.copilotToken(ctx)
	if err != nil {
		return err
	}

	model := spec.Model
	if model == "" {
		model = copilotDefaultModel
	}
	body, err := json.Marshal(copilotChatRequest{
		Model:    model,
		Messages: []copilotMessage{{Role: "user", Content: spec.Prompt}},
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("httpagent: copilot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tok.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpagent: copilot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Copilot-Integration-Id", "vscode-chat")
	req.Header.Set("Editor-Version", "vscode/1.99.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpagent: copilot stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("httpagent: copilot stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	err = scanSSE(resp.Body, func(data string) bool {
		if data == "[DONE]" {
			return false
		}
		var chunk copilotChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			return true
		}
		for _, c := range chunk.Choices {
			emit(c.Delta.Content)
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("httpagent: copilot stream: %w", ctx.Err())
		}
		return fmt.Errorf("httpagent: copilot stream: %w", err)
	}
	return nil
}
