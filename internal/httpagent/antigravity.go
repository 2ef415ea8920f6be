package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	antigravityDefaultModel = "gemini-2.5-flash"

	// Used when project discovery fails on every endpoint.
	antigravityDefaultProject = "cloudcode-default"
)

type loadCodeAssistRequest struct {
	Metadata struct {
		IdeType    string `json:"ideType"`
		Platform   string `json:"platform"`
		PluginType string `json:"pluginType"`
	} `json:"metadata"`
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
}

// discoverProject probes the Google endpoints in order and returns the
// first project id plus the endpoint base that answered. Unreachable
// endpoints fall through to the next.
func (r *Runner) discoverProject(ctx context.Context, access string) (project, base string) {
	var body loadCodeAssistRequest
	body.Metadata.IdeType = "IDE_UNSPECIFIED"
	body.Metadata.Platform = "PLATFORM_UNSPECIFIED"
	body.Metadata.PluginType = "GEMINI"
	payload, _ := json.Marshal(body)

	for _, ep := range r.antigravityBases {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep+"/v1internal:loadCodeAssist", bytes.NewReader(payload))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+access)
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}
		var out loadCodeAssistResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err == nil && out.CloudAICompanionProject != "" {
			return out.CloudAICompanionProject, ep
		}
	}
	return antigravityDefaultProject, r.antigravityBases[0]
}

type antigravityRequest struct {
	Project     string `json:"project"`
	Model       string `json:"model"`
	RequestType string `json:"requestType"`
	UserAgent   string `json:"userAgent"`
	RequestID   string `json:"requestId"`
	Request     struct {
		Contents []antigravityContent `json:"contents"`
	} `json:"request"`
}

type antigravityContent struct {
	Role  string            `json:"role"`
	Parts []antigravityPart `json:"parts"`
}

type antigravityPart struct {
	Text string `json:"text"`
}

type antigravityChunk struct {
	Response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	} `json:"response"`
}

func (r *Runner) runAntigravity(ctx context.Context, spec Spec, emit func(string)) error {
	access, err := r.tokens.GoogleToken(ctx)
	if err != nil {
		return fmt.Errorf("httpagent: google token: %w", err)
	}

	project, base := r.discoverProject(ctx, access)

	model := spec.Model
	if model == "" {
		model = antigravityDefaultModel
	}
	reqBody := antigravityRequest{
		Project:     project,
		Model:       model,
		RequestType: "agent",
		UserAgent:   "antigravity",
		RequestID:   uuid.NewString(),
	}
	reqBody.Request.Contents = []antigravityContent{{
		Role:  "user",
		Parts: []antigravityPart{{Text: spec.Prompt}},
	}}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("httpagent: antigravity request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1internal:streamGenerateContent?alt=sse", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("httpagent: antigravity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpagent: antigravity stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("httpagent: antigravity stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	err = scanSSE(resp.Body, func(data string) bool {
		var chunk antigravityChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			return true
		}
		for _, cand := range chunk.Response.Candidates {
			for _, part := range cand.Content.Parts {
				emit(part.Text)
			}
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("httpagent: antigravity stream: %w", ctx.Err())
		}
		return fmt.Errorf("httpagent: antigravity stream: %w", err)
	}
	return nil
}
