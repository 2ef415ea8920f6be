package config

import (
	"log/slog"
	"os"

	"github.com/titanous/json5"
)

// WorkspaceConfig is the optional per-workspace tuning file climpire.json5.
// JSON5 so it can carry comments. All fields are optional; secrets do not
// belong here.
type WorkspaceConfig struct {
	// Models overrides what is passed to a provider CLI, keyed by provider.
	Models map[string]ModelOverride `json:"models,omitempty"`
	// ProjectRoots adds directories scanned when detecting a project path
	// from directive text, in addition to $HOME/Projects. Entries from the
	// PROJECT_ROOTS env list are appended at load time.
	ProjectRoots []string `json:"project_roots,omitempty"`
	Meeting      Meeting  `json:"meeting,omitempty"`
}

// ModelOverride tunes one provider CLI. ReasoningEffort is only honored
// by codex (-c model_reasoning_effort).
type ModelOverride struct {
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// Meeting tunes conversation pacing for leader meetings.
type Meeting struct {
	MinTurnDelayMS int `json:"min_turn_delay_ms,omitempty"`
	MaxTurnDelayMS int `json:"max_turn_delay_ms,omitempty"`
}

func loadWorkspace(path string) WorkspaceConfig {
	var ws WorkspaceConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return ws
	}
	if err := json5.Unmarshal(data, &ws); err != nil {
		slog.Warn("invalid workspace config, ignoring", "path", path, "error", err)
		return WorkspaceConfig{}
	}
	return ws
}
