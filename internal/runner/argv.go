package runner

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

// ErrUnsupportedProvider marks providers that do not spawn a CLI.
// Copilot and Antigravity run through the HTTP agent runner instead.
var ErrUnsupportedProvider = errors.New("runner: unsupported provider")

// BuildArgv returns the exact command line for a provider CLI. model and
// effort are optional overrides from the workspace config.
func BuildArgv(provider, model, effort string) ([]string, error) {
	switch provider {
	case store.ProviderCodex:
		argv := []string{"codex", "--enable", "multi_agent"}
		if model != "" {
			argv = append(argv, "-m", model)
		}
		if effort != "" {
			// codex -c takes a TOML assignment; the value keeps its quotes.
			argv = append(argv, "-c", fmt.Sprintf("model_reasoning_effort=%q", effort))
		}
		return append(argv, "--yolo", "exec", "--json"), nil

	case store.ProviderClaude:
		argv := []string{"claude", "--dangerously-skip-permissions", "--print", "--verbose",
			"--output-format=stream-json", "--include-partial-messages"}
		if model != "" {
			argv = append(argv, "--model", model)
		}
		return argv, nil

	case store.ProviderGemini:
		argv := []string{"gemini"}
		if model != "" {
			argv = append(argv, "-m", model)
		}
		return append(argv, "--yolo", "--output-format=stream-json"), nil

	case store.ProviderOpencode:
		argv := []string{"opencode", "run"}
		if model != "" {
			argv = append(argv, "-m", model)
		}
		return append(argv, "--format", "json"), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}
