// Package parse extracts subtask lifecycle markers from provider output
// streams. Each provider has its own wire shape; the parsers reduce all
// of them to start/end hooks keyed by an opaque correlation id.
package parse

// Hooks receive subtask lifecycle markers as they appear in the stream.
// Callbacks run inline on the stream pump and must stay cheap.
type Hooks struct {
	// StartSubtask fires when the stream opens a unit of work. key is the
	// provider correlation id used to match the matching end marker.
	StartSubtask func(key, title, description string)
	// EndSubtask fires when the stream completes the unit keyed by key.
	EndSubtask func(key string)

	// MapThreads is codex-specific: a completed spawn_agent call reports
	// the receiver thread ids opened for the spawning item.
	MapThreads func(key string, threadIDs []string)
	// EndThread is codex-specific: close_agent completion carries only
	// the thread id; the caller resolves it through its thread map.
	EndThread func(threadID string)
}

// Parser consumes one stdout line at a time. Malformed lines are ignored.
type Parser interface {
	Feed(line string)
}

// ForProvider returns the stream parser matching a provider's output
// format. Providers without native subagents (gemini and the HTTP
// runners) share the plain-text marker scan.
func ForProvider(provider string, h Hooks) Parser {
	switch provider {
	case "claude":
		return &claudeParser{hooks: h}
	case "codex":
		return &codexParser{hooks: h}
	default:
		return newPlainParser(h)
	}
}

func (h Hooks) startSubtask(key, title, description string) {
	if h.StartSubtask != nil {
		h.StartSubtask(key, title, description)
	}
}

func (h Hooks) endSubtask(key string) {
	if h.EndSubtask != nil {
		h.EndSubtask(key)
	}
}

// clipTitle derives a one-line subtask title: the explicit description
// when present, otherwise the first 100 characters of the prompt.
func clipTitle(description, prompt string) string {
	if description != "" {
		return description
	}
	r := []rune(prompt)
	if len(r) > 100 {
		return string(r[:100])
	}
	return prompt
}
