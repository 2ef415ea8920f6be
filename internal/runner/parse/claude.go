package parse

import "encoding/json"

// claudeParser reads claude stream-json lines. Subtasks appear as Task
// tool_use blocks inside assistant messages; the matching tool_result
// block inside a later user message closes them by tool_use id.
type claudeParser struct {
	hooks Hooks
}

type claudeLine struct {
	Type    string `json:"type"`
	Message struct {
		Content []claudeBlock `json:"content"`
	} `json:"message"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

type claudeTaskInput struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

func (p *claudeParser) Feed(line string) {
	var msg claudeLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	switch msg.Type {
	case "assistant":
		for _, b := range msg.Message.Content {
			if b.Type != "tool_use" || b.Name != "Task" || b.ID == "" {
				continue
			}
			var in claudeTaskInput
			_ = json.Unmarshal(b.Input, &in)
			p.hooks.startSubtask(b.ID, clipTitle(in.Description, in.Prompt), in.Prompt)
		}
	case "user":
		// tool_result blocks do not repeat the tool name; end markers for
		// non-Task tools resolve to nothing on the caller's side.
		for _, b := range msg.Message.Content {
			if b.Type == "tool_result" && b.ToolUseID != "" {
				p.hooks.endSubtask(b.ToolUseID)
			}
		}
	}
}
