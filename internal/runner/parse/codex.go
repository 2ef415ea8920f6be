package parse

import (
	"encoding/json"
	"regexp"
)

// codexParser reads codex --json event lines. Multi-agent runs surface
// as collab_tool_call items: spawn_agent opens a unit keyed by item id,
// its completion reports the receiver thread ids, and close_agent
// completion names the thread that finished.
type codexParser struct {
	hooks Hooks
}

type codexLine struct {
	Type string    `json:"type"`
	Item codexItem `json:"item"`
}

type codexItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"item_type"`
	AltType   string          `json:"type"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Output    string          `json:"output"`
	ThreadIDs []string        `json:"receiver_thread_ids"`
}

type codexSpawnArgs struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Message     string `json:"message"`
}

type codexCloseArgs struct {
	ThreadID string `json:"thread_id"`
}

var threadIDRe = regexp.MustCompile(`"thread_id"\s*:\s*"([^"]+)"`)

func (p *codexParser) Feed(line string) {
	var msg codexLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	if msg.Item.itemType() != "collab_tool_call" {
		return
	}
	switch {
	case msg.Type == "item.started" && msg.Item.Tool == "spawn_agent":
		if msg.Item.ID == "" {
			return
		}
		var args codexSpawnArgs
		_ = json.Unmarshal(msg.Item.Arguments, &args)
		prompt := args.Prompt
		if prompt == "" {
			prompt = args.Message
		}
		title := clipTitle(args.Description, prompt)
		if title == "" {
			title = "Codex agent " + msg.Item.ID
		}
		p.hooks.startSubtask(msg.Item.ID, title, prompt)
	case msg.Type == "item.completed" && msg.Item.Tool == "spawn_agent":
		if p.hooks.MapThreads == nil || msg.Item.ID == "" {
			return
		}
		ids := msg.Item.ThreadIDs
		if len(ids) == 0 {
			for _, m := range threadIDRe.FindAllStringSubmatch(msg.Item.Output, -1) {
				ids = append(ids, m[1])
			}
		}
		if len(ids) > 0 {
			p.hooks.MapThreads(msg.Item.ID, ids)
		}
	case msg.Type == "item.completed" && msg.Item.Tool == "close_agent":
		if p.hooks.EndThread == nil {
			return
		}
		var args codexCloseArgs
		_ = json.Unmarshal(msg.Item.Arguments, &args)
		if args.ThreadID == "" {
			if m := threadIDRe.FindStringSubmatch(msg.Item.Output); m != nil {
				args.ThreadID = m[1]
			}
		}
		if args.ThreadID != "" {
			p.hooks.EndThread(args.ThreadID)
		}
	}
}

// itemType tolerates both the nested item_type field and streams that
// reuse type inside the item object.
func (it codexItem) itemType() string {
	if it.Type != "" {
		return it.Type
	}
	return it.AltType
}
