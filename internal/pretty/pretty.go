// Package pretty renders newline-delimited provider JSON streams as
// readable text for the task terminal view and the meeting sanitizer.
// Meta lines ([init], [thread], [usage]) come first, then the stitched
// assistant content with paragraph breaks preserved.
package pretty

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var multiBlank = regexp.MustCompile(`\n{3,}`)

// Render converts a stream-JSON buffer into readable text. Input without
// a single recognizable JSON event comes back unchanged apart from
// trimming, so rendering already-pretty text is a no-op.
func Render(raw string) string {
	p := &printer{}
	sawEvent := false

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if p.consume(trimmed) {
			sawEvent = true
			continue
		}
		p.appendText(trimmed + "\n")
	}
	if !sawEvent {
		return strings.TrimSpace(raw)
	}
	return p.output()
}

type printer struct {
	meta    []string
	paras   []string
	textBuf strings.Builder
	result  string
}

// consume parses one line as a provider event. False means the line is
// not JSON and should be carried through as plain text.
func (p *printer) consume(line string) bool {
	if !strings.HasPrefix(line, "{") {
		return false
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &head); err != nil || head.Type == "" {
		return false
	}

	switch head.Type {
	// Claude --print stream.
	case "system":
		p.claudeSystem(line)
	case "stream_event":
		p.claudeStreamEvent(line)
	case "assistant":
		p.claudeAssistant(line)
	case "user":
		// Tool results echoed back to the model; nothing readable.
	case "result":
		p.claudeResult(line)

	// Codex exec --json stream.
	case "thread.started":
		p.codexThread(line)
	case "item.completed":
		p.codexItem(line)
	case "item.started", "item.updated", "turn.started":
		// Progressive duplicates of item.completed.
	case "turn.completed":
		p.codexUsage(line)
	case "error":
		p.genericError(line)

	// Gemini stream-json.
	case "message":
		p.geminiMessage(line)
	case "tool_call", "tool_use":
		p.geminiToolCall(line)
	case "tool_result":
		p.geminiToolResult(line)

	case "init":
		// Gemini handshake line, no readable content.

	default:
		// Unknown event type: swallow rather than leak raw JSON.
	}
	return true
}

// --- Claude ---

func (p *printer) claudeSystem(line string) {
	var ev struct {
		Subtype    string `json:"subtype"`
		Model      string `json:"model"`
		MCPServers []struct {
			Name string `json:"name"`
		} `json:"mcp_servers"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Subtype != "init" {
		return
	}
	if ev.Model != "" {
		p.addMeta("[init] " + ev.Model)
	}
	if len(ev.MCPServers) > 0 {
		names := make([]string, 0, len(ev.MCPServers))
		for _, s := range ev.MCPServers {
			names = append(names, s.Name)
		}
		p.addMeta("[mcp] " + strings.Join(names, ", "))
	}
}

func (p *printer) claudeStreamEvent(line string) {
	var ev struct {
		Event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		} `json:"event"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	switch ev.Event.Type {
	case "content_block_delta":
		if ev.Event.Delta.Type == "text_delta" {
			p.appendText(ev.Event.Delta.Text)
		}
	case "content_block_stop":
		p.flushText()
	}
}

type claudeBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (p *printer) claudeAssistant(line string) {
	var ev struct {
		Message struct {
			Content []claudeBlock `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	// The complete message supersedes its partial deltas.
	p.dropText()
	for _, b := range ev.Message.Content {
		switch b.Type {
		case "text":
			p.appendPara(strings.TrimSpace(b.Text))
		case "tool_use":
			p.appendPara("[tool: " + b.Name + "] " + shortKey(b.Input))
		}
	}
}

func (p *printer) claudeResult(line string) {
	var ev struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	p.result = strings.TrimSpace(ev.Result)
}

// --- Codex ---

func (p *printer) codexThread(line string) {
	var ev struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.ThreadID == "" {
		return
	}
	p.addMeta("[thread] " + ev.ThreadID)
}

func (p *printer) codexItem(line string) {
	var ev struct {
		Item struct {
			Type             string          `json:"type"`
			Text             string          `json:"text"`
			Name             string          `json:"name"`
			Tool             string          `json:"tool"`
			Server           string          `json:"server"`
			Command          string          `json:"command"`
			Arguments        json.RawMessage `json:"arguments"`
			Output           string          `json:"output"`
			Error            string          `json:"error"`
			ExitCode         *int            `json:"exit_code"`
			AggregatedOutput string          `json:"aggregated_output"`
		} `json:"item"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	it := ev.Item
	switch it.Type {
	case "agent_message":
		p.appendPara(strings.TrimSpace(it.Text))
	case "reasoning":
		if t := strings.TrimSpace(it.Text); t != "" {
			p.appendPara("[reasoning] " + t)
		}
	case "command_execution":
		p.appendPara("[tool: shell] " + truncate(it.Command, 80))
		if it.ExitCode != nil && *it.ExitCode != 0 && it.AggregatedOutput != "" {
			p.appendPara("[error] " + truncate(strings.TrimSpace(it.AggregatedOutput), 200))
		}
	case "tool_call":
		p.appendPara("[tool: " + it.Name + "] " + truncate(string(it.Arguments), 80))
	case "mcp_tool_call":
		p.appendPara("[mcp] " + it.Server + "." + it.Tool)
	case "tool_output":
		if it.Error != "" {
			p.appendPara("[error] " + truncate(it.Error, 200))
		}
	case "collab_tool_call":
		switch it.Tool {
		case "spawn_agent":
			p.appendPara("[spawn_agent]")
		case "close_agent":
			p.appendPara("[agent_done]")
		}
	}
}

func (p *printer) codexUsage(line string) {
	var ev struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	if ev.Usage.InputTokens == 0 && ev.Usage.OutputTokens == 0 {
		return
	}
	p.meta = append(p.meta, sprintUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens))
}

func (p *printer) genericError(line string) {
	var ev struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Message == "" {
		return
	}
	p.appendPara("[error] " + truncate(ev.Message, 200))
}

// --- Gemini ---

func (p *printer) geminiMessage(line string) {
	var ev struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Role != "assistant" {
		return
	}
	p.appendText(ev.Content)
}

func (p *printer) geminiToolCall(line string) {
	var ev struct {
		Name   string          `json:"name"`
		Params json.RawMessage `json:"parameters"`
		Args   json.RawMessage `json:"args"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	args := ev.Params
	if len(args) == 0 {
		args = ev.Args
	}
	p.appendPara(strings.TrimSpace("[tool: " + ev.Name + "] " + truncate(string(args), 80)))
	if ev.Status != "" && ev.Status != "success" && ev.Status != "executing" {
		p.appendPara("[result: " + ev.Status + "]")
	}
}

func (p *printer) geminiToolResult(line string) {
	var ev struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}
	if ev.Status != "" && ev.Status != "success" {
		p.appendPara("[result: " + ev.Status + "]")
	}
}

// --- assembly ---

func (p *printer) addMeta(s string) {
	for _, m := range p.meta {
		if m == s {
			return
		}
	}
	p.meta = append(p.meta, s)
}

func (p *printer) appendText(s string) {
	p.textBuf.WriteString(s)
}

func (p *printer) dropText() {
	p.textBuf.Reset()
}

func (p *printer) flushText() {
	p.appendPara("")
}

// appendPara flushes pending stitched text ahead of the new paragraph so
// the reading order matches the stream order. Consecutive duplicates are
// dropped.
func (p *printer) appendPara(s string) {
	if t := strings.TrimSpace(p.textBuf.String()); t != "" {
		p.textBuf.Reset()
		if n := len(p.paras); n == 0 || p.paras[n-1] != t {
			p.paras = append(p.paras, t)
		}
	}
	if s == "" {
		return
	}
	if n := len(p.paras); n > 0 && p.paras[n-1] == s {
		return
	}
	p.paras = append(p.paras, s)
}

func (p *printer) output() string {
	p.flushText()
	if len(p.paras) == 0 && p.result != "" {
		p.paras = append(p.paras, p.result)
	}

	var b strings.Builder
	if len(p.meta) > 0 {
		b.WriteString(strings.Join(p.meta, "\n"))
		if len(p.paras) > 0 {
			b.WriteString("\n\n")
		}
	}
	b.WriteString(strings.Join(p.paras, "\n\n"))
	return strings.TrimSpace(multiBlank.ReplaceAllString(b.String(), "\n\n"))
}

func sprintUsage(in, out int) string {
	return fmt.Sprintf("[usage] input=%d output=%d", in, out)
}

// shortKey picks the most descriptive string out of a tool_use input for
// the one-line [tool: …] rendering.
var preferredKeys = []string{"description", "prompt", "command", "file_path", "path", "pattern", "query", "url"}

func shortKey(input json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return truncate(string(input), 80)
	}
	for _, k := range preferredKeys {
		if v, ok := m[k].(string); ok && v != "" {
			return truncate(strings.TrimSpace(v), 80)
		}
	}
	for _, v := range m {
		if s, ok := v.(string); ok && s != "" {
			return truncate(strings.TrimSpace(s), 80)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
