package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/store"
)

const conversationWindow = 10

func langName(lang string) string {
	switch lang {
	case meeting.LangKO:
		return "Korean"
	case meeting.LangJA:
		return "Japanese"
	case meeting.LangZH:
		return "Chinese"
	default:
		return "English"
	}
}

// planContract instructs providers without native subagents to surface
// their plan through parseable markers.
const planContract = `Before you start, output your plan as a single line: {"subtasks":[{"title":"..."}, ...]}.
After finishing each item, output a single line: {"subtask_done":"<title>"}.
These two marker lines must be plain JSON on their own lines; everything else is up to you.`

// identity renders who the agent is, including the department lane
// constraint used in meetings.
func (o *Orchestrator) identity(ctx context.Context, agent *store.Agent, lang string) string {
	var b strings.Builder
	deptID := deref(agent.DepartmentID)
	deptName := deptID
	if dept, err := o.store.GetDepartment(ctx, deptID); err == nil {
		deptName = delegate.DeptDisplayName(dept, lang)
	}
	fmt.Fprintf(&b, "You are %s, %s %s.\n", delegate.AgentDisplayName(agent, lang), deptName, meeting.RoleLabel(agent.Role))
	if agent.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", agent.Personality)
	}
	if c := meeting.RoleConstraint(deptID); c != "" {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	return b.String()
}

// conversation renders the agent's recent CEO exchange, oldest first.
func (o *Orchestrator) conversation(ctx context.Context, agentID string) string {
	msgs, err := o.store.ListConversation(ctx, agentID, conversationWindow)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range msgs {
		who := "CEO"
		if m.SenderType == store.SenderAgent {
			if m.SenderID == agentID {
				who = "Me"
			} else {
				who = "Colleague"
			}
		}
		fmt.Fprintf(&b, "[%s] %s\n", who, m.Content)
	}
	return b.String()
}

// buildRunPrompt composes the execution prompt for a task run: the work
// itself, the recent conversation, the agent identity, and the output
// language. Providers without native subagents additionally get the
// plan marker contract.
func (o *Orchestrator) buildRunPrompt(ctx context.Context, task *store.Task, agent *store.Agent, provider, lang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Description)
	}
	b.WriteByte('\n')

	if conv := o.conversation(ctx, agent.ID); conv != "" {
		b.WriteString(conv)
		b.WriteByte('\n')
	}

	b.WriteString(o.identity(ctx, agent, lang))
	fmt.Fprintf(&b, "Work inside the current directory. Summarize what you did in %s when you finish.\n", langName(lang))

	switch provider {
	case store.ProviderGemini, store.ProviderCopilot, store.ProviderAntigravity:
		b.WriteByte('\n')
		b.WriteString(planContract)
		b.WriteByte('\n')
	}
	return b.String()
}

// buildDirectPrompt composes the one-shot prompt for a direct CEO chat
// reply.
func (o *Orchestrator) buildDirectPrompt(ctx context.Context, agent *store.Agent, content, lang string) string {
	var b strings.Builder
	b.WriteString(o.identity(ctx, agent, lang))
	b.WriteByte('\n')
	if conv := o.conversation(ctx, agent.ID); conv != "" {
		b.WriteString(conv)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "The CEO just wrote to you: %s\n\n", content)
	fmt.Fprintf(&b, "Reply with exactly one natural chat message in %s. No JSON, no markdown, no code. 1-3 sentences.\n", langName(lang))
	return b.String()
}

// buildDelegatedDescription renders the work order for a foreign
// subtask's child task: every sibling with its status, then the
// specific assigned scope.
func buildDelegatedDescription(lang, fromDeptName string, siblings []store.Subtask, scope *store.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Cross-dept from %s]\n", fromDeptName)
	b.WriteString("Overall plan:\n")
	for _, s := range siblings {
		fmt.Fprintf(&b, "%s %s\n", statusIcon(s.Status), s.Title)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Your assigned scope: %s\n", scope.Title)
	if scope.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", scope.Description)
	}
	switch lang {
	case "ko":
		b.WriteString("위 항목만 담당 범위입니다. 다른 항목은 각 부서가 진행합니다.\n")
	case "ja":
		b.WriteString("担当範囲は上記の項目のみです。他の項目は各部署が進めます。\n")
	case "zh":
		b.WriteString("你只负责上述范围,其余项目由各部门推进。\n")
	default:
		b.WriteString("Only the assigned scope above is yours; the other items are handled by their departments.\n")
	}
	return b.String()
}

// firstLine flattens text to a single-line title, clipped to max runes.
func firstLine(text string, max int) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	r := []rune(text)
	if len(r) > max {
		return string(r[:max]) + "…"
	}
	return text
}

// lastRunes keeps the trailing n runes of s.
func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
