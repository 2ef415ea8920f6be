package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/climpire/internal/delegate"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store"
)

// HandleInbound reacts to a persisted CEO message. Agent recipients get
// a direct reply, or the full delegation flow when a team leader
// receives a task_assign. Department recipients route to the
// department's leader; broadcasts fan out to every active leader.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg *store.Message) {
	if msg.SenderType != store.SenderCEO {
		return
	}
	switch msg.ReceiverType {
	case store.ReceiverAgent:
		agent, err := o.store.GetAgent(ctx, msg.ReceiverID)
		if err != nil {
			o.logger.Warn("inbound for unknown agent", "agent", msg.ReceiverID)
			return
		}
		o.scheduleAgentReply(agent, msg)
	case store.ReceiverDepartment:
		leader, err := o.store.GetTeamLeader(ctx, msg.ReceiverID)
		if err != nil {
			o.logger.Warn("inbound for department without leader", "department", msg.ReceiverID)
			return
		}
		o.scheduleAgentReply(leader, msg)
	case store.ReceiverAll:
		go o.handleAnnouncement(msg)
	}
}

// scheduleAgentReply classifies one agent-directed CEO message: team
// leaders receiving task_assign enter delegation, everything else gets
// a jittered one-shot chat reply.
func (o *Orchestrator) scheduleAgentReply(agent *store.Agent, msg *store.Message) {
	if agent.Role == store.RoleTeamLeader && msg.MessageType == store.MsgTaskAssign {
		go o.runDelegation(agent, msg.Content)
		return
	}
	go o.directReply(agent, msg.Content)
}

func (o *Orchestrator) directReply(agent *store.Agent, content string) {
	if !o.sleep(o.jitter(o.pace.ReplyMin, o.pace.ReplyMax)) {
		return
	}
	ctx := o.ctx
	lang := o.language(ctx, content)
	provider, model, effort := o.agentProvider(agent)

	reply := ""
	out, err := o.launcher.RunOnce(ctx, runner.OneShotSpec{
		Provider:        provider,
		Model:           model,
		ReasoningEffort: effort,
		Dir:             o.defaultDir(),
		Prompt:          o.buildDirectPrompt(ctx, agent, content, lang),
		Timeout:         runner.DirectReplyTimeout,
		Label:           "reply",
	})
	if err == nil {
		reply = meeting.Sanitize(out, meeting.DirectReplyLimit)
	}
	if reply == "" || !meeting.Acceptable(reply, lang) {
		reply = directFallback(lang)
	}
	o.postAgentMessage(ctx, agent.ID, store.ReceiverCEO, "", reply, store.MsgChat, nil)
}

// handleAnnouncement staggers an acknowledgment from every active team
// leader, then dispatches any @mentions as full delegations.
func (o *Orchestrator) handleAnnouncement(msg *store.Message) {
	ctx := o.ctx
	leaders, err := o.store.ListTeamLeaders(ctx)
	if err != nil {
		o.logger.Warn("announcement fanout failed", "err", err)
		return
	}
	lang := o.language(ctx, msg.Content)

	tokens := delegate.Mentions(msg.Content)
	if len(tokens) > 0 {
		o.after(o.jitter(o.pace.MentionMin, o.pace.MentionMax), func() {
			o.dispatchMentions(tokens, msg.Content)
		})
	}

	for i := range leaders {
		if !o.sleep(o.jitter(o.pace.AnnounceMin, o.pace.AnnounceMax)) {
			return
		}
		o.postAgentMessage(ctx, leaders[i].ID, store.ReceiverCEO, "", announceAckLine(lang), store.MsgChat, nil)
	}
}

// dispatchMentions resolves @dept and @agent tokens and runs the
// delegation flow against each mentioned department's leader.
func (o *Orchestrator) dispatchMentions(tokens []string, content string) {
	ctx := o.ctx
	departments, err := o.store.ListDepartments(ctx)
	if err != nil {
		return
	}
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return
	}
	for _, m := range delegate.ResolveMentions(tokens, departments, agents) {
		leader, err := o.store.GetTeamLeader(ctx, m.DepartmentID)
		if err != nil {
			o.logger.Warn("mention without leader", "department", m.DepartmentID)
			continue
		}
		go o.runDelegation(leader, content)
	}
}
